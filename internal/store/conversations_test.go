package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestConversationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := &Conversation{Title: "Scheduled: briefing", SystemPrompt: "be brief"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("no id assigned")
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != conv.Title || got.SystemPrompt != conv.SystemPrompt {
		t.Errorf("round trip mismatch: %+v", got)
	}

	ok, err := s.ConversationExists(ctx, conv.ID)
	if err != nil || !ok {
		t.Errorf("exists = %v, %v", ok, err)
	}
	ok, err = s.ConversationExists(ctx, "absent")
	if err != nil || ok {
		t.Errorf("exists(absent) = %v, %v", ok, err)
	}
}

func TestMessagesChronologicalWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv := &Conversation{Title: "t"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := s.AppendMessage(ctx, conv.ID, "user", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListMessages(ctx, conv.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Most recent three, oldest first.
	for i, want := range []string{"m2", "m3", "m4"} {
		if got[i].Content != want {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Content, want)
		}
	}
}

func TestDeleteConversationCascadesMessagesNotTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv := &Conversation{Title: "t"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage(ctx, conv.ID, "user", "hi"); err != nil {
		t.Fatal(err)
	}
	task := insertTestTask(t, s, func(tk *ScheduledTask) { tk.ConversationID = conv.ID })

	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetConversation(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("conversation still present: %v", err)
	}
	msgs, err := s.ListMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived cascade: %d", len(msgs))
	}
	// The task row stays; the executor reports the dangling reference at run time.
	if _, err := s.GetTask(ctx, task.ID); err != nil {
		t.Errorf("task deleted with conversation: %v", err)
	}
}

package ai

import (
	"context"
	"strings"
	"testing"
)

func TestOfflineFallbackStreams(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	e := NewGenkitEngine(context.Background(), Settings{Provider: "google"})
	if e.llmOn {
		t.Fatal("engine thinks an LLM is configured")
	}

	var chunks []string
	reply, err := e.Stream(context.Background(), Request{Prompt: "check the weather"}, func(text string) error {
		chunks = append(chunks, text)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if reply == "" || !strings.Contains(reply, "check the weather") {
		t.Errorf("reply = %q", reply)
	}
	if strings.Join(chunks, "") != reply {
		t.Errorf("chunks %v do not assemble the reply %q", chunks, reply)
	}
}

func TestEmptyPromptRejected(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	e := NewGenkitEngine(context.Background(), Settings{Provider: "google"})
	if _, err := e.Stream(context.Background(), Request{Prompt: "   "}, func(string) error { return nil }); err == nil {
		t.Error("blank prompt accepted")
	}
}

func TestModelNameForProvider(t *testing.T) {
	tests := []struct {
		provider, model, want string
	}{
		{"anthropic", "claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
		{"openai", "gpt-4o-mini", "openai/gpt-4o-mini"},
		{"openai_compatible", "qwen2.5", "qwen2.5"},
		{"google", "gemini-2.0-flash", "googleai/gemini-2.0-flash"},
	}
	for _, tt := range tests {
		if got := modelNameForProvider(tt.provider, tt.model); got != tt.want {
			t.Errorf("%s/%s = %q, want %q", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestHistoryToMessagesSkipsUnknownRoles(t *testing.T) {
	msgs := historyToMessages([]Turn{
		{Role: "user", Content: "hi"},
		{Role: "tool", Content: "ignored"},
		{Role: "assistant", Content: "hello"},
	})
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
}

package store

import (
	"context"
	"testing"
	"time"
)

func TestTaskRunHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := insertTestTask(t, s, nil)

	base := time.Now().Add(-time.Hour).UTC()
	for i := 0; i < 3; i++ {
		started := base.Add(time.Duration(i) * time.Minute)
		finished := started.Add(10 * time.Second)
		run := TaskRun{TaskID: task.ID, Status: StatusSuccess, StartedAt: started, FinishedAt: &finished}
		if err := s.AppendTaskRun(ctx, run); err != nil {
			t.Fatalf("append run: %v", err)
		}
	}

	runs, err := s.ListTaskRuns(ctx, task.ID, 2)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	if !runs[0].StartedAt.After(runs[1].StartedAt) {
		t.Errorf("runs not newest first: %v, %v", runs[0].StartedAt, runs[1].StartedAt)
	}
	if runs[0].FinishedAt == nil {
		t.Error("finished_at lost")
	}
}

func TestPruneTaskRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := insertTestTask(t, s, nil)

	old := time.Now().Add(-48 * time.Hour).UTC()
	recent := time.Now().Add(-time.Hour).UTC()
	for _, started := range []time.Time{old, recent} {
		if err := s.AppendTaskRun(ctx, TaskRun{TaskID: task.ID, Status: StatusError, Error: "timeout", StartedAt: started}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneTaskRuns(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	runs, err := s.ListTaskRuns(ctx, task.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || !runs[0].StartedAt.Equal(recent) {
		t.Errorf("wrong survivor: %+v", runs)
	}
}

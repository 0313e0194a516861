package runstore

import (
	"context"
	"testing"

	"github.com/forgeharness/forge/internal/workorder"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateRunAndTransitionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, Run{
		RepoURL:   "https://github.com/acme/widgets",
		RepoRef:   "main",
		WorkOrder: workorder.WorkOrder{ID: "WO-01", Title: "add feature"},
		Params:    map[string]any{"max_iterations": 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", run.Status)
	}

	status, err := s.TransitionToRunning(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusRunning {
		t.Fatalf("expected RUNNING, got %s", status)
	}

	if err := s.Finish(ctx, run.ID, StatusSucceeded, "PASS", nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got.Status)
	}
	if got.WorkOrder.ID != "WO-01" {
		t.Fatalf("expected round-tripped work order, got %+v", got.WorkOrder)
	}

	events, err := s.ListEvents(ctx, run.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events (CREATED, START, END), got %d: %+v", len(events), events)
	}
	if events[0].Kind != EventRunCreated || events[1].Kind != EventRunStart || events[2].Kind != EventRunEnd {
		t.Fatalf("unexpected event order: %+v", events)
	}
}

func TestIdempotencyKeyConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRun(ctx, Run{IdempotencyKey: "key-1", RepoURL: "https://github.com/acme/widgets", RepoRef: "main"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.CreateRun(ctx, Run{IdempotencyKey: "key-1", RepoURL: "https://github.com/acme/widgets", RepoRef: "main"})
	if err != ErrIdempotencyConflict {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestCancelIsIdempotentAndBlocksTerminalRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, Run{RepoURL: "https://github.com/acme/widgets", RepoRef: "main"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	canceled, err := s.IsCanceled(ctx, run.ID)
	if err != nil || !canceled {
		t.Fatalf("expected canceled=true, got %v err=%v", canceled, err)
	}

	// Canceling again is a no-op, not an error.
	if err := s.Cancel(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	run2, err := s.CreateRun(ctx, Run{RepoURL: "https://github.com/acme/widgets", RepoRef: "main"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionToRunning(ctx, run2.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(ctx, run2.ID, StatusSucceeded, "done", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(ctx, run2.ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRun(ctx, run2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("canceling a terminal run must not change its status, got %s", got.Status)
	}
}

func TestRecordAndFetchArtifact(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, Run{RepoURL: "https://github.com/acme/widgets", RepoRef: "main"})
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.RecordArtifact(ctx, Artifact{RunID: run.ID, Name: "run_summary.json", Path: "/tmp/x/run_summary.json", Bytes: 42, SHA256: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == 0 {
		t.Fatal("expected a non-zero artifact id")
	}
	got, err := s.GetArtifactByName(ctx, run.ID, "run_summary.json")
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "/tmp/x/run_summary.json" {
		t.Fatalf("got %+v", got)
	}
	if _, err := s.GetArtifactByName(ctx, run.ID, "missing.json"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

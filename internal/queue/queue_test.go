package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return FromClient(rdb, Config{})
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "run-123")
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" {
		t.Fatal("expected a non-empty job id")
	}

	job, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job, got nil")
	}
	if job.ID != jobID || job.RunID != "run-123" {
		t.Fatalf("got %+v", job)
	}
}

func TestDequeueTimesOutWithNoJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Dequeue(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
}

func TestEnqueueFIFOOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "run-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "run-b"); err != nil {
		t.Fatal(err)
	}

	first, err := q.Dequeue(ctx, time.Second)
	if err != nil || first == nil || first.RunID != "run-a" {
		t.Fatalf("expected run-a first, got %+v err=%v", first, err)
	}
	second, err := q.Dequeue(ctx, time.Second)
	if err != nil || second == nil || second.RunID != "run-b" {
		t.Fatalf("expected run-b second, got %+v err=%v", second, err)
	}
}

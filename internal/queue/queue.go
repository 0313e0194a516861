// Package queue is the Redis-backed job queue that hands a created run off
// to a worker: the HTTP layer enqueues a run id, and a worker process pops
// it and drives the run to completion (§4.J). Generalizes
// original_source/src/aos/queue/enqueue.py's single-named-queue,
// run-id-only job payload design.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultQueueName is the single queue name every run is enqueued onto,
// mirroring the original's Queue("default", ...).
const DefaultQueueName = "default"

// DefaultJobTimeout is the bound a worker should apply to one job's
// execution — the spec's one-hour queue job timeout.
const DefaultJobTimeout = time.Hour

// Job is the payload pushed onto the queue. It deliberately carries only its
// own job id and the run id: every other piece of state a worker needs lives in the run store,
// looked up by id, exactly as enqueue.py's queue.enqueue(run_job, str(run_id))
// does.
type Job struct {
	ID    string `msgpack:"id"`
	RunID string `msgpack:"run_id"`
}

// Config configures a Queue's Redis connection and queue name.
type Config struct {
	RedisURL  string // e.g. redis://localhost:6379; defaults to that if empty
	QueueName string // defaults to DefaultQueueName
}

func (c Config) queueName() string {
	if c.QueueName != "" {
		return c.QueueName
	}
	return DefaultQueueName
}

// Queue wraps a Redis list used as a FIFO job queue.
type Queue struct {
	rdb  *redis.Client
	name string
}

// Open connects to Redis at cfg.RedisURL (defaulting to
// redis://localhost:6379, matching the original's REDIS_URL env default).
func Open(cfg Config) (*Queue, error) {
	url := cfg.RedisURL
	if url == "" {
		url = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	return FromClient(redis.NewClient(opts), cfg), nil
}

// FromClient wraps an already-constructed Redis client, used by tests to
// inject a miniredis-backed client.
func FromClient(rdb *redis.Client, cfg Config) *Queue {
	return &Queue{rdb: rdb, name: cfg.queueName()}
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error { return q.rdb.Close() }

// Enqueue pushes a job for runID onto the queue and returns the job id.
func (q *Queue) Enqueue(ctx context.Context, runID string) (string, error) {
	job := Job{ID: ulid.Make().String(), RunID: runID}
	b, err := msgpack.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: encode job: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.name, b).Err(); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return job.ID, nil
}

// Dequeue blocks up to timeout for the next job. It returns (nil, nil) on a
// timeout with no job available.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("queue: unexpected BLPOP reply: %v", res)
	}
	var job Job
	if err := msgpack.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("queue: decode job: %w", err)
	}
	return &job, nil
}

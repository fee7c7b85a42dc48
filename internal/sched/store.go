package sched

import (
	"context"
	"time"
)

// Counts summarizes one queue's jobs by state.
type Counts struct {
	// Workers is the queue's configured pool size; the scheduler fills it
	// in, stores leave it zero.
	Workers   int `json:"workers,omitempty"`
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Store persists one queue's jobs. Two implementations exist: an in-process
// store and a Redis-backed one that survives restarts. Dequeue hands each
// waiting job to exactly one caller.
type Store interface {
	// Enqueue adds a waiting job.
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue promotes due delayed jobs, then claims the highest-priority
	// waiting job and marks it active. It returns (nil, nil) when the
	// queue is empty.
	Dequeue(ctx context.Context) (*Job, error)
	// Get returns a copy of a job, or model.ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// Requeue moves an active job back to the queue for a retry, delayed
	// until notBefore.
	Requeue(ctx context.Context, id string, notBefore time.Time) error
	// RequeueStalled returns a stalled active job to the front of the
	// queue, incrementing its stall counter.
	RequeueStalled(ctx context.Context, id string) error
	// Complete marks an active job completed with its result document.
	Complete(ctx context.Context, id string, result []byte) error
	// Fail marks an active job permanently failed.
	Fail(ctx context.Context, id string, msg string) error
	// SetProgress records a 0-100 progress figure on an active job.
	SetProgress(ctx context.Context, id string, pct int) error
	// Heartbeat refreshes an active job's liveness timestamp.
	Heartbeat(ctx context.Context, id string, at time.Time) error
	// RemoveWaiting deletes a job that has not started, reporting whether
	// it was found in the waiting or delayed set.
	RemoveWaiting(ctx context.Context, id string) (bool, error)
	// Position returns a waiting job's 0-based place in line, or -1.
	Position(ctx context.Context, id string) (int, error)
	// Counts tallies the queue's jobs by state.
	Counts(ctx context.Context) (Counts, error)
	// StalledJobs lists active jobs whose heartbeat is older than cutoff.
	StalledJobs(ctx context.Context, cutoff time.Time) ([]string, error)
	// Cleanup removes finished jobs older than cutoff and returns how
	// many were removed.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

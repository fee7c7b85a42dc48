package sched

import (
	"encoding/json"
	"time"
)

// State is a job's lifecycle phase.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one unit of queued work. Payload and Result are class-specific
// JSON documents; the scheduler never inspects them.
type Job struct {
	ID          string          `json:"id"`
	Class       Class           `json:"class"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       State           `json:"state"`
	Priority    int             `json:"priority"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	Stalls      int             `json:"stalls"`
	Progress    int             `json:"progress"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`

	EnqueuedAt  time.Time `json:"enqueuedAt"`
	NotBefore   time.Time `json:"notBefore,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
	HeartbeatAt time.Time `json:"heartbeatAt,omitempty"`
}

// Finished reports whether the job reached a terminal state.
func (j *Job) Finished() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// Package job defines the job record, its states, per-job options and the
// handler result type shared by queues, brokers and worker pools.
package job

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a job
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal reports whether the state is completed or failed
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one unit of queued work.
//
// The broker owns the durable copy; a *Job handed to a worker is a snapshot
// taken at lease time.
type Job struct {
	ID      string          `json:"id"`
	Queue   string          `json:"queue"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	State   State           `json:"state"`

	Attempts     int     `json:"attempts"`
	MaxAttempts  int     `json:"max_attempts"`
	Backoff      Backoff `json:"backoff"`
	StalledCount int     `json:"stalled_count"`

	CreatedAt      time.Time `json:"created_at"`
	LeasedAt       time.Time `json:"leased_at,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	RunAt          time.Time `json:"run_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`

	LastError string          `json:"last_error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Decode unmarshals the payload into v
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// AttemptsLeft reports whether another attempt is allowed after the current one
func (j *Job) AttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// Counts holds the number of jobs per state in one queue
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Retrying  int64 `json:"retrying"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// StalledResult lists the job IDs a stalled check touched
type StalledResult struct {
	Reclaimed []string
	Failed    []string
}

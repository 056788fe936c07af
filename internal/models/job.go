package models

import (
	"time"
)

// JobState enumerates the render job lifecycle.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Error kinds surfaced on failed jobs.
const (
	KindValidation    = "validation"
	KindPoolExhausted = "pool_exhausted"
	KindQueueFull     = "queue_full"
	KindRenderTimeout = "render_timeout"
	KindEngineError   = "engine_error"
	KindInternal      = "internal"
)

// Job tracks a single render request through the scheduler.
// Transitions are monotonic: queued -> running -> {completed|failed}.
type Job struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"fingerprint"`
	State       JobState   `json:"state"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      []byte     `json:"-"`
	ContentType string     `json:"content_type,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
}

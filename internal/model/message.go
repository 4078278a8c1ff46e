package model

import "time"

// Kind discriminates the message variants exchanged with workers.
type Kind int

// Message kinds.
const (
	KindTask Kind = iota + 1
	KindResult
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindResult:
		return "result"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is the base shared by every task and answer.
type Message struct {
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of submitted work. A Task is immutable once created.
type Task[P any] struct {
	Message
	ID      string `json:"id"`
	Payload P      `json:"payload"`
}

// NewTask creates a task carrying payload with a fresh identifier.
func NewTask[P any](payload P) Task[P] {
	return Task[P]{
		Message: Message{Kind: KindTask, CreatedAt: time.Now().UTC()},
		ID:      NewID(),
		Payload: payload,
	}
}

// Answer is either a Result or a Failed sentinel for exactly one task.
//
// Payload is only meaningful when Kind is KindResult. Err is set for KindFailed
// and is meant for logs; it is not part of the answer handed to API clients.
type Answer[O any] struct {
	Message
	TaskID   string        `json:"task_id"`
	Payload  O             `json:"payload,omitempty"`
	Err      error         `json:"-"`
	WorkerID string        `json:"worker_id,omitempty"`
	Device   string        `json:"device,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
}

// NewResult returns a successful answer for taskID.
func NewResult[O any](taskID string, payload O) Answer[O] {
	return Answer[O]{
		Message: Message{Kind: KindResult, CreatedAt: time.Now().UTC()},
		TaskID:  taskID,
		Payload: payload,
	}
}

// NewFailed returns a failure sentinel for taskID.
func NewFailed[O any](taskID string, err error) Answer[O] {
	return Answer[O]{
		Message: Message{Kind: KindFailed, CreatedAt: time.Now().UTC()},
		TaskID:  taskID,
		Err:     err,
	}
}

// Failed reports whether the answer is a failure sentinel.
func (a Answer[O]) Failed() bool {
	return a.Kind != KindResult
}

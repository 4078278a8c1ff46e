package model

import "time"

// Task status constants.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Capability names.
const (
	CapabilitySuperResolution = "super_resolution"
	CapabilityDetection       = "detection"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TaskRecord is the persisted history of one submitted task.
type TaskRecord struct {
	ID         string     `json:"id"`
	Capability string     `json:"capability"`
	Status     string     `json:"status"`
	WorkerID   string     `json:"worker_id,omitempty"`
	Device     string     `json:"device,omitempty"`
	Error      string     `json:"error,omitempty"`
	Output     []byte     `json:"-"`
	OutputType string     `json:"output_type,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

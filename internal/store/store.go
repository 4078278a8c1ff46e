package store

import (
	"context"
	"errors"

	"github.com/antchoi/Polymer/internal/model"
)

var (
	// ErrNotFound is returned when a task is not found.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a task status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TaskStats holds aggregate task statistics.
type TaskStats struct {
	Total             int            `json:"total"`
	CountByStatus     map[string]int `json:"count_by_status"`
	CountByCapability map[string]int `json:"count_by_capability"`
	AvgDurationMS     float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for task history.
type Store interface {
	CreateTask(ctx context.Context, t *model.TaskRecord) error
	FinishTask(ctx context.Context, t *model.TaskRecord) error
	SaveOutput(ctx context.Context, id string, output []byte, outputType string) error
	GetTask(ctx context.Context, id string) (*model.TaskRecord, error)
	ListTasks(ctx context.Context, capability string, limit, offset int) ([]*model.TaskRecord, int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antchoi/Polymer/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestTask(capability string) *model.TaskRecord {
	return &model.TaskRecord{
		ID:         model.NewID(),
		Capability: capability,
		Status:     model.StatusPending,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func finished(t *model.TaskRecord, status string, durationMS int) *model.TaskRecord {
	now := time.Now().UTC()
	return &model.TaskRecord{
		ID:         t.ID,
		Capability: t.Capability,
		Status:     status,
		WorkerID:   "worker-1",
		Device:     "cuda:0",
		DurationMS: &durationMS,
		CreatedAt:  t.CreatedAt,
		FinishedAt: &now,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask(model.CapabilitySuperResolution)

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	if got.ID != task.ID {
		t.Errorf("ID = %q, want %q", got.ID, task.ID)
	}
	if got.Capability != task.Capability {
		t.Errorf("Capability = %q, want %q", got.Capability, task.Capability)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusPending)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, task.CreatedAt)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}
	if got.DurationMS != nil {
		t.Errorf("DurationMS = %d, want nil", *got.DurationMS)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask error = %v, want ErrNotFound", err)
	}
}

func TestFinishTaskCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask(model.CapabilityDetection)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.FinishTask(ctx, finished(task, model.StatusCompleted, 150)); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if got.WorkerID != "worker-1" {
		t.Errorf("WorkerID = %q, want %q", got.WorkerID, "worker-1")
	}
	if got.Device != "cuda:0" {
		t.Errorf("Device = %q, want %q", got.Device, "cuda:0")
	}
	if got.DurationMS == nil || *got.DurationMS != 150 {
		t.Errorf("DurationMS = %v, want 150", got.DurationMS)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil")
	}
}

func TestFinishTaskFailedKeepsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask(model.CapabilityDetection)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rec := finished(task, model.StatusFailed, 20)
	rec.Error = "inference failed: out of memory"
	if err := s.FinishTask(ctx, rec); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
	}
	if got.Error != rec.Error {
		t.Errorf("Error = %q, want %q", got.Error, rec.Error)
	}
}

func TestFinishTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	rec := finished(makeTestTask(model.CapabilityDetection), model.StatusCompleted, 1)
	err := s.FinishTask(context.Background(), rec)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

func TestFinishTaskInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to string
	}{
		{"completed→failed", model.StatusCompleted, model.StatusFailed},
		{"failed→completed", model.StatusFailed, model.StatusCompleted},
		{"pending→pending", model.StatusPending, model.StatusPending},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task := makeTestTask(model.CapabilityDetection)
			task.Status = tc.from
			if err := s.CreateTask(ctx, task); err != nil {
				t.Fatalf("CreateTask: %v", err)
			}

			err := s.FinishTask(ctx, finished(task, tc.to, 1))
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("got error %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestSaveOutput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask(model.CapabilitySuperResolution)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	png := []byte{0x89, 'P', 'N', 'G'}
	if err := s.SaveOutput(ctx, task.ID, png, "image/png"); err != nil {
		t.Fatalf("SaveOutput: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if string(got.Output) != string(png) {
		t.Errorf("Output = %v, want %v", got.Output, png)
	}
	if got.OutputType != "image/png" {
		t.Errorf("OutputType = %q, want %q", got.OutputType, "image/png")
	}

	if err := s.SaveOutput(ctx, "nonexistent", png, "image/png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveOutput unknown id error = %v, want ErrNotFound", err)
	}
}

func TestListTasksPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		task := makeTestTask(model.CapabilityDetection)
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	page, total, err := s.ListTasks(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Errorf("tasks not ordered newest first: %v, %v", page[0].CreatedAt, page[1].CreatedAt)
	}

	last, _, err := s.ListTasks(ctx, "", 2, 4)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(last) != 1 {
		t.Errorf("len(last page) = %d, want 1", len(last))
	}
}

func TestListTasksByCapability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, c := range []string{
		model.CapabilityDetection,
		model.CapabilitySuperResolution,
		model.CapabilityDetection,
	} {
		if err := s.CreateTask(ctx, makeTestTask(c)); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	tasks, total, err := s.ListTasks(ctx, model.CapabilityDetection, 10, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 2 || len(tasks) != 2 {
		t.Errorf("total = %d, len = %d, want 2, 2", total, len(tasks))
	}
	for _, task := range tasks {
		if task.Capability != model.CapabilityDetection {
			t.Errorf("Capability = %q, want %q", task.Capability, model.CapabilityDetection)
		}
	}
}

func TestListTasksEmpty(t *testing.T) {
	s := newTestStore(t)

	tasks, total, err := s.ListTasks(context.Background(), "", 10, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if tasks != nil {
		t.Errorf("tasks = %v, want nil", tasks)
	}
}

func TestGetTaskStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two completed super-resolution tasks, one failed and one pending detection task.
	for i, dur := range []int{100, 200} {
		task := makeTestTask(model.CapabilitySuperResolution)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask %d: %v", i, err)
		}
		if err := s.FinishTask(ctx, finished(task, model.StatusCompleted, dur)); err != nil {
			t.Fatalf("FinishTask %d: %v", i, err)
		}
	}
	failedTask := makeTestTask(model.CapabilityDetection)
	if err := s.CreateTask(ctx, failedTask); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.FinishTask(ctx, finished(failedTask, model.StatusFailed, 150)); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}
	if err := s.CreateTask(ctx, makeTestTask(model.CapabilityDetection)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	stats, err := s.GetTaskStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.StatusCompleted] != 2 {
		t.Errorf("completed count = %d, want 2", stats.CountByStatus[model.StatusCompleted])
	}
	if stats.CountByStatus[model.StatusFailed] != 1 {
		t.Errorf("failed count = %d, want 1", stats.CountByStatus[model.StatusFailed])
	}
	if stats.CountByStatus[model.StatusPending] != 1 {
		t.Errorf("pending count = %d, want 1", stats.CountByStatus[model.StatusPending])
	}
	if stats.CountByCapability[model.CapabilitySuperResolution] != 2 {
		t.Errorf("super_resolution count = %d, want 2", stats.CountByCapability[model.CapabilitySuperResolution])
	}
	if stats.CountByCapability[model.CapabilityDetection] != 2 {
		t.Errorf("detection count = %d, want 2", stats.CountByCapability[model.CapabilityDetection])
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %f, want 150", stats.AvgDurationMS)
	}
}

func TestGetTaskStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetTaskStats(context.Background())
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	s := newTestStore(t)

	// CREATE ... IF NOT EXISTS must be safe to run again on the same connection.
	if _, err := s.db.Exec(createTasksTable); err != nil {
		t.Fatalf("Second migration: %v", err)
	}
	if _, err := s.db.Exec(createTasksCapabilityIndex); err != nil {
		t.Fatalf("Second index migration: %v", err)
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/antchoi/Polymer/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    capability  TEXT NOT NULL,
    status      TEXT NOT NULL,
    worker_id   TEXT,
    device      TEXT,
    error       TEXT,
    output      BLOB,
    output_type TEXT,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createTasksCapabilityIndex = `
CREATE INDEX IF NOT EXISTS idx_tasks_capability_created
    ON tasks (capability, created_at DESC)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	if _, err := db.Exec(createTasksCapabilityIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.TaskRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, capability, status, worker_id, device, error,
			output, output_type, duration_ms, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Capability, t.Status, t.WorkerID, t.Device, t.Error,
		t.Output, t.OutputType, t.DurationMS, t.CreatedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// FinishTask moves a pending task to its final status and records who ran
// it, how long it took and why it failed. The transition is validated
// against the stored status.
func (s *SQLiteStore) FinishTask(ctx context.Context, t *model.TaskRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", t.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}

	if !model.ValidTransition(current, t.Status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, t.Status)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, worker_id = ?, device = ?, error = ?,
			duration_ms = ?, finished_at = ?
		WHERE id = ?`,
		t.Status, t.WorkerID, t.Device, t.Error, t.DurationMS, t.FinishedAt, t.ID,
	); err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveOutput stores the encoded answer of a task.
func (s *SQLiteStore) SaveOutput(ctx context.Context, id string, output []byte, outputType string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET output = ?, output_type = ? WHERE id = ?",
		output, outputType, id,
	)
	if err != nil {
		return fmt.Errorf("save task output: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTask retrieves a task by ID, including its stored output.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.TaskRecord, error) {
	t := &model.TaskRecord{}
	var workerID, device, errMsg, outputType sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, capability, status, worker_id, device, error,
			output, output_type, duration_ms, created_at, finished_at
		FROM tasks WHERE id = ?`, id,
	).Scan(
		&t.ID, &t.Capability, &t.Status, &workerID, &device, &errMsg,
		&t.Output, &outputType, &t.DurationMS, &t.CreatedAt, &t.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.WorkerID = workerID.String
	t.Device = device.String
	t.Error = errMsg.String
	t.OutputType = outputType.String
	return t, nil
}

// ListTasks returns a paginated list of tasks ordered by created_at DESC,
// along with the total count. An empty capability lists every capability.
// Outputs are not loaded.
func (s *SQLiteStore) ListTasks(ctx context.Context, capability string, limit, offset int) ([]*model.TaskRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var (
		where strings.Builder
		args  []any
	)
	if capability != "" {
		where.WriteString(" WHERE capability = ?")
		args = append(args, capability)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where.String(), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, capability, status, worker_id, device, error,
			output_type, duration_ms, created_at, finished_at
		FROM tasks`+where.String()+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.TaskRecord
	for rows.Next() {
		t := &model.TaskRecord{}
		var workerID, device, errMsg, outputType sql.NullString
		if err := rows.Scan(
			&t.ID, &t.Capability, &t.Status, &workerID, &device, &errMsg,
			&outputType, &t.DurationMS, &t.CreatedAt, &t.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		t.WorkerID = workerID.String
		t.Device = device.String
		t.Error = errMsg.String
		t.OutputType = outputType.String
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// GetTaskStats aggregates task counts by status and capability, and the
// average duration of finished tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &TaskStats{
		CountByStatus:     make(map[string]int),
		CountByCapability: make(map[string]int),
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(AVG(duration_ms), 0) FROM tasks",
	).Scan(&stats.Total, &stats.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	if err := countBy(ctx, tx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "capability", stats.CountByCapability); err != nil {
		return nil, err
	}

	return stats, nil
}

// countBy fills into with row counts grouped by column. column is always a
// constant from this package.
func countBy(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return nil
}

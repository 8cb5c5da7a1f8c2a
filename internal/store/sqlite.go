package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"chronflow/internal/domain"
)

var ErrNotFound = errors.New("task not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  frequency TEXT NOT NULL CHECK(frequency IN ('once','daily','weekly','monthly','yearly')),
  time_of_day TEXT NOT NULL,
  timezone TEXT NOT NULL,
  weekday TEXT NOT NULL DEFAULT '',
  run_date TEXT NOT NULL DEFAULT '',
  executor TEXT NOT NULL,
  payload BLOB,
  is_active INTEGER NOT NULL DEFAULT 1,
  last_run_at INTEGER,
  last_run_status TEXT NOT NULL DEFAULT '',
  last_run_error TEXT NOT NULL DEFAULT '',
  next_run_at INTEGER,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_active ON tasks(is_active, next_run_at);
`
	_, err := db.Exec(schema)
	return err
}

type Store interface {
	Create(ctx context.Context, t domain.Task) (string, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	Update(ctx context.Context, t domain.Task) error
	Delete(ctx context.Context, id string) error
	LoadActiveTasks(ctx context.Context) ([]domain.Task, error)

	// ClaimRun is the dedup guard shared by both trigger paths: it records
	// due as last_run_at only if the task is active and last_run_at has not
	// already reached due. Returns false when another path won the claim.
	ClaimRun(ctx context.Context, id string, due time.Time) (bool, error)
	// ForceClaimRun records due unconditionally (manual runs).
	ForceClaimRun(ctx context.Context, id string, due time.Time) error
	FinishRun(ctx context.Context, id string, status domain.RunStatus, errDetail string, active bool) error
	SetNextRun(ctx context.Context, id string, next *time.Time) error
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) Create(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (id,name,frequency,time_of_day,timezone,weekday,run_date,executor,payload,is_active,next_run_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, t.Name, string(t.Frequency), t.TimeOfDay, t.Timezone, t.Weekday, t.Date, t.Executor, []byte(t.Payload), t.IsActive, unixOrNil(t.NextRunAt))
	return id, err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) List(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, selectCols+` FROM tasks ORDER BY name`)
}

func (s *sqliteStore) LoadActiveTasks(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, selectCols+` FROM tasks WHERE is_active=1 ORDER BY name`)
}

func (s *sqliteStore) Update(ctx context.Context, t domain.Task) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET name=?,frequency=?,time_of_day=?,timezone=?,weekday=?,run_date=?,executor=?,payload=?,is_active=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, t.Name, string(t.Frequency), t.TimeOfDay, t.Timezone, t.Weekday, t.Date, t.Executor, []byte(t.Payload), t.IsActive, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	return err
}

func (s *sqliteStore) ClaimRun(ctx context.Context, id string, due time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET last_run_at=?, last_run_status=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND is_active=1 AND (last_run_at IS NULL OR last_run_at < ?)`,
		due.Unix(), string(domain.RunClaimed), id, due.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) ForceClaimRun(ctx context.Context, id string, due time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET last_run_at=?, last_run_status=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, due.Unix(), string(domain.RunClaimed), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) FinishRun(ctx context.Context, id string, status domain.RunStatus, errDetail string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE tasks SET last_run_status=?, last_run_error=?, is_active=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, string(status), errDetail, active, id)
	return err
}

func (s *sqliteStore) SetNextRun(ctx context.Context, id string, next *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE tasks SET next_run_at=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, unixOrNil(next), id)
	return err
}

const selectCols = `SELECT id,name,frequency,time_of_day,timezone,weekday,run_date,executor,payload,is_active,last_run_at,last_run_status,last_run_error,next_run_at,created_at,updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t        domain.Task
		payload  []byte
		status   string
		lastRun  sql.NullInt64
		nextRun  sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.Name, (*string)(&t.Frequency), &t.TimeOfDay, &t.Timezone, &t.Weekday, &t.Date,
		&t.Executor, &payload, &t.IsActive, &lastRun, &status, &t.LastRunError, &nextRun, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Payload = payload
	t.LastRunStatus = domain.RunStatus(status)
	if lastRun.Valid {
		ts := time.Unix(lastRun.Int64, 0).UTC()
		t.LastRunAt = &ts
	}
	if nextRun.Valid {
		ts := time.Unix(nextRun.Int64, 0).UTC()
		t.NextRunAt = &ts
	}
	return t, nil
}

func (s *sqliteStore) queryTasks(ctx context.Context, query string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

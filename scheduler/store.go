package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("scheduler: job not found")

// Store persists jobs in SQLite. The schedule is kept as JSON since its
// shape varies by kind.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the job database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStoreWithDB wraps an existing connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			prompt TEXT NOT NULL,
			session_id TEXT NOT NULL,
			schedule_json TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_run_at TEXT,
			last_result TEXT
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new job, assigning an id when absent.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	schedule, err := json.Marshal(job.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, prompt, session_id, schedule_json, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Prompt, job.SessionID, string(schedule),
		boolToInt(job.Enabled), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Update rewrites a job's definition.
func (s *Store) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()

	schedule, err := json.Marshal(job.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET name = ?, prompt = ?, session_id = ?, schedule_json = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		job.Name, job.Prompt, job.SessionID, string(schedule),
		boolToInt(job.Enabled), job.UpdatedAt.Format(time.RFC3339), job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return affectedOrNotFound(res)
}

// RecordRun stores the outcome of the latest firing.
func (s *Store) RecordRun(ctx context.Context, id string, at time.Time, result string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_run_at = ?, last_result = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), result, id)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return affectedOrNotFound(res)
}

// Delete removes a job.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return affectedOrNotFound(res)
}

// Get retrieves one job.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, prompt, session_id, schedule_json, enabled, created_at, updated_at, last_run_at, last_result
		FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// List returns all jobs, optionally enabled ones only, in creation order.
func (s *Store) List(ctx context.Context, enabledOnly bool) ([]*Job, error) {
	query := `
		SELECT id, name, prompt, session_id, schedule_json, enabled, created_at, updated_at, last_run_at, last_result
		FROM jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var schedule string
	var enabled int
	var created, updated string
	var lastRun, lastResult sql.NullString

	err := row.Scan(&job.ID, &job.Name, &job.Prompt, &job.SessionID,
		&schedule, &enabled, &created, &updated, &lastRun, &lastResult)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(schedule), &job.Schedule); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	job.Enabled = enabled != 0
	job.CreatedAt, _ = time.Parse(time.RFC3339, created)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	if lastRun.Valid {
		job.LastRunAt, _ = time.Parse(time.RFC3339, lastRun.String)
	}
	if lastResult.Valid {
		job.LastResult = lastResult.String
	}
	return &job, nil
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

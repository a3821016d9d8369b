package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the default persistent Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the memory database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewSQLiteStoreWithDB wraps an existing connection, for sharing one
// database file across stores.
func NewSQLiteStoreWithDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL UNIQUE,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at DESC);
	`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Remember creates or updates the entry for key.
func (s *SQLiteStore) Remember(ctx context.Context, key, value string) (*Entry, error) {
	now := time.Now().UTC()

	var existing Entry
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM memories WHERE key = ?`, key,
	).Scan(&existing.ID, &created)

	switch {
	case err == sql.ErrNoRows:
		entry := &Entry{
			ID:        uuid.NewString(),
			Key:       key,
			Value:     value,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO memories (id, key, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			entry.ID, key, value, now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return nil, fmt.Errorf("insert memory: %w", err)
		}
		return entry, nil
	case err != nil:
		return nil, fmt.Errorf("query memory: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE memories SET value = ?, updated_at = ? WHERE key = ?`,
		value, now.Format(time.RFC3339), key)
	if err != nil {
		return nil, fmt.Errorf("update memory: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339, created)
	return &Entry{
		ID:        existing.ID,
		Key:       key,
		Value:     value,
		CreatedAt: createdAt,
		UpdatedAt: now,
	}, nil
}

// Recall returns entries whose key or value contains query, most recently
// updated first. An empty query returns the most recent entries.
func (s *SQLiteStore) Recall(ctx context.Context, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}

	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, value, created_at, updated_at FROM memories
		WHERE key LIKE ? OR value LIKE ?
		ORDER BY updated_at DESC LIMIT ?`,
		pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Forget deletes the entry for key. Returns ErrNotFound for unknown keys.
func (s *SQLiteStore) Forget(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// All returns every entry, most recently updated first.
func (s *SQLiteStore) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, value, created_at, updated_at FROM memories ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var created, updated string
		if err := rows.Scan(&e.ID, &e.Key, &e.Value, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

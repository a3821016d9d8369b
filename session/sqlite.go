package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aupadhyay/smallbot/core"
)

// SQLiteStore persists session histories in a SQLite database so
// conversations survive process restarts. Parts are serialized as a tagged
// JSON array per content row.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates the schema.
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		generation INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contents (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		parts_json TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_contents_session ON contents(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ensure creates the session row if missing and returns its generation.
func (s *SQLiteStore) ensure(tx *sql.Tx, id string) (uint64, error) {
	var generation uint64
	err := tx.QueryRow(`SELECT generation FROM sessions WHERE id = ?`, id).Scan(&generation)
	if err == sql.ErrNoRows {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err = tx.Exec(`INSERT INTO sessions (id, generation, created_at, updated_at) VALUES (?, 0, ?, ?)`, id, now, now)
		return 0, err
	}
	return generation, err
}

// History implements Store.
func (s *SQLiteStore) History(id string) ([]core.Content, error) {
	rows, err := s.db.Query(
		`SELECT role, model, created_at, parts_json FROM contents WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []core.Content
	for rows.Next() {
		var role, modelName, createdAt, partsJSON string
		if err := rows.Scan(&role, &modelName, &createdAt, &partsJSON); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		parts, err := decodeParts([]byte(partsJSON))
		if err != nil {
			return nil, fmt.Errorf("decode parts: %w", err)
		}
		created, _ := time.Parse(time.RFC3339Nano, createdAt)
		history = append(history, core.Content{Role: role, Model: modelName, Created: created, Parts: parts})
	}
	return history, rows.Err()
}

// Append implements Store.
func (s *SQLiteStore) Append(id string, c core.Content) error {
	partsJSON, err := encodeParts(c.Parts)
	if err != nil {
		return fmt.Errorf("encode parts: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.ensure(tx, id); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	created := c.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = tx.Exec(
		`INSERT INTO contents (session_id, seq, role, model, created_at, parts_json)
		 VALUES (?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM contents WHERE session_id = ?), ?, ?, ?, ?)`,
		id, id, c.Role, c.Model, created.Format(time.RFC3339Nano), string(partsJSON))
	if err != nil {
		return fmt.Errorf("insert content: %w", err)
	}

	if _, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, id); err != nil {
		return err
	}

	return tx.Commit()
}

// Reset implements Store.
func (s *SQLiteStore) Reset(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.ensure(tx, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM contents WHERE session_id = ?`, id); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`UPDATE sessions SET generation = generation + 1, updated_at = ? WHERE id = ?`, now, id); err != nil {
		return err
	}

	return tx.Commit()
}

// Generation implements Store.
func (s *SQLiteStore) Generation(id string) (uint64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	generation, err := s.ensure(tx, id)
	if err != nil {
		return 0, err
	}
	return generation, tx.Commit()
}

// Idle implements Store.
func (s *SQLiteStore) Idle(ttl time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339Nano)
	rows, err := s.db.Query(`SELECT id FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Evict implements Store.
func (s *SQLiteStore) Evict(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM contents WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// partRecord is the tagged JSON shape for a serialized part.
type partRecord struct {
	Type     string                 `json:"type"`
	Text     string                 `json:"text,omitempty"`
	Name     string                 `json:"name,omitempty"`
	MimeType string                 `json:"mime_type,omitempty"`
	Data     []byte                 `json:"data,omitempty"`
	Call     *core.FunctionCall     `json:"call,omitempty"`
	Response *core.FunctionResponse `json:"response,omitempty"`
}

func encodeParts(parts []core.Part) ([]byte, error) {
	records := make([]partRecord, 0, len(parts))
	for _, p := range parts {
		switch part := p.(type) {
		case core.TextPart:
			records = append(records, partRecord{Type: "text", Text: part.Text})
		case core.FilePart:
			records = append(records, partRecord{Type: "file", Name: part.Name, MimeType: part.MimeType, Data: part.Data})
		case core.FunctionCallPart:
			call := part.FunctionCall
			records = append(records, partRecord{Type: "function_call", Call: &call})
		case core.FunctionResponsePart:
			resp := part.FunctionResponse
			records = append(records, partRecord{Type: "function_response", Response: &resp})
		default:
			return nil, fmt.Errorf("unsupported part type %T", p)
		}
	}
	return json.Marshal(records)
}

func decodeParts(data []byte) ([]core.Part, error) {
	var records []partRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	parts := make([]core.Part, 0, len(records))
	for _, r := range records {
		switch r.Type {
		case "text":
			parts = append(parts, core.TextPart{Text: r.Text})
		case "file":
			parts = append(parts, core.FilePart{Name: r.Name, MimeType: r.MimeType, Data: r.Data})
		case "function_call":
			if r.Call == nil {
				return nil, fmt.Errorf("function_call record missing call")
			}
			parts = append(parts, core.FunctionCallPart{FunctionCall: *r.Call})
		case "function_response":
			if r.Response == nil {
				return nil, fmt.Errorf("function_response record missing response")
			}
			parts = append(parts, core.FunctionResponsePart{FunctionResponse: *r.Response})
		default:
			return nil, fmt.Errorf("unknown part record type %q", r.Type)
		}
	}
	return parts, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ ResultStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS result_fields (
	collection TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	field      TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id, field)
);
CREATE INDEX IF NOT EXISTS result_fields_created ON result_fields (collection, created_at);
`

// SQLiteStore implements ResultStore backed by a SQLite database. Each field
// of a result is one row.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetResult returns every field of the result id.
func (s *SQLiteStore) GetResult(ctx context.Context, c Collection, id string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM result_fields WHERE collection = ? AND id = ?`, string(c), id)
	if err != nil {
		return nil, fmt.Errorf("querying %s/%s: %w", c, id, err)
	}
	defer rows.Close()

	fields := make(map[string]json.RawMessage)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scanning %s/%s: %w", c, id, err)
		}
		fields[field] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", c, id, ErrNotFound)
	}
	return fields, nil
}

// SetResultField inserts or replaces one field of the result id.
func (s *SQLiteStore) SetResultField(ctx context.Context, c Collection, id, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s/%s field %s: %w", c, id, field, err)
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO result_fields (collection, id, field, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(c), id, field, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("writing %s/%s field %s: %w", c, id, field, err)
	}
	return nil
}

// Delete removes every field of the result id. Deleting a missing result is
// not an error.
func (s *SQLiteStore) Delete(ctx context.Context, c Collection, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM result_fields WHERE collection = ? AND id = ?`, string(c), id); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", c, id, err)
	}
	return nil
}

// List returns the ids stored in a collection, ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context, c Collection) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM result_fields WHERE collection = ?
		GROUP BY id ORDER BY MIN(created_at), id`, string(c))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", c, err)
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

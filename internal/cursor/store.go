// Package cursor persists per-source ingestion progress markers.
package cursor

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cursors (
	source_id         TEXT PRIMARY KEY,
	last_external_key INTEGER NOT NULL DEFAULT 0,
	last_poll_at      INTEGER NOT NULL DEFAULT 0
);
`

// Cursor is the durable marker of ingestion progress for one source.
// LastExternalKey is monotonically non-decreasing: Save never moves a
// cursor backwards, so a racing stale write cannot cause re-ingestion of
// acknowledged records.
type Cursor struct {
	SourceID        string
	LastExternalKey int64
	LastPollTime    time.Time
}

// Store wraps a sql.DB with cursor operations.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the cursor database and applies the schema.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cursor: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cursor: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cursor: apply schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Load returns the cursor for a source, or a zero cursor if none has been
// persisted yet.
func (s *Store) Load(sourceID string) (Cursor, error) {
	c := Cursor{SourceID: sourceID}
	var pollAt int64
	err := s.conn.QueryRow(
		`SELECT last_external_key, last_poll_at FROM cursors WHERE source_id = ?`,
		sourceID,
	).Scan(&c.LastExternalKey, &pollAt)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("cursor: load %s: %w", sourceID, err)
	}
	if pollAt > 0 {
		c.LastPollTime = time.Unix(pollAt, 0)
	}
	return c, nil
}

// Save upserts a cursor. The MAX guard keeps the key monotonic even if a
// stale save lands after a newer one.
func (s *Store) Save(c Cursor) error {
	_, err := s.conn.Exec(`
		INSERT INTO cursors (source_id, last_external_key, last_poll_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			last_external_key = MAX(last_external_key, excluded.last_external_key),
			last_poll_at      = excluded.last_poll_at
	`, c.SourceID, c.LastExternalKey, c.LastPollTime.Unix())
	if err != nil {
		return fmt.Errorf("cursor: save %s: %w", c.SourceID, err)
	}
	return nil
}

// All returns every persisted cursor.
func (s *Store) All() ([]Cursor, error) {
	rows, err := s.conn.Query(
		`SELECT source_id, last_external_key, last_poll_at FROM cursors ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("cursor: all: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var c Cursor
		var pollAt int64
		if err := rows.Scan(&c.SourceID, &c.LastExternalKey, &pollAt); err != nil {
			return nil, err
		}
		if pollAt > 0 {
			c.LastPollTime = time.Unix(pollAt, 0)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

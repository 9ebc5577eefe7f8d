// Package archive is the reference downstream consumer: a SQLite store that
// deduplicates delivered records by (source_id, external_key), turning the
// pipeline's at-least-once delivery into an effectively exactly-once end
// state.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/emberhearth/embersync/internal/source"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
	source_id    TEXT NOT NULL,
	external_key INTEGER NOT NULL,
	observed_at  INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	text         TEXT NOT NULL DEFAULT '',
	meta         TEXT NOT NULL DEFAULT '{}',
	attachments  TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (source_id, external_key)
);

CREATE INDEX IF NOT EXISTS idx_records_observed ON records(observed_at);
`

// Store wraps a sql.DB with archive operations.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the archive database and applies the schema.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("archive: apply schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Handle stores a delivered batch inside one transaction. INSERT OR IGNORE
// on the primary key makes redelivery after a crash idempotent.
func (s *Store) Handle(ctx context.Context, batch []source.Record) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO records
			(source_id, external_key, observed_at, kind, text, meta, attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("archive: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range batch {
		metaJSON, _ := json.Marshal(rec.Payload.Meta)
		attJSON, _ := json.Marshal(rec.Payload.Attachments)
		_, err := stmt.ExecContext(ctx,
			rec.SourceID, rec.ExternalKey, rec.ObservedAt.Unix(),
			string(rec.Payload.Kind), rec.Payload.Text, string(metaJSON), string(attJSON))
		if err != nil {
			return fmt.Errorf("archive: insert record %s/%d: %w", rec.SourceID, rec.ExternalKey, err)
		}
	}
	return tx.Commit()
}

// Recent returns the most recently observed records, newest first,
// optionally filtered by source.
func (s *Store) Recent(sourceID string, limit int) ([]source.Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := `
		SELECT source_id, external_key, observed_at, kind, text, meta, attachments
		FROM records`
	args := []any{}
	if sourceID != "" {
		q += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	q += ` ORDER BY observed_at DESC, external_key DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	defer rows.Close()

	var out []source.Record
	for rows.Next() {
		var (
			rec       source.Record
			observed  int64
			kind      string
			metaJSON  string
			attJSON   string
		)
		if err := rows.Scan(&rec.SourceID, &rec.ExternalKey, &observed,
			&kind, &rec.Payload.Text, &metaJSON, &attJSON); err != nil {
			return nil, err
		}
		rec.ObservedAt = time.Unix(observed, 0)
		rec.Payload.Kind = source.PayloadKind(kind)
		_ = json.Unmarshal([]byte(metaJSON), &rec.Payload.Meta)
		_ = json.Unmarshal([]byte(attJSON), &rec.Payload.Attachments)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountBySource returns the number of archived records per source.
func (s *Store) CountBySource() (map[string]int64, error) {
	rows, err := s.conn.Query(`SELECT source_id, COUNT(*) FROM records GROUP BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("archive: counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/emberhearth/embersync/internal/apperr"
)

// New builds the adapter for a descriptor's kind.
func New(d Descriptor, gate Gate) (Adapter, error) {
	switch d.Kind {
	case KindChatDB:
		return NewChatDB(d, gate), nil
	case KindHistoryDB:
		return NewHistoryDB(d, gate), nil
	default:
		return nil, fmt.Errorf("source %s: unknown kind %q", d.ID, d.Kind)
	}
}

// openReadOnly opens the store at path with a read-only connection. The
// mode=ro open is the read-only proof: the driver refuses writes at the
// connection level, so the owning application's store can never be mutated
// or corrupted from here.
func openReadOnly(ctx context.Context, d Descriptor, gate Gate) (*sql.DB, error) {
	if !gate.HasReadAccess(d) {
		return nil, fmt.Errorf("source %s: %w", d.ID, apperr.ErrPermissionDenied)
	}
	if _, err := os.Stat(d.Path); err != nil {
		return nil, fmt.Errorf("source %s: stat %s: %w", d.ID, d.Path, apperr.ErrSourceUnavailable)
	}
	conn, err := sql.Open("sqlite3", "file:"+d.Path+"?mode=ro&_busy_timeout=2000")
	if err != nil {
		return nil, fmt.Errorf("source %s: open: %w", d.ID, apperr.ErrSourceUnavailable)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("source %s: ping: %w", d.ID, apperr.ErrSourceUnavailable)
	}
	return conn, nil
}

// tableColumns returns the column names of a table, empty if the table does
// not exist. Used by the schema capability probes.
func tableColumns(ctx context.Context, conn *sql.DB, table string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Package testutil provides shared test helpers for building fixture stores
// and polling async conditions.
package testutil

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/emberhearth/embersync/internal/archive"
	"github.com/emberhearth/embersync/internal/cursor"
)

// CursorStore creates a temporary cursor store that is automatically cleaned up.
func CursorStore(t *testing.T) *cursor.Store {
	t.Helper()
	s, err := cursor.Open(filepath.Join(t.TempDir(), "cursors.db"))
	if err != nil {
		t.Fatalf("open cursor store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Archive creates a temporary archive store that is automatically cleaned up.
func Archive(t *testing.T) *archive.Store {
	t.Helper()
	s, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ChatDB creates a fixture chat store in dir. rich selects the rich_body
// schema variant; plain stores use a body text column.
func ChatDB(t *testing.T, dir string, rich bool) string {
	t.Helper()
	path := filepath.Join(dir, "chat.db")
	bodyCol := "body TEXT"
	if rich {
		bodyCol = "rich_body BLOB"
	}
	exec(t, path, `CREATE TABLE messages (
		guid       TEXT NOT NULL,
		sender     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0,
		`+bodyCol+`
	)`)
	return path
}

// InsertMessage appends a plain-text message row and returns nothing; rowids
// assign in insertion order.
func InsertMessage(t *testing.T, path, guid, sender, body string, ts int64) {
	t.Helper()
	exec(t, path, `INSERT INTO messages (guid, sender, created_at, body) VALUES (?, ?, ?, ?)`,
		guid, sender, ts, body)
}

// InsertRichMessage appends a message row with a rich_body JSON envelope.
func InsertRichMessage(t *testing.T, path, guid, sender, text string, attachments []string, ts int64) {
	t.Helper()
	blob, err := json.Marshal(map[string]any{"text": text, "attachments": attachments})
	if err != nil {
		t.Fatal(err)
	}
	InsertRichBlob(t, path, guid, sender, blob, ts)
}

// InsertRichBlob appends a message row with a raw rich_body blob, letting
// tests plant malformed payloads.
func InsertRichBlob(t *testing.T, path, guid, sender string, blob []byte, ts int64) {
	t.Helper()
	exec(t, path, `INSERT INTO messages (guid, sender, created_at, rich_body) VALUES (?, ?, ?, ?)`,
		guid, sender, ts, blob)
}

// HistoryDB creates a fixture browsing-history store in dir.
func HistoryDB(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "history.db")
	exec(t, path, `CREATE TABLE visits (
		url        TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		visit_time INTEGER NOT NULL DEFAULT 0
	)`)
	return path
}

// InsertVisit appends a visit row.
func InsertVisit(t *testing.T, path, url, title string, visitTime int64) {
	t.Helper()
	exec(t, path, `INSERT INTO visits (url, title, visit_time) VALUES (?, ?, ?)`,
		url, title, visitTime)
}

func exec(t *testing.T, path, query string, args ...any) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec fixture sql: %v", err)
	}
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

package source_test

import (
	"context"
	"errors"
	"testing"

	"github.com/emberhearth/embersync/internal/apperr"
	"github.com/emberhearth/embersync/internal/source"
	"github.com/emberhearth/embersync/internal/testutil"
)

func TestHistoryDBReadsVisits(t *testing.T) {
	path := testutil.HistoryDB(t, t.TempDir())
	testutil.InsertVisit(t, path, "https://example.com", "Example", 100)
	testutil.InsertVisit(t, path, "https://example.org/page", "A Page", 101)

	desc := source.Descriptor{ID: "history", Kind: source.KindHistoryDB, Path: path}
	adapter := source.NewHistoryDB(desc, source.StaticGate{})
	snap, err := adapter.OpenSnapshot(context.Background())
	if err != nil {
		t.Fatalf("OpenSnapshot: %v", err)
	}
	defer snap.Close()

	recs, err := snap.RecordsSince(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("RecordsSince: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Payload.Kind != source.PayloadVisit {
		t.Errorf("kind = %q, want visit", recs[0].Payload.Kind)
	}
	if recs[0].Payload.Meta["url"] != "https://example.com" {
		t.Errorf("url = %q", recs[0].Payload.Meta["url"])
	}
	if recs[1].Payload.Text != "A Page" {
		t.Errorf("title = %q", recs[1].Payload.Text)
	}
	if recs[0].ExternalKey >= recs[1].ExternalKey {
		t.Error("keys must ascend in insertion order")
	}
}

func TestHistoryDBSchemaUnrecognized(t *testing.T) {
	// A chat store has no visits table.
	path := testutil.ChatDB(t, t.TempDir(), false)
	desc := source.Descriptor{ID: "history", Kind: source.KindHistoryDB, Path: path}
	adapter := source.NewHistoryDB(desc, source.StaticGate{})
	_, err := adapter.OpenSnapshot(context.Background())
	if !errors.Is(err, apperr.ErrSchemaUnrecognized) {
		t.Fatalf("err = %v, want ErrSchemaUnrecognized", err)
	}
}

func TestNewSelectsAdapterByKind(t *testing.T) {
	dir := t.TempDir()
	chat := testutil.ChatDB(t, dir, false)

	a, err := source.New(source.Descriptor{ID: "c", Kind: source.KindChatDB, Path: chat}, source.StaticGate{})
	if err != nil {
		t.Fatalf("New chatdb: %v", err)
	}
	if _, ok := a.(*source.ChatDB); !ok {
		t.Errorf("adapter type = %T", a)
	}

	if _, err := source.New(source.Descriptor{ID: "x", Kind: "carrier-pigeon"}, source.StaticGate{}); err == nil {
		t.Error("unknown kind should fail")
	}
}

package archive_test

import (
	"context"
	"testing"
	"time"

	"github.com/emberhearth/embersync/internal/source"
	"github.com/emberhearth/embersync/internal/testutil"
)

func record(sourceID string, key int64, text string, observed int64) source.Record {
	return source.Record{
		SourceID:    sourceID,
		ExternalKey: key,
		ObservedAt:  time.Unix(observed, 0),
		Payload: source.Payload{
			Kind: source.PayloadText,
			Text: text,
			Meta: map[string]string{"sender": "alice"},
		},
	}
}

func TestHandleIsIdempotentOnRedelivery(t *testing.T) {
	s := testutil.Archive(t)
	batch := []source.Record{
		record("chat", 1, "hello", 100),
		record("chat", 2, "world", 101),
	}
	if err := s.Handle(context.Background(), batch); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// Redelivery of the same batch plus one new record.
	again := append(batch, record("chat", 3, "again", 102))
	if err := s.Handle(context.Background(), again); err != nil {
		t.Fatalf("Handle redelivery: %v", err)
	}

	counts, err := s.CountBySource()
	if err != nil {
		t.Fatalf("CountBySource: %v", err)
	}
	if counts["chat"] != 3 {
		t.Errorf("chat count = %d, want 3", counts["chat"])
	}
}

func TestRecentOrderAndFilter(t *testing.T) {
	s := testutil.Archive(t)
	batch := []source.Record{
		record("chat", 1, "old", 100),
		record("chat", 2, "new", 300),
		record("history", 1, "visit", 200),
	}
	if err := s.Handle(context.Background(), batch); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	recs, err := s.Recent("", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	if recs[0].Payload.Text != "new" || recs[2].Payload.Text != "old" {
		t.Errorf("order = %q, %q, %q, want newest first",
			recs[0].Payload.Text, recs[1].Payload.Text, recs[2].Payload.Text)
	}
	if recs[0].Payload.Meta["sender"] != "alice" {
		t.Errorf("meta lost in round trip: %v", recs[0].Payload.Meta)
	}

	recs, err = s.Recent("history", 10)
	if err != nil {
		t.Fatalf("Recent filtered: %v", err)
	}
	if len(recs) != 1 || recs[0].SourceID != "history" {
		t.Errorf("filtered = %+v", recs)
	}
}

func TestRecentLimitClamped(t *testing.T) {
	s := testutil.Archive(t)
	var batch []source.Record
	for i := int64(1); i <= 60; i++ {
		batch = append(batch, record("chat", i, "m", i))
	}
	if err := s.Handle(context.Background(), batch); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	recs, err := s.Recent("", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 50 {
		t.Errorf("len = %d, want default limit 50", len(recs))
	}
}

func TestHandleEmptyBatch(t *testing.T) {
	s := testutil.Archive(t)
	if err := s.Handle(context.Background(), nil); err != nil {
		t.Fatalf("Handle nil batch: %v", err)
	}
}

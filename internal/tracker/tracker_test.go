package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/emberhearth/embersync/internal/apperr"
	"github.com/emberhearth/embersync/internal/source"
	"github.com/emberhearth/embersync/internal/testutil"
)

type fakeSnapshot struct {
	recs []source.Record
	fail func(since int64) error
}

func (s *fakeSnapshot) RecordsSince(_ context.Context, since int64, limit int) ([]source.Record, error) {
	if s.fail != nil {
		if err := s.fail(since); err != nil {
			return nil, err
		}
	}
	var out []source.Record
	for _, r := range s.recs {
		if r.ExternalKey > since {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeSnapshot) Close() error { return nil }

type fakeAdapter struct {
	desc     source.Descriptor
	recs     []source.Record
	openErr  error
	failures int // open attempts that fail before succeeding
	opens    int
	pageFail func(since int64) error
}

func (a *fakeAdapter) Descriptor() source.Descriptor { return a.desc }

func (a *fakeAdapter) OpenSnapshot(context.Context) (source.Snapshot, error) {
	a.opens++
	if a.openErr != nil && (a.failures == 0 || a.opens <= a.failures) {
		return nil, a.openErr
	}
	return &fakeSnapshot{recs: a.recs, fail: a.pageFail}, nil
}

func fakeRecords(n int) []source.Record {
	out := make([]source.Record, n)
	for i := range out {
		out[i] = source.Record{
			SourceID:    "fake",
			ExternalKey: int64(i + 1),
			ObservedAt:  time.Unix(int64(100+i), 0),
			Payload:     source.Payload{Kind: source.PayloadText, Text: "m"},
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPollAdvancesPendingCursor(t *testing.T) {
	adapter := &fakeAdapter{desc: source.Descriptor{ID: "fake"}, recs: fakeRecords(3)}
	tr := New(adapter, testutil.CursorStore(t), discardLogger())

	batch, next, err := tr.Poll(context.Background(), true)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(batch) != 3 || next != 3 {
		t.Fatalf("batch = %d records, next = %d; want 3, 3", len(batch), next)
	}

	// A second poll without new records must be empty: the pending cursor
	// already covers them even though nothing was committed.
	batch, next, err = tr.Poll(context.Background(), true)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(batch) != 0 || next != 3 {
		t.Fatalf("second poll batch = %d, next = %d; want 0, 3", len(batch), next)
	}
}

func TestPollPagesThroughLargeDeltas(t *testing.T) {
	adapter := &fakeAdapter{desc: source.Descriptor{ID: "fake"}, recs: fakeRecords(7)}
	tr := New(adapter, testutil.CursorStore(t), discardLogger())
	tr.pageSize = 3

	batch, next, err := tr.Poll(context.Background(), true)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(batch) != 7 || next != 7 {
		t.Fatalf("batch = %d, next = %d; want 7, 7", len(batch), next)
	}
	for i, r := range batch {
		if r.ExternalKey != int64(i+1) {
			t.Fatalf("record %d key = %d, out of order", i, r.ExternalKey)
		}
	}
}

func TestPollReturnsPartialBatchOnMidPagingFailure(t *testing.T) {
	failed := false
	adapter := &fakeAdapter{desc: source.Descriptor{ID: "fake"}, recs: fakeRecords(5)}
	adapter.pageFail = func(since int64) error {
		if since >= 2 && !failed {
			failed = true
			return apperr.ErrSourceUnavailable
		}
		return nil
	}
	tr := New(adapter, testutil.CursorStore(t), discardLogger())
	tr.pageSize = 2

	batch, next, err := tr.Poll(context.Background(), true)
	if !errors.Is(err, apperr.ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
	if len(batch) != 2 || next != 2 {
		t.Fatalf("batch = %d records, next = %d; want the completed first page, 2", len(batch), next)
	}

	// The pending cursor covers the partial batch, so the next poll resumes
	// exactly where the failure hit and nothing is skipped.
	batch, next, err = tr.Poll(context.Background(), true)
	if err != nil {
		t.Fatalf("Poll after failure: %v", err)
	}
	if len(batch) != 3 || next != 5 {
		t.Fatalf("batch = %d records, next = %d; want the remaining 3, 5", len(batch), next)
	}
	if batch[0].ExternalKey != 3 {
		t.Errorf("first recovered key = %d, want 3", batch[0].ExternalKey)
	}
}

func TestPollResumesFromDurableCursor(t *testing.T) {
	store := testutil.CursorStore(t)
	adapter := &fakeAdapter{desc: source.Descriptor{ID: "fake"}, recs: fakeRecords(5)}

	first := New(adapter, store, discardLogger())
	if _, _, err := first.Poll(context.Background(), true); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := first.Commit(3); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// A fresh tracker (as after a restart) starts at the committed key, so
	// the two unacknowledged records are delivered again.
	second := New(adapter, store, discardLogger())
	batch, _, err := second.Poll(context.Background(), true)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(batch) != 2 || batch[0].ExternalKey != 4 {
		t.Fatalf("batch = %+v, want keys 4 and 5", batch)
	}
}

func TestRewindReplaysUnacknowledged(t *testing.T) {
	adapter := &fakeAdapter{desc: source.Descriptor{ID: "fake"}, recs: fakeRecords(3)}
	tr := New(adapter, testutil.CursorStore(t), discardLogger())

	if _, _, err := tr.Poll(context.Background(), true); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := tr.Rewind(); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	batch, _, err := tr.Poll(context.Background(), true)
	if err != nil {
		t.Fatalf("Poll after rewind: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch = %d, want all 3 replayed", len(batch))
	}
}

func TestOpenRetriesTransientFailure(t *testing.T) {
	adapter := &fakeAdapter{
		desc:     source.Descriptor{ID: "fake"},
		recs:     fakeRecords(1),
		openErr:  apperr.ErrSourceUnavailable,
		failures: 2,
	}
	tr := New(adapter, testutil.CursorStore(t), discardLogger())
	tr.retryBase = time.Millisecond

	batch, _, err := tr.Poll(context.Background(), true)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch = %d, want 1 after retries", len(batch))
	}
	if adapter.opens != 3 {
		t.Errorf("opens = %d, want 3 (two failures then success)", adapter.opens)
	}
}

func TestOpenRetryIsBounded(t *testing.T) {
	adapter := &fakeAdapter{
		desc:    source.Descriptor{ID: "fake"},
		openErr: apperr.ErrSourceUnavailable,
	}
	tr := New(adapter, testutil.CursorStore(t), discardLogger())
	tr.retryBase = time.Millisecond

	_, _, err := tr.Poll(context.Background(), true)
	if !errors.Is(err, apperr.ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
	if adapter.opens != snapshotMaxAttempts {
		t.Errorf("opens = %d, want %d", adapter.opens, snapshotMaxAttempts)
	}
}

func TestPermissionDeniedIsNotRetried(t *testing.T) {
	adapter := &fakeAdapter{
		desc:    source.Descriptor{ID: "fake"},
		openErr: apperr.ErrPermissionDenied,
	}
	tr := New(adapter, testutil.CursorStore(t), discardLogger())
	tr.retryBase = time.Millisecond

	_, _, err := tr.Poll(context.Background(), true)
	if !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if adapter.opens != 1 {
		t.Errorf("opens = %d, want 1 (no retry on permission errors)", adapter.opens)
	}
}

func TestSignalCoalesces(t *testing.T) {
	adapter := &fakeAdapter{desc: source.Descriptor{ID: "fake"}}
	tr := New(adapter, testutil.CursorStore(t), discardLogger())

	for i := 0; i < 5; i++ {
		tr.Signal()
	}
	select {
	case <-tr.Signals():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-tr.Signals():
		t.Fatal("burst of signals must collapse to one")
	default:
	}
}

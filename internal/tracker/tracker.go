// Package tracker owns per-source cursor progression: it computes the delta
// of new records since the last poll and deduplicates across the two
// detection mechanisms (filesystem events and the timer fallback) that may
// both report the same underlying change.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberhearth/embersync/internal/apperr"
	"github.com/emberhearth/embersync/internal/checksum"
	"github.com/emberhearth/embersync/internal/cursor"
	"github.com/emberhearth/embersync/internal/source"
)

const (
	defaultPageSize     = 500
	snapshotMaxAttempts = 5
	snapshotRetryBase   = 100 * time.Millisecond
)

// Tracker tracks one source. Poll and Rewind must be called from a single
// goroutine: within one source, polls are strictly serialized. Signal and
// Commit are safe from any goroutine; Signal coalesces (a pending signal
// absorbs later ones until consumed) and Commit only touches the durable
// store.
type Tracker struct {
	adapter source.Adapter
	cursors *cursor.Store
	logger  *slog.Logger

	signals chan struct{}

	// pendingKey is the in-memory cursor: it advances as records are handed
	// out by Poll so a later poll in the same run never re-reads them. The
	// durable cursor only advances on Commit, after downstream ack.
	pendingKey int64
	loaded     bool

	// lastFingerprint lets timer polls skip opening a snapshot when the
	// store files have not changed. It is a hint only.
	lastFingerprint string

	pageSize    int
	maxAttempts int
	retryBase   time.Duration
}

// New creates a tracker for one adapter backed by the shared cursor store.
func New(adapter source.Adapter, cursors *cursor.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		adapter:     adapter,
		cursors:     cursors,
		logger:      logger,
		signals:     make(chan struct{}, 1),
		pageSize:    defaultPageSize,
		maxAttempts: snapshotMaxAttempts,
		retryBase:   snapshotRetryBase,
	}
}

// Descriptor returns the tracked source's descriptor.
func (t *Tracker) Descriptor() source.Descriptor { return t.adapter.Descriptor() }

// Signal requests a poll. Bursts coalesce: if a signal is already pending
// the call is a no-op, so N filesystem events collapse to at most one
// queued request.
func (t *Tracker) Signal() {
	select {
	case t.signals <- struct{}{}:
	default:
	}
}

// Signals exposes the coalesced signal channel for the poll loop.
func (t *Tracker) Signals() <-chan struct{} {
	return t.signals
}

// Poll reads all records with external key greater than the pending cursor,
// in ascending key order, paging through the snapshot. The returned next
// value is the candidate cursor key; it is not persisted here — callers
// call Commit after the downstream consumer acknowledges the batch.
//
// A mid-paging failure returns the records collected so far alongside the
// error. The pending cursor has advanced past them, so callers must still
// deliver that partial batch; only Rewind would make them readable again.
//
// forced skips the fingerprint fast path; event-driven polls set it because
// the signal itself is evidence of a change.
func (t *Tracker) Poll(ctx context.Context, forced bool) (batch []source.Record, next int64, err error) {
	desc := t.adapter.Descriptor()

	if err := t.ensureLoaded(); err != nil {
		return nil, 0, err
	}

	if !forced {
		fp := t.fingerprint()
		if fp != "" && fp == t.lastFingerprint {
			return nil, t.pendingKey, nil
		}
	}

	snap, err := t.openWithRetry(ctx)
	if err != nil {
		return nil, t.pendingKey, err
	}
	defer snap.Close()

	for {
		page, err := snap.RecordsSince(ctx, t.pendingKey, t.pageSize)
		if err != nil {
			// Records already collected stay in the batch; the pending
			// cursor has advanced past them so they are not re-read.
			return batch, t.pendingKey, err
		}
		if len(page) == 0 {
			break
		}
		batch = append(batch, page...)
		t.pendingKey = page[len(page)-1].ExternalKey
		if len(page) < t.pageSize {
			break
		}
		if ctx.Err() != nil {
			return batch, t.pendingKey, ctx.Err()
		}
	}

	t.lastFingerprint = t.fingerprint()
	if len(batch) > 0 {
		t.logger.Debug("tracker: polled",
			slog.String("source", desc.ID),
			slog.Int("records", len(batch)),
			slog.Int64("next_key", t.pendingKey))
	}
	return batch, t.pendingKey, nil
}

// Commit durably persists the cursor at key. Called only after the consumer
// has acknowledged every record up to and including key.
func (t *Tracker) Commit(key int64) error {
	desc := t.adapter.Descriptor()
	return t.cursors.Save(cursor.Cursor{
		SourceID:        desc.ID,
		LastExternalKey: key,
		LastPollTime:    time.Now(),
	})
}

// Rewind discards in-memory progress and reloads the durable cursor, so the
// next poll re-reads everything not yet acknowledged.
func (t *Tracker) Rewind() error {
	t.loaded = false
	t.lastFingerprint = ""
	return t.ensureLoaded()
}

func (t *Tracker) ensureLoaded() error {
	if t.loaded {
		return nil
	}
	c, err := t.cursors.Load(t.adapter.Descriptor().ID)
	if err != nil {
		return err
	}
	t.pendingKey = c.LastExternalKey
	t.loaded = true
	return nil
}

// openWithRetry opens a snapshot with bounded exponential backoff on
// transient unavailability. Permission and schema failures are surfaced
// immediately: retrying them within a cycle cannot help.
func (t *Tracker) openWithRetry(ctx context.Context) (source.Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := t.retryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		snap, err := t.adapter.OpenSnapshot(ctx)
		if err == nil {
			return snap, nil
		}
		if errors.Is(err, apperr.ErrPermissionDenied) || errors.Is(err, apperr.ErrSchemaUnrecognized) {
			return nil, err
		}
		lastErr = err
		t.logger.Debug("tracker: snapshot retry",
			slog.String("source", t.adapter.Descriptor().ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("snapshot after %d attempts: %w", t.maxAttempts, lastErr)
}

// fingerprint combines the store file and its WAL sidecar; WAL commits touch
// only the sidecar, so the main file alone would miss most writes.
func (t *Tracker) fingerprint() string {
	path := t.adapter.Descriptor().Path
	main, err := checksum.File(path)
	if err != nil {
		return ""
	}
	wal, err := checksum.File(path + "-wal")
	if err != nil {
		wal = "-"
	}
	return main + "|" + wal
}

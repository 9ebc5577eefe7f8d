// Package ingest runs the polling loops: one scheduling unit per source,
// multiplexing normalized record batches into at-least-once delivery to a
// downstream consumer, with backpressure and per-source suspension.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emberhearth/embersync/internal/apperr"
	"github.com/emberhearth/embersync/internal/source"
	"github.com/emberhearth/embersync/internal/tracker"
)

// Consumer receives delivered batches. Delivery is at-least-once: a crash
// between delivery and cursor commit redelivers, so implementations must
// deduplicate by (source_id, external_key). Returning an error rejects the
// whole batch; it is retried without advancing the cursor.
type Consumer interface {
	Handle(ctx context.Context, batch []source.Record) error
}

// Event is a coordinator lifecycle notification for observers (SSE).
type Event struct {
	Kind     string // "batch.delivered", "source.suspended", "source.resumed", "source.stopped"
	SourceID string
	Records  int
}

const (
	defaultQueueSize    = 1024
	defaultPollInterval = 30 * time.Second
	defaultDebounce     = 500 * time.Millisecond
	defaultSuspendProbe = time.Minute
	deliverRetryBase    = 250 * time.Millisecond
	deliverRetryCap     = 30 * time.Second
)

// Coordinator owns one poll loop and one dispatch loop per source.
type Coordinator struct {
	consumer Consumer
	board    *StatusBoard
	logger   *slog.Logger
	notify   func(Event)

	suspendProbe time.Duration
	units        []*unit
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotify installs an event observer. fn must not block.
func WithNotify(fn func(Event)) Option {
	return func(c *Coordinator) { c.notify = fn }
}

// WithSuspendProbe overrides how often a suspended source re-checks access.
func WithSuspendProbe(d time.Duration) Option {
	return func(c *Coordinator) { c.suspendProbe = d }
}

// New creates a coordinator delivering to consumer.
func New(consumer Consumer, board *StatusBoard, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		consumer:     consumer,
		board:        board,
		logger:       logger,
		suspendProbe: defaultSuspendProbe,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers a tracked source. Must be called before Run.
func (c *Coordinator) Add(t *tracker.Tracker) {
	desc := t.Descriptor()
	high := desc.QueueSize
	if high <= 0 {
		high = defaultQueueSize
	}
	low := desc.LowWater
	if low <= 0 || low >= high {
		low = high / 4
	}
	c.board.Register(desc)
	c.units = append(c.units, &unit{
		tracker: t,
		desc:    desc,
		queue:   make(chan delivery, 16),
		water:   &waterline{high: high, low: low},
	})
}

// Run starts all scheduling units and blocks until ctx is cancelled.
// Shutdown is cooperative: cancellation is observed at the top of each
// cycle, never mid-cursor-commit.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range c.units {
		u := u
		g.Go(func() error { return c.pollLoop(gctx, u) })
		g.Go(func() error { return c.dispatchLoop(gctx, u) })
	}
	return g.Wait()
}

// unit is one source's scheduling state. The poller goroutine is the only
// caller of tracker.Poll, so polls are serialized per source; the
// dispatcher only delivers and commits.
type unit struct {
	tracker *tracker.Tracker
	desc    source.Descriptor
	queue   chan delivery
	water   *waterline
}

// delivery is one polled batch plus its candidate cursor.
type delivery struct {
	batch []source.Record
	next  int64
}

func (c *Coordinator) pollLoop(ctx context.Context, u *unit) error {
	interval := u.desc.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("coordinator: source started",
		slog.String("source", u.desc.ID), slog.String("kind", u.desc.Kind))

	// Startup poll catches everything written while the daemon was down.
	if stop := c.handlePollResult(ctx, u, c.pollOnce(ctx, u, true)); stop {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if stop := c.handlePollResult(ctx, u, c.pollOnce(ctx, u, false)); stop {
				return nil
			}

		case <-u.tracker.Signals():
			// Event-driven path: wait out the debounce window so a burst
			// of filesystem events (one WAL commit fires several) becomes
			// a single poll.
			if !c.debounce(ctx, u) {
				return nil
			}
			if stop := c.handlePollResult(ctx, u, c.pollOnce(ctx, u, true)); stop {
				return nil
			}
		}
	}
}

// debounce absorbs further signals for a fixed window starting at the first
// signal. Returns false when ctx was cancelled.
func (c *Coordinator) debounce(ctx context.Context, u *unit) bool {
	window := u.desc.Debounce
	if window <= 0 {
		window = defaultDebounce
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-u.tracker.Signals():
			// absorbed into this window
		case <-timer.C:
			return true
		}
	}
}

// pollOnce runs one serialized poll cycle: backpressure gate, poll, enqueue.
// A poll that fails mid-paging still returns the records collected before the
// failure, and the tracker's pending cursor has already advanced past them;
// they must be enqueued even when the error is surfaced, or no later poll
// would ever read them again.
func (c *Coordinator) pollOnce(ctx context.Context, u *unit, forced bool) error {
	// Backpressure: above the queue bound, stop polling entirely until the
	// dispatcher drains below the low-water mark.
	if err := u.water.gate(ctx); err != nil {
		return err
	}

	batch, next, pollErr := u.tracker.Poll(ctx, forced)

	if pollErr == nil {
		c.board.Update(u.desc.ID, func(st *SourceStatus) {
			st.State = StateActive
			st.LastError = ""
			st.LastPollAt = time.Now()
			st.Pending = u.water.count()
		})
	}

	if len(batch) > 0 {
		u.water.add(len(batch))
		select {
		case u.queue <- delivery{batch: batch, next: next}:
		case <-ctx.Done():
			u.water.done(len(batch))
			return ctx.Err()
		}
	}
	return pollErr
}

// handlePollResult maps a poll error onto the source's lifecycle. Returns
// true when the poll loop should stop (shutdown or unrecoverable schema).
func (c *Coordinator) handlePollResult(ctx context.Context, u *unit, err error) bool {
	switch {
	case err == nil:
		return false

	case ctx.Err() != nil:
		return true

	case errors.Is(err, apperr.ErrPermissionDenied):
		return !c.suspended(ctx, u)

	case errors.Is(err, apperr.ErrSchemaUnrecognized):
		// Needs an adapter update; no automatic retry. Other sources are
		// unaffected.
		c.logger.Error("coordinator: source stopped, schema unrecognized",
			slog.String("source", u.desc.ID), slog.String("error", err.Error()))
		c.board.Update(u.desc.ID, func(st *SourceStatus) {
			st.State = StateStopped
			st.LastError = err.Error()
		})
		c.emit(Event{Kind: "source.stopped", SourceID: u.desc.ID})
		return true

	default:
		// Transient: the tracker already burned its in-cycle retry budget,
		// the timer fallback retries next tick.
		c.logger.Warn("coordinator: poll failed",
			slog.String("source", u.desc.ID), slog.String("error", err.Error()))
		c.board.Update(u.desc.ID, func(st *SourceStatus) {
			st.State = StateDegraded
			st.LastError = err.Error()
		})
		return false
	}
}

// suspended parks a permission-denied source, re-probing on a longer
// interval and resuming automatically once access is restored. Returns
// false when ctx was cancelled.
func (c *Coordinator) suspended(ctx context.Context, u *unit) bool {
	c.logger.Warn("coordinator: source suspended, read access denied",
		slog.String("source", u.desc.ID))
	c.board.Update(u.desc.ID, func(st *SourceStatus) {
		st.State = StateSuspended
		st.LastError = apperr.ErrPermissionDenied.Error()
	})
	c.emit(Event{Kind: "source.suspended", SourceID: u.desc.ID})

	probe := time.NewTicker(c.suspendProbe)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-u.tracker.Signals():
			// Store changed while suspended; still can't read it.
		case <-probe.C:
			err := c.pollOnce(ctx, u, true)
			if errors.Is(err, apperr.ErrPermissionDenied) {
				continue
			}
			if ctx.Err() != nil {
				return false
			}
			if err != nil {
				// Access came back but the poll still failed; the resume
				// announcement waits for a clean poll. Mark it degraded and
				// let the normal lifecycle retry on the next tick.
				c.logger.Warn("coordinator: probe poll failed",
					slog.String("source", u.desc.ID), slog.String("error", err.Error()))
				c.board.Update(u.desc.ID, func(st *SourceStatus) {
					st.State = StateDegraded
					st.LastError = err.Error()
				})
				return true
			}
			c.logger.Info("coordinator: source resumed", slog.String("source", u.desc.ID))
			c.emit(Event{Kind: "source.resumed", SourceID: u.desc.ID})
			return true
		}
	}
}

func (c *Coordinator) dispatchLoop(ctx context.Context, u *unit) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-u.queue:
			if !c.deliver(ctx, u, d) {
				return nil
			}
		}
	}
}

// deliver hands one batch to the consumer, retrying rejection with capped
// exponential backoff, and commits the cursor only after acknowledgment.
// Returns false when ctx was cancelled before the batch was acknowledged;
// the uncommitted cursor makes the batch redeliverable after restart.
func (c *Coordinator) deliver(ctx context.Context, u *unit, d delivery) bool {
	delay := deliverRetryBase
	for {
		err := c.consumer.Handle(ctx, d.batch)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return false
		}
		c.logger.Warn("coordinator: consumer rejected batch",
			slog.String("source", u.desc.ID),
			slog.Int("records", len(d.batch)),
			slog.String("error", err.Error()))
		c.board.Update(u.desc.ID, func(st *SourceStatus) {
			st.State = StateDegraded
			st.LastError = apperr.ErrConsumerRejected.Error() + ": " + err.Error()
		})
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if delay *= 2; delay > deliverRetryCap {
			delay = deliverRetryCap
		}
	}

	if err := u.tracker.Commit(d.next); err != nil {
		// The batch is archived but the cursor is stale; restart redelivers
		// and the consumer's dedupe absorbs it.
		c.logger.Error("coordinator: cursor commit failed",
			slog.String("source", u.desc.ID), slog.String("error", err.Error()))
	}

	u.water.done(len(d.batch))
	c.board.Update(u.desc.ID, func(st *SourceStatus) {
		st.State = StateActive
		st.LastError = ""
		st.LastAckedKey = d.next
		st.Delivered += int64(len(d.batch))
		st.Pending = u.water.count()
	})
	c.emit(Event{Kind: "batch.delivered", SourceID: u.desc.ID, Records: len(d.batch)})
	return true
}

func (c *Coordinator) emit(ev Event) {
	if c.notify != nil {
		c.notify(ev)
	}
}

// waterline tracks in-flight (polled but unacknowledged) records for one
// source. The poller blocks at the high mark and wakes only once the
// dispatcher drains below the low mark, so a slow consumer pauses polling
// instead of growing memory without bound.
type waterline struct {
	mu        sync.Mutex
	inflight  int
	high, low int
	drained   chan struct{}
}

func (w *waterline) add(n int) {
	w.mu.Lock()
	w.inflight += n
	w.mu.Unlock()
}

func (w *waterline) done(n int) {
	w.mu.Lock()
	w.inflight -= n
	if w.drained != nil && w.inflight <= w.low {
		close(w.drained)
		w.drained = nil
	}
	w.mu.Unlock()
}

func (w *waterline) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}

// gate blocks while in-flight records are at or above the high mark.
// Only the single per-source poller waits here.
func (w *waterline) gate(ctx context.Context) error {
	w.mu.Lock()
	if w.inflight < w.high {
		w.mu.Unlock()
		return nil
	}
	if w.drained == nil {
		w.drained = make(chan struct{})
	}
	ch := w.drained
	w.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

package ingest

import (
	"sort"
	"sync"
	"time"

	"github.com/emberhearth/embersync/internal/source"
)

// State of one source as seen by the coordinator.
type State string

const (
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateDegraded  State = "degraded"
	StateStopped   State = "stopped"
)

// SourceStatus is a point-in-time snapshot of one source's ingestion state.
type SourceStatus struct {
	SourceID     string    `json:"source_id"`
	Kind         string    `json:"kind"`
	Path         string    `json:"path"`
	State        State     `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	LastPollAt   time.Time `json:"last_poll_at"`
	LastAckedKey int64     `json:"last_acked_key"`
	Delivered    int64     `json:"delivered"`
	Pending      int       `json:"pending"`
}

// StatusBoard holds per-source statuses for the API and MCP surfaces.
// Read-mostly, so a plain RWMutex beats a channel-owned loop here.
type StatusBoard struct {
	mu sync.RWMutex
	m  map[string]SourceStatus
}

// NewStatusBoard creates an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{m: make(map[string]SourceStatus)}
}

// Register seeds a source entry from its descriptor.
func (b *StatusBoard) Register(d source.Descriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[d.ID] = SourceStatus{
		SourceID: d.ID,
		Kind:     d.Kind,
		Path:     d.Path,
		State:    StateActive,
	}
}

// Update applies fn to a source's status under the lock.
func (b *StatusBoard) Update(sourceID string, fn func(*SourceStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.m[sourceID]
	if !ok {
		return
	}
	fn(&st)
	b.m[sourceID] = st
}

// Get returns one source's status.
func (b *StatusBoard) Get(sourceID string) (SourceStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.m[sourceID]
	return st, ok
}

// List returns all statuses sorted by source ID.
func (b *StatusBoard) List() []SourceStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SourceStatus, 0, len(b.m))
	for _, st := range b.m {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

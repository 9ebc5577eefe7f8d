// Package source normalizes vendor-specific, read-only, log-structured
// stores (a chat database, a browsing-history database) into streams of
// immutable records keyed by the store's native insertion order.
package source

import (
	"context"
	"os"
	"time"
)

// Source kinds understood by New.
const (
	KindChatDB    = "chatdb"
	KindHistoryDB = "historydb"
)

// Descriptor is the static configuration for one source. It is created at
// startup and immutable for the process lifetime.
type Descriptor struct {
	ID           string
	Kind         string
	Path         string
	PollInterval time.Duration
	Debounce     time.Duration
	Watch        bool
	QueueSize    int
	LowWater     int
}

// PayloadKind selects the decoding path a record's payload went through.
type PayloadKind string

const (
	PayloadText        PayloadKind = "text"
	PayloadRich        PayloadKind = "rich"
	PayloadVisit       PayloadKind = "visit"
	PayloadUndecodable PayloadKind = "undecodable"
)

// Payload is the normalized, opaque-to-the-pipeline content of a record.
// A record that fails to decode carries PayloadUndecodable and keeps its
// place in the sequence; decoding failures never abort a batch.
type Payload struct {
	Kind        PayloadKind       `json:"kind"`
	Text        string            `json:"text,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
}

// Record is one immutable unit read from a source. (SourceID, ExternalKey)
// is globally unique; records are never mutated after ingestion.
type Record struct {
	SourceID    string    `json:"source_id"`
	ExternalKey int64     `json:"external_key"`
	ObservedAt  time.Time `json:"observed_at"`
	Payload     Payload   `json:"payload"`
}

// Snapshot is a consistent read-only view of a store. RecordsSince pages
// lazily: it returns up to limit records with external key strictly greater
// than sinceKey, in ascending key order, and never skips a key even while
// the owning application keeps writing.
type Snapshot interface {
	RecordsSince(ctx context.Context, sinceKey int64, limit int) ([]Record, error)
	Close() error
}

// Adapter translates one store into Records. OpenSnapshot fails with
// apperr.ErrPermissionDenied when read access is not granted,
// apperr.ErrSourceUnavailable when the store cannot be opened, and
// apperr.ErrSchemaUnrecognized when the store's schema version is unknown.
// Adapters never write to the store they read.
type Adapter interface {
	Descriptor() Descriptor
	OpenSnapshot(ctx context.Context) (Snapshot, error)
}

// Gate is the permission-status collaborator queried before every snapshot
// open. It is owned by platform-integration code outside this core; the
// implementations here cover the daemon (file readability) and tests.
type Gate interface {
	HasReadAccess(d Descriptor) bool
}

// FileGate grants access when the store file is readable by this process.
type FileGate struct{}

func (FileGate) HasReadAccess(d Descriptor) bool {
	f, err := os.Open(d.Path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// StaticGate is a fixed allow-map keyed by source ID. Sources absent from
// the map are allowed. Useful as a test fake and for config-driven denies.
type StaticGate map[string]bool

func (g StaticGate) HasReadAccess(d Descriptor) bool {
	allowed, ok := g[d.ID]
	return !ok || allowed
}

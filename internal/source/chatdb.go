package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emberhearth/embersync/internal/apperr"
)

// Chat store body encodings, selected by the schema probe at snapshot-open
// time. Older stores keep message text in a plain "body" column; newer ones
// moved to a "rich_body" blob holding a JSON envelope. Probing columns
// instead of version strings keeps the adapter working across partially
// migrated stores.
const (
	chatBodyPlain = "body"
	chatBodyRich  = "rich_body"
)

// richEnvelope is the decoded form of a rich_body blob.
type richEnvelope struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// ChatDB reads a chat message store. Rows are keyed by rowid, which is the
// store's insertion order; message timestamps are vendor-encoded and can
// collide, so they are carried as metadata only and never used for ordering.
type ChatDB struct {
	desc Descriptor
	gate Gate
}

// NewChatDB creates a chat store adapter for the given descriptor.
func NewChatDB(d Descriptor, gate Gate) *ChatDB {
	return &ChatDB{desc: d, gate: gate}
}

func (c *ChatDB) Descriptor() Descriptor { return c.desc }

// OpenSnapshot opens a read-only view of the store and probes its schema to
// pick the body decoding path.
func (c *ChatDB) OpenSnapshot(ctx context.Context) (Snapshot, error) {
	conn, err := openReadOnly(ctx, c.desc, c.gate)
	if err != nil {
		return nil, err
	}

	cols, err := tableColumns(ctx, conn, "messages")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("source %s: probe schema: %w", c.desc.ID, apperr.ErrSourceUnavailable)
	}

	var bodyCol string
	switch {
	case cols[chatBodyRich]:
		bodyCol = chatBodyRich
	case cols[chatBodyPlain]:
		bodyCol = chatBodyPlain
	default:
		conn.Close()
		return nil, fmt.Errorf("source %s: messages table has no known body column: %w",
			c.desc.ID, apperr.ErrSchemaUnrecognized)
	}
	if !cols["guid"] || !cols["sender"] || !cols["created_at"] {
		conn.Close()
		return nil, fmt.Errorf("source %s: messages table missing required columns: %w",
			c.desc.ID, apperr.ErrSchemaUnrecognized)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("source %s: begin read tx: %w", c.desc.ID, apperr.ErrSourceUnavailable)
	}

	return &chatSnapshot{
		sourceID: c.desc.ID,
		conn:     conn,
		tx:       tx,
		bodyCol:  bodyCol,
	}, nil
}

// chatSnapshot holds a read transaction for the lifetime of the snapshot so
// every RecordsSince page sees the same committed state of the store.
type chatSnapshot struct {
	sourceID string
	conn     *sql.DB
	tx       *sql.Tx
	bodyCol  string
}

func (s *chatSnapshot) RecordsSince(ctx context.Context, sinceKey int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 500
	}
	q := fmt.Sprintf(`
		SELECT rowid, guid, sender, created_at, %s
		FROM messages
		WHERE rowid > ?
		ORDER BY rowid ASC
		LIMIT ?`, s.bodyCol)

	rows, err := s.tx.QueryContext(ctx, q, sinceKey, limit)
	if err != nil {
		return nil, fmt.Errorf("source %s: query messages: %w", s.sourceID, apperr.ErrSourceUnavailable)
	}
	defer rows.Close()

	now := time.Now()
	var out []Record
	for rows.Next() {
		var (
			rowid     int64
			guid      sql.NullString
			sender    sql.NullString
			createdAt sql.NullInt64
			body      sql.NullString
			richBody  []byte
		)
		var scanErr error
		if s.bodyCol == chatBodyRich {
			scanErr = rows.Scan(&rowid, &guid, &sender, &createdAt, &richBody)
		} else {
			scanErr = rows.Scan(&rowid, &guid, &sender, &createdAt, &body)
		}
		if scanErr != nil {
			return nil, fmt.Errorf("source %s: scan message: %w", s.sourceID, scanErr)
		}

		meta := map[string]string{
			"guid":   guid.String,
			"sender": sender.String,
		}
		if createdAt.Valid {
			meta["created_at"] = fmt.Sprintf("%d", createdAt.Int64)
		}

		rec := Record{
			SourceID:    s.sourceID,
			ExternalKey: rowid,
			ObservedAt:  now,
		}
		if s.bodyCol == chatBodyRich {
			rec.Payload = decodeRichBody(richBody, meta)
		} else {
			rec.Payload = Payload{Kind: PayloadText, Text: body.String, Meta: meta}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *chatSnapshot) Close() error {
	_ = s.tx.Rollback()
	return s.conn.Close()
}

// decodeRichBody decodes a rich_body envelope. A malformed blob degrades to
// an undecodable marker so the rest of the batch keeps flowing.
func decodeRichBody(blob []byte, meta map[string]string) Payload {
	var env richEnvelope
	if len(blob) == 0 || json.Unmarshal(blob, &env) != nil {
		return Payload{Kind: PayloadUndecodable, Meta: meta}
	}
	return Payload{
		Kind:        PayloadRich,
		Text:        env.Text,
		Meta:        meta,
		Attachments: env.Attachments,
	}
}

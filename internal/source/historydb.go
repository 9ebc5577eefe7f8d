package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emberhearth/embersync/internal/apperr"
)

// HistoryDB reads a browsing-history store: one row per visit, keyed by the
// visits table rowid.
type HistoryDB struct {
	desc Descriptor
	gate Gate
}

// NewHistoryDB creates a history store adapter for the given descriptor.
func NewHistoryDB(d Descriptor, gate Gate) *HistoryDB {
	return &HistoryDB{desc: d, gate: gate}
}

func (h *HistoryDB) Descriptor() Descriptor { return h.desc }

func (h *HistoryDB) OpenSnapshot(ctx context.Context) (Snapshot, error) {
	conn, err := openReadOnly(ctx, h.desc, h.gate)
	if err != nil {
		return nil, err
	}

	cols, err := tableColumns(ctx, conn, "visits")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("source %s: probe schema: %w", h.desc.ID, apperr.ErrSourceUnavailable)
	}
	if !cols["url"] || !cols["visit_time"] {
		conn.Close()
		return nil, fmt.Errorf("source %s: visits table missing required columns: %w",
			h.desc.ID, apperr.ErrSchemaUnrecognized)
	}
	hasTitle := cols["title"]

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("source %s: begin read tx: %w", h.desc.ID, apperr.ErrSourceUnavailable)
	}

	return &historySnapshot{
		sourceID: h.desc.ID,
		conn:     conn,
		tx:       tx,
		hasTitle: hasTitle,
	}, nil
}

type historySnapshot struct {
	sourceID string
	conn     *sql.DB
	tx       *sql.Tx
	hasTitle bool
}

func (s *historySnapshot) RecordsSince(ctx context.Context, sinceKey int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 500
	}
	titleCol := "''"
	if s.hasTitle {
		titleCol = "title"
	}
	q := fmt.Sprintf(`
		SELECT rowid, url, %s, visit_time
		FROM visits
		WHERE rowid > ?
		ORDER BY rowid ASC
		LIMIT ?`, titleCol)

	rows, err := s.tx.QueryContext(ctx, q, sinceKey, limit)
	if err != nil {
		return nil, fmt.Errorf("source %s: query visits: %w", s.sourceID, apperr.ErrSourceUnavailable)
	}
	defer rows.Close()

	now := time.Now()
	var out []Record
	for rows.Next() {
		var (
			rowid     int64
			url       sql.NullString
			title     sql.NullString
			visitTime sql.NullInt64
		)
		if err := rows.Scan(&rowid, &url, &title, &visitTime); err != nil {
			return nil, fmt.Errorf("source %s: scan visit: %w", s.sourceID, err)
		}

		meta := map[string]string{"url": url.String}
		if visitTime.Valid {
			meta["visit_time"] = fmt.Sprintf("%d", visitTime.Int64)
		}
		out = append(out, Record{
			SourceID:    s.sourceID,
			ExternalKey: rowid,
			ObservedAt:  now,
			Payload:     Payload{Kind: PayloadVisit, Text: title.String, Meta: meta},
		})
	}
	return out, rows.Err()
}

func (s *historySnapshot) Close() error {
	_ = s.tx.Rollback()
	return s.conn.Close()
}

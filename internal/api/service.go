package api

import (
	"fmt"

	"github.com/emberhearth/embersync/internal/apperr"
	"github.com/emberhearth/embersync/internal/archive"
	"github.com/emberhearth/embersync/internal/ingest"
	"github.com/emberhearth/embersync/internal/source"
)

// Archive is the read surface the API needs from the record archive.
type Archive interface {
	Recent(sourceID string, limit int) ([]source.Record, error)
	CountBySource() (map[string]int64, error)
}

// Verify the concrete archive satisfies the interface at compile time.
var _ Archive = (*archive.Store)(nil)

// Service coordinates status board and archive reads for the API layer.
type Service struct {
	board *ingest.StatusBoard
	arch  Archive
}

// NewService creates a new API service.
func NewService(board *ingest.StatusBoard, arch Archive) *Service {
	return &Service{board: board, arch: arch}
}

// ListSources returns every source's status plus archived record counts.
func (s *Service) ListSources() ([]SourceStatusItem, error) {
	counts, err := s.arch.CountBySource()
	if err != nil {
		return nil, fmt.Errorf("api: source counts: %w", err)
	}
	statuses := s.board.List()
	out := make([]SourceStatusItem, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, SourceStatusItem{SourceStatus: st, Archived: counts[st.SourceID]})
	}
	return out, nil
}

// GetSource returns one source's status.
func (s *Service) GetSource(sourceID string) (SourceStatusItem, error) {
	st, ok := s.board.Get(sourceID)
	if !ok {
		return SourceStatusItem{}, apperr.ErrNotFound
	}
	counts, err := s.arch.CountBySource()
	if err != nil {
		return SourceStatusItem{}, fmt.Errorf("api: source counts: %w", err)
	}
	return SourceStatusItem{SourceStatus: st, Archived: counts[sourceID]}, nil
}

// RecentRecords returns recently archived records, optionally per source.
func (s *Service) RecentRecords(sourceID string, limit int) ([]source.Record, error) {
	if sourceID != "" {
		if _, ok := s.board.Get(sourceID); !ok {
			return nil, apperr.ErrNotFound
		}
	}
	return s.arch.Recent(sourceID, limit)
}

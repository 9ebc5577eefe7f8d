package api

import (
	"github.com/emberhearth/embersync/internal/ingest"
	"github.com/emberhearth/embersync/internal/source"
)

// SourceStatusItem is one source in a status response: the coordinator's
// live view plus the archive's record count.
type SourceStatusItem struct {
	ingest.SourceStatus
	Archived int64 `json:"archived"`
}

// SourceListResponse wraps the source status listing.
type SourceListResponse struct {
	Sources []SourceStatusItem `json:"sources"`
	Total   int                `json:"total"`
}

// RecordListResponse wraps recently archived records.
type RecordListResponse struct {
	Records []source.Record `json:"records"`
	Total   int             `json:"total"`
}

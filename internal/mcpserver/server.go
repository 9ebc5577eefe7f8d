// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes ingestion status and recently archived records to the assistant
// layer via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/emberhearth/embersync/internal/archive"
	"github.com/emberhearth/embersync/internal/cursor"
	"github.com/emberhearth/embersync/internal/source"
)

// Server wraps the MCP server with Embersync tools. It reads the durable
// stores directly so it can run alongside (or without) the daemon.
type Server struct {
	mcp     *server.MCPServer
	cursors *cursor.Store
	arch    *archive.Store
	sources []source.Descriptor
}

// New creates a new MCP server with all Embersync tools registered.
func New(cursors *cursor.Store, arch *archive.Store, sources []source.Descriptor) *Server {
	s := &Server{cursors: cursors, arch: arch, sources: sources}

	s.mcp = server.NewMCPServer(
		"Embersync",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_sources",
		mcp.WithDescription("List configured ingestion sources with their durable cursor position and archived record count."),
	), s.listSources)

	s.mcp.AddTool(mcp.NewTool("source_status",
		mcp.WithDescription("Show one source's configuration, cursor position and archived record count."),
		mcp.WithString("source_id", mcp.Required(), mcp.Description("Source identifier from the config file")),
	), s.sourceStatus)

	s.mcp.AddTool(mcp.NewTool("recent_records",
		mcp.WithDescription("Return recently ingested records, newest first. Rich and plain message bodies are already normalized; undecodable payloads are marked."),
		mcp.WithString("source_id", mcp.Description("Optional source filter")),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return (default 20, max 500)")),
	), s.recentRecords)

	// Resource: ingestion status overview.
	s.mcp.AddResource(
		mcp.NewResource("embersync://status", "Ingestion Status",
			mcp.WithResourceDescription("Cursor positions and archived counts for every configured source."),
			mcp.WithMIMEType("application/json"),
		),
		s.readStatusResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// sourceOverview is the JSON shape shared by tools and the status resource.
type sourceOverview struct {
	SourceID     string    `json:"source_id"`
	Kind         string    `json:"kind"`
	Path         string    `json:"path"`
	LastAckedKey int64     `json:"last_acked_key"`
	LastPollAt   time.Time `json:"last_poll_at"`
	Archived     int64     `json:"archived"`
}

func (s *Server) overview() ([]sourceOverview, error) {
	counts, err := s.arch.CountBySource()
	if err != nil {
		return nil, err
	}
	out := make([]sourceOverview, 0, len(s.sources))
	for _, d := range s.sources {
		c, err := s.cursors.Load(d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, sourceOverview{
			SourceID:     d.ID,
			Kind:         d.Kind,
			Path:         d.Path,
			LastAckedKey: c.LastExternalKey,
			LastPollAt:   c.LastPollTime,
			Archived:     counts[d.ID],
		})
	}
	return out, nil
}

func (s *Server) listSources(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := s.overview()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(items, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) sourceStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("source_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	items, err := s.overview()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	for _, item := range items {
		if item.SourceID == id {
			out, _ := json.MarshalIndent(item, "", "  ")
			return mcp.NewToolResultText(string(out)), nil
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("unknown source: %s", id)), nil
}

func (s *Server) recentRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sourceID := req.GetString("source_id", "")
	limit := intArg(req, "limit", 20)

	recs, err := s.arch.Recent(sourceID, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(recs, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

// intArg reads an optional numeric tool argument (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func (s *Server) readStatusResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	items, err := s.overview()
	if err != nil {
		return nil, err
	}
	out, _ := json.MarshalIndent(items, "", "  ")
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "embersync://status",
			MIMEType: "application/json",
			Text:     string(out),
		},
	}, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/emberhearth/embersync/internal"
	"github.com/emberhearth/embersync/internal/archive"
	"github.com/emberhearth/embersync/internal/cursor"
	"github.com/emberhearth/embersync/internal/mcpserver"
	pkgconfig "github.com/emberhearth/embersync/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

// runMCP serves the MCP tools over stdio. It reads the durable stores
// directly, so it works whether or not the daemon is running.
func runMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cursors, err := cursor.Open(cfg.Cursor.Path)
	if err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}
	defer cursors.Close()

	arch, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer arch.Close()

	srv := mcpserver.New(cursors, arch, cfg.Descriptors())
	return srv.ServeStdio()
}

func main() {
	configFlag := &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("EMBERSYNC_CONFIG_FILE"),
	}

	cmd := &cli.Command{
		Name:  "embersync",
		Usage: "Change-detection and ingestion daemon for local conversation and browsing stores",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the ingestion daemon",
				Action: runServe,
				Flags:  []cli.Flag{configFlag},
			},
			{
				Name:   "mcp",
				Usage:  "Serve ingestion status and records over MCP stdio",
				Action: runMCP,
				Flags:  []cli.Flag{configFlag},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

package tracker

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch runs one fsnotify watcher over the parent directories of every
// tracked store file and routes change events to the matching tracker's
// Signal until ctx is cancelled.
//
// The store files themselves are not watched directly: SQLite WAL commits
// land in -wal/-shm sidecars and some writers replace the main file, so
// watching the directory and matching by path prefix catches all of them.
// Coalescing happens in Signal; a burst of OS-level write events per
// logical transaction still produces at most one queued poll request.
func Watch(ctx context.Context, trackers []*Tracker, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Map each watched store path to its tracker; events are matched by
	// prefix so path, path-wal, path-shm and path-journal all hit.
	byPath := make(map[string]*Tracker)
	dirs := make(map[string]struct{})
	for _, t := range trackers {
		desc := t.Descriptor()
		if !desc.Watch {
			continue
		}
		abs, err := filepath.Abs(desc.Path)
		if err != nil {
			logger.Warn("watcher: resolve path failed",
				slog.String("source", desc.ID), slog.String("error", err.Error()))
			continue
		}
		byPath[abs] = t
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	if len(byPath) == 0 {
		<-ctx.Done()
		return nil
	}

	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			logger.Warn("watcher: add dir failed",
				slog.String("dir", dir), slog.String("error", err.Error()))
		}
	}

	logger.Info("watcher: started", slog.Int("sources", len(byPath)))

	for {
		select {
		case <-ctx.Done():
			logger.Info("watcher: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			if t := match(byPath, name); t != nil {
				logger.Debug("watcher: change detected",
					slog.String("source", t.Descriptor().ID),
					slog.String("file", filepath.Base(name)))
				t.Signal()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

func match(byPath map[string]*Tracker, name string) *Tracker {
	if t, ok := byPath[name]; ok {
		return t
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		if strings.HasSuffix(name, suffix) {
			if t, ok := byPath[strings.TrimSuffix(name, suffix)]; ok {
				return t
			}
		}
	}
	return nil
}

package update

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/0x4d31/rulesync/internal/spool"
	"github.com/0x4d31/rulesync/internal/state"
)

// SourceFromFile derives the source name of an inbox bundle: the file name up
// to its first dot, so "community.tar.gz" belongs to "community".
func SourceFromFile(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// WatchInbox ingests every bundle the watcher reports until ctx is done.
// Processed bundles are archived. A bundle whose source is busy stays in the
// inbox and is picked up again on the next rescan.
func (o *Orchestrator) WatchInbox(ctx context.Context, w *spool.Watcher) error {
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	for path := range w.Events() {
		source := SourceFromFile(path)
		out, err := o.RunFile(ctx, source, path)
		switch {
		case errors.Is(err, state.ErrSourceLocked):
			slog.Warn("inbox bundle deferred, source busy", "path", path, "source", source)
			w.Forget(path)
			continue
		case err != nil:
			slog.Error("inbox bundle failed", "path", path, "source", source, "error", err)
		case out.Unchanged:
			slog.Info("inbox bundle unchanged", "path", path, "source", source)
		default:
			slog.Info("inbox bundle ingested", "path", path, "source", source, "revisions", len(out.Touched()))
		}
		if err := w.ArchiveFile(path); err != nil {
			slog.Warn("failed to archive inbox bundle", "path", path, "error", err)
		}
	}

	err := <-errCh
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

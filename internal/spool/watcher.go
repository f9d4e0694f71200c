package spool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherOptions tunes a Watcher. Zero values select defaults.
type WatcherOptions struct {
	// ArchiveDir receives processed bundles; empty means delete them.
	ArchiveDir      string
	CheckInterval   time.Duration
	MaxPendingFiles int
	ChannelBuffer   int
}

type pendingFile struct {
	size       int64
	modTime    time.Time
	firstSeen  time.Time
	lastChange time.Time
}

// Watcher reports bundles dropped into <spoolDir>/new once they have stopped
// changing for the stability wait.
type Watcher struct {
	spoolDir        string
	newDir          string
	archiveDir      string
	stabilityWait   time.Duration
	checkInterval   time.Duration
	maxPendingFiles int

	watcher *fsnotify.Watcher
	events  chan string

	mu        sync.Mutex
	pending   map[string]*pendingFile
	delivered map[string]struct{}
}

// NewWatcher creates a watcher with default options.
func NewWatcher(spoolDir string, stabilityWait time.Duration) (*Watcher, error) {
	return NewWatcherWithOptions(spoolDir, stabilityWait, WatcherOptions{})
}

// NewWatcherWithOptions creates the spool and archive directories and an
// fsnotify watcher over <spoolDir>/new.
func NewWatcherWithOptions(spoolDir string, stabilityWait time.Duration, opts WatcherOptions) (*Watcher, error) {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = stabilityWait / 2
		if opts.CheckInterval < 10*time.Millisecond {
			opts.CheckInterval = 10 * time.Millisecond
		}
		if opts.CheckInterval > time.Second {
			opts.CheckInterval = time.Second
		}
	}
	if opts.MaxPendingFiles <= 0 {
		opts.MaxPendingFiles = 1000
	}
	if opts.ChannelBuffer <= 0 {
		opts.ChannelBuffer = 100
	}

	newDir := filepath.Join(spoolDir, "new")
	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	if opts.ArchiveDir != "" {
		if err := os.MkdirAll(opts.ArchiveDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		spoolDir:        spoolDir,
		newDir:          newDir,
		archiveDir:      opts.ArchiveDir,
		stabilityWait:   stabilityWait,
		checkInterval:   opts.CheckInterval,
		maxPendingFiles: opts.MaxPendingFiles,
		watcher:         fsw,
		events:          make(chan string, opts.ChannelBuffer),
		pending:         make(map[string]*pendingFile),
		delivered:       make(map[string]struct{}),
	}, nil
}

// Events delivers paths of stable bundles. It is closed when Start returns.
func (w *Watcher) Events() <-chan string {
	return w.events
}

// Start watches until ctx is done and returns ctx.Err().
func (w *Watcher) Start(ctx context.Context) error {
	defer close(w.events)

	if err := w.watcher.Add(w.newDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.newDir, err)
	}
	w.scanExisting()

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("fsnotify watcher closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.track(ev.Name, time.Now())
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("fsnotify watcher closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; pick up whatever is on disk.
				slog.Warn("spool watcher overflow, rescanning", "dir", w.newDir)
				w.scanExisting()
				continue
			}
			slog.Warn("spool watcher error", "error", err)
		case <-ticker.C:
			for _, path := range w.ready(time.Now()) {
				select {
				case w.events <- path:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.newDir)
	if err != nil {
		slog.Warn("failed to scan spool directory", "dir", w.newDir, "error", err)
		return
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		// A file already on disk has been stable since its last write.
		w.track(filepath.Join(w.newDir, e.Name()), info.ModTime())
	}
}

func (w *Watcher) track(path string, changed time.Time) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, done := w.delivered[path]; done {
		return
	}
	if p, ok := w.pending[path]; ok {
		p.size, p.modTime, p.lastChange = info.Size(), info.ModTime(), changed
		return
	}
	if len(w.pending) >= w.maxPendingFiles {
		w.dropOldestLocked()
	}
	w.pending[path] = &pendingFile{
		size:       info.Size(),
		modTime:    info.ModTime(),
		firstSeen:  time.Now(),
		lastChange: changed,
	}
}

func (w *Watcher) dropOldestLocked() {
	var (
		oldest string
		at     time.Time
	)
	for path, p := range w.pending {
		if oldest == "" || p.firstSeen.Before(at) {
			oldest, at = path, p.firstSeen
		}
	}
	if oldest != "" {
		slog.Warn("spool pending limit reached, dropping file", "path", oldest, "limit", w.maxPendingFiles)
		delete(w.pending, oldest)
	}
}

// ready returns the pending files that have not changed for stabilityWait
// and marks them delivered.
func (w *Watcher) ready(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []string
	for path, p := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if info.Size() != p.size || !info.ModTime().Equal(p.modTime) {
			p.size, p.modTime, p.lastChange = info.Size(), info.ModTime(), now
			continue
		}
		if now.Sub(p.lastChange) < w.stabilityWait {
			continue
		}
		delete(w.pending, path)
		w.delivered[path] = struct{}{}
		out = append(out, path)
	}
	return out
}

// Forget puts a delivered file back into the pending set so it is reported
// again after another stability wait.
func (w *Watcher) Forget(path string) {
	w.mu.Lock()
	delete(w.delivered, path)
	w.mu.Unlock()
	w.track(path, time.Now())
}

// ArchiveFile moves a processed bundle to the archive directory, or deletes
// it when none is configured. A missing file is not an error.
func (w *Watcher) ArchiveFile(path string) error {
	w.mu.Lock()
	delete(w.delivered, path)
	delete(w.pending, path)
	w.mu.Unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if w.archiveDir == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
		return nil
	}

	target := filepath.Join(w.archiveDir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("failed to archive %s: %w", path, err)
	}
	return nil
}

// Close releases the fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func communityBundle(t *testing.T) []byte {
	t.Helper()
	return gzipBytes(t, buildTar(t, map[string]string{"rules/community.rules": sampleRule}))
}

// startWatcher runs w until the test ends and waits for Start to return.
func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
}

func waitBundle(t *testing.T, w *Watcher, timeout time.Duration) string {
	t.Helper()
	select {
	case path, ok := <-w.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return path
	case <-time.After(timeout):
		t.Fatal("timed out waiting for bundle")
	}
	return ""
}

func expectNoBundle(t *testing.T, w *Watcher, wait time.Duration) {
	t.Helper()
	select {
	case path := <-w.Events():
		t.Fatalf("Expected no bundle, got %s", path)
	case <-time.After(wait):
	}
}

func TestNewWatcherInboxLayout(t *testing.T) {
	inbox := t.TempDir()
	archiveDir := filepath.Join(t.TempDir(), "done")

	w, err := NewWatcherWithOptions(inbox, 100*time.Millisecond, WatcherOptions{ArchiveDir: archiveDir})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	for _, dir := range []string{filepath.Join(inbox, "new"), archiveDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}
	assert.Equal(t, 1000, w.maxPendingFiles)
	assert.Equal(t, 100, cap(w.events))
}

func TestWatcherCheckIntervalBounds(t *testing.T) {
	tests := []struct {
		wait time.Duration
		want time.Duration
	}{
		{5 * time.Millisecond, 10 * time.Millisecond},
		{100 * time.Millisecond, 50 * time.Millisecond},
		{30 * time.Second, time.Second},
	}
	for _, tt := range tests {
		w, err := NewWatcher(t.TempDir(), tt.wait)
		require.NoError(t, err)
		if w.checkInterval != tt.want {
			t.Errorf("stability wait %v: Expected check interval %v, got %v", tt.wait, tt.want, w.checkInterval)
		}
		_ = w.Close()
	}
}

func TestWatcherHoldsGrowingBundle(t *testing.T) {
	inbox := t.TempDir()
	w, err := NewWatcherWithOptions(inbox, 150*time.Millisecond, WatcherOptions{CheckInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	startWatcher(t, w)

	data := communityBundle(t)
	path := filepath.Join(inbox, "new", "community.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)

	// Write the download in slices, each well inside the stability wait.
	const slices = 6
	step := (len(data) + slices - 1) / slices
	for off := 0; off < len(data); off += step {
		end := min(off+step, len(data))
		_, err := f.Write(data[off:end])
		require.NoError(t, err)
		require.NoError(t, f.Sync())
		select {
		case got := <-w.Events():
			t.Fatalf("partial bundle %s delivered after %d of %d bytes", got, end, len(data))
		case <-time.After(40 * time.Millisecond):
		}
	}
	require.NoError(t, f.Close())

	got := waitBundle(t, w, 2*time.Second)
	assert.Equal(t, path, got)

	// What was delivered must be the whole download.
	b, err := NewDecoder().Extract(got, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, b.Files, 1)
}

func TestWatcherDeliversBundleOnce(t *testing.T) {
	inbox := t.TempDir()
	w, err := NewWatcherWithOptions(inbox, 30*time.Millisecond, WatcherOptions{CheckInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	startWatcher(t, w)

	path := filepath.Join(inbox, "new", "community.tar.gz")
	require.NoError(t, os.WriteFile(path, communityBundle(t), 0o644))
	assert.Equal(t, path, waitBundle(t, w, 2*time.Second))

	// A stray write to a bundle that is already being ingested is ignored.
	require.NoError(t, os.WriteFile(path, communityBundle(t), 0o644))
	expectNoBundle(t, w, 200*time.Millisecond)
}

func TestWatcherForgetRequeuesDeferredBundle(t *testing.T) {
	inbox := t.TempDir()
	w, err := NewWatcherWithOptions(inbox, 50*time.Millisecond, WatcherOptions{CheckInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	startWatcher(t, w)

	path := filepath.Join(inbox, "new", "emerging.rules.gz")
	require.NoError(t, os.WriteFile(path, gzipBytes(t, []byte(sampleRule)), 0o644))
	require.Equal(t, path, waitBundle(t, w, 2*time.Second))

	// The source was locked; hand the bundle back for a later attempt.
	deferred := time.Now()
	w.Forget(path)
	assert.Equal(t, path, waitBundle(t, w, 2*time.Second))
	if elapsed := time.Since(deferred); elapsed < 50*time.Millisecond {
		t.Errorf("Expected re-delivery after the stability wait, got %v", elapsed)
	}
}

func TestWatcherForgetMissingBundle(t *testing.T) {
	inbox := t.TempDir()
	w, err := NewWatcher(inbox, 20*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	w.Forget(filepath.Join(inbox, "new", "gone.tar.gz"))
	assert.Empty(t, w.pending)
}

func TestArchiveBundle(t *testing.T) {
	t.Run("moves into archive dir", func(t *testing.T) {
		inbox := t.TempDir()
		archiveDir := filepath.Join(t.TempDir(), "archive")
		w, err := NewWatcherWithOptions(inbox, 20*time.Millisecond, WatcherOptions{ArchiveDir: archiveDir})
		require.NoError(t, err)
		defer func() { _ = w.Close() }()

		path := filepath.Join(inbox, "new", "community.tar.gz")
		data := communityBundle(t)
		require.NoError(t, os.WriteFile(path, data, 0o644))

		require.NoError(t, w.ArchiveFile(path))
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err), "bundle left in inbox")
		archived, err := os.ReadFile(filepath.Join(archiveDir, "community.tar.gz"))
		require.NoError(t, err)
		assert.Equal(t, data, archived)
	})

	t.Run("deletes without archive dir", func(t *testing.T) {
		inbox := t.TempDir()
		w, err := NewWatcher(inbox, 20*time.Millisecond)
		require.NoError(t, err)
		defer func() { _ = w.Close() }()

		path := filepath.Join(inbox, "new", "community.tar.gz")
		require.NoError(t, os.WriteFile(path, communityBundle(t), 0o644))

		require.NoError(t, w.ArchiveFile(path))
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("missing bundle", func(t *testing.T) {
		w, err := NewWatcher(t.TempDir(), 20*time.Millisecond)
		require.NoError(t, err)
		defer func() { _ = w.Close() }()

		assert.NoError(t, w.ArchiveFile(filepath.Join(w.newDir, "gone.tar.gz")))
	})
}

func TestWatcherAcceptsNextDropAfterArchive(t *testing.T) {
	inbox := t.TempDir()
	archiveDir := filepath.Join(t.TempDir(), "archive")
	w, err := NewWatcherWithOptions(inbox, 30*time.Millisecond, WatcherOptions{
		ArchiveDir:    archiveDir,
		CheckInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	startWatcher(t, w)

	path := filepath.Join(inbox, "new", "community.tar.gz")
	require.NoError(t, os.WriteFile(path, communityBundle(t), 0o644))
	require.Equal(t, path, waitBundle(t, w, 2*time.Second))
	require.NoError(t, w.ArchiveFile(path))

	// The next publication reuses the same file name.
	require.NoError(t, os.WriteFile(path, communityBundle(t), 0o644))
	assert.Equal(t, path, waitBundle(t, w, 2*time.Second))
}

func TestWatcherPicksUpBacklog(t *testing.T) {
	inbox := t.TempDir()
	newDir := filepath.Join(inbox, "new")
	require.NoError(t, os.MkdirAll(newDir, 0o755))

	old := time.Now().Add(-time.Hour)
	want := map[string]bool{}
	for _, name := range []string{"community.tar.gz", "emerging.rules.gz", "local.rules"} {
		path := filepath.Join(newDir, name)
		require.NoError(t, os.WriteFile(path, communityBundle(t), 0o644))
		require.NoError(t, os.Chtimes(path, old, old))
		want[path] = true
	}
	require.NoError(t, os.Mkdir(filepath.Join(newDir, "partial.d"), 0o755))

	// A long stability wait: backlog bundles are already settled.
	w, err := NewWatcherWithOptions(inbox, time.Minute, WatcherOptions{
		CheckInterval: 10 * time.Millisecond,
		ChannelBuffer: 1,
	})
	require.NoError(t, err)
	startWatcher(t, w)

	got := map[string]bool{}
	for range want {
		got[waitBundle(t, w, 2*time.Second)] = true
	}
	assert.Equal(t, want, got)
	expectNoBundle(t, w, 100*time.Millisecond)
}

func TestWatcherPendingLimitDropsOldest(t *testing.T) {
	inbox := t.TempDir()
	w, err := NewWatcherWithOptions(inbox, time.Minute, WatcherOptions{MaxPendingFiles: 2})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	var paths []string
	for _, name := range []string{"a.tar.gz", "b.tar.gz", "c.tar.gz"} {
		path := filepath.Join(w.newDir, name)
		require.NoError(t, os.WriteFile(path, communityBundle(t), 0o644))
		paths = append(paths, path)
	}

	w.track(paths[0], time.Now())
	w.pending[paths[0]].firstSeen = time.Now().Add(-time.Minute)
	w.track(paths[1], time.Now())
	w.track(paths[2], time.Now())

	assert.Len(t, w.pending, 2)
	assert.NotContains(t, w.pending, paths[0])
	assert.Contains(t, w.pending, paths[2])
}

func TestWatcherStopsOnCancel(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), 20*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	_, ok := <-w.Events()
	assert.False(t, ok, "events channel left open")
}

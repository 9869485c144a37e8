package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/knowledge-engine/internal/walker"
	"github.com/dshills/knowledge-engine/pkg/types"
)

const testDebounce = 60 * time.Millisecond

func startWatcher(t *testing.T, root string, opts Options) *Watcher {
	t.Helper()
	if opts.Debounce == 0 {
		opts.Debounce = testDebounce
	}
	w, err := New(root, opts)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	if _, err := os.Stat(root); err == nil {
		require.Eventually(t, w.Available, 2*time.Second, 5*time.Millisecond)
	}
	return w
}

// next waits for one change.
func next(t *testing.T, w *Watcher) Change {
	t.Helper()
	select {
	case c := <-w.Events():
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

// quiet asserts that no change arrives for d.
func quiet(t *testing.T, w *Watcher, d time.Duration) {
	t.Helper()
	select {
	case c := <-w.Events():
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(d):
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLifecycle_CreateModifyDelete(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, Options{})

	path := filepath.Join(root, "notes.md")
	writeFile(t, path, "v1")
	c := next(t, w)
	assert.Equal(t, KindCreate, c.Kind)
	assert.Equal(t, "notes.md", c.Key)
	assert.Equal(t, path, c.Path)
	assert.False(t, c.Timestamp.IsZero())

	writeFile(t, path, "v2")
	c = next(t, w)
	assert.Equal(t, KindModify, c.Kind)

	require.NoError(t, os.Remove(path))
	c = next(t, w)
	assert.Equal(t, KindDelete, c.Kind)
	assert.Equal(t, "notes.md", c.Key)
}

func TestExistingFilesReportModify(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "old.md"), "v1")
	w := startWatcher(t, root, Options{})

	writeFile(t, filepath.Join(root, "old.md"), "v2")
	assert.Equal(t, KindModify, next(t, w).Kind)
}

func TestDebounce_BurstCollapses(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, Options{Debounce: 150 * time.Millisecond})

	path := filepath.Join(root, "burst.md")
	for i := 0; i < 5; i++ {
		writeFile(t, path, string(rune('a'+i)))
		time.Sleep(10 * time.Millisecond)
	}
	c := next(t, w)
	assert.Equal(t, KindCreate, c.Kind)
	quiet(t, w, 300*time.Millisecond)
}

func TestDebounce_FinalStateWins(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, Options{Debounce: 150 * time.Millisecond})

	// Created and removed inside one window: nothing to report.
	path := filepath.Join(root, "temp.md")
	writeFile(t, path, "x")
	require.NoError(t, os.Remove(path))
	quiet(t, w, 400*time.Millisecond)
}

func TestRenameSurfacesAsDeleteAndCreate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.md"), "content")
	w := startWatcher(t, root, Options{})

	require.NoError(t, os.Rename(filepath.Join(root, "a.md"), filepath.Join(root, "b.md")))

	got := map[string]Kind{}
	for i := 0; i < 2; i++ {
		c := next(t, w)
		got[c.Key] = c.Kind
	}
	assert.Equal(t, KindDelete, got["a.md"])
	assert.Equal(t, KindCreate, got["b.md"])
}

func TestNewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, Options{})

	writeFile(t, filepath.Join(root, "sub", "deep", "a.md"), "one")
	c := next(t, w)
	assert.Equal(t, KindCreate, c.Kind)
	assert.Equal(t, "sub/deep/a.md", c.Key)

	// The new directory is now watched too.
	writeFile(t, filepath.Join(root, "sub", "deep", "b.md"), "two")
	c = next(t, w)
	assert.Equal(t, "sub/deep/b.md", c.Key)
}

func TestRemovedDirectoryDeletesItsFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sub", "a.md"), "one")
	writeFile(t, filepath.Join(root, "sub", "b.md"), "two")
	w := startWatcher(t, root, Options{})

	require.NoError(t, os.Rename(filepath.Join(root, "sub"), filepath.Join(t.TempDir(), "moved")))

	got := map[string]Kind{}
	for i := 0; i < 2; i++ {
		c := next(t, w)
		got[c.Key] = c.Kind
	}
	assert.Equal(t, map[string]Kind{"sub/a.md": KindDelete, "sub/b.md": KindDelete}, got)
}

func TestIgnoredPaths(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, Options{Filter: walker.Filter{Exclude: []string{"*.tmp"}}})

	writeFile(t, filepath.Join(root, ".hidden.md"), "x")
	writeFile(t, filepath.Join(root, "scratch.tmp"), "x")
	writeFile(t, filepath.Join(root, "node_modules", "pkg.md"), "x")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "x")
	quiet(t, w, 300*time.Millisecond)

	writeFile(t, filepath.Join(root, "kept.md"), "x")
	assert.Equal(t, "kept.md", next(t, w).Key)
}

func TestRootLossAndRecovery(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "docs")
	require.NoError(t, os.Mkdir(root, 0o755))

	w := startWatcher(t, root, Options{
		RetryBase:      20 * time.Millisecond,
		RetryMax:       50 * time.Millisecond,
		HealthInterval: 20 * time.Millisecond,
	})

	require.NoError(t, os.RemoveAll(root))

	select {
	case err := <-w.Errors():
		assert.ErrorIs(t, err, types.ErrUnavailable)
	case <-time.After(3 * time.Second):
		t.Fatal("expected unavailable error")
	}
	require.Eventually(t, func() bool { return !w.Available() }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.Mkdir(root, 0o755))
	require.Eventually(t, w.Available, 3*time.Second, 5*time.Millisecond)

	c := next(t, w)
	assert.Equal(t, KindRescan, c.Kind)
	assert.Equal(t, w.Root(), c.Path)
}

func TestMissingRootAtStart(t *testing.T) {
	root := filepath.Join(t.TempDir(), "later")
	w := startWatcher(t, root, Options{
		RetryBase: 20 * time.Millisecond,
		RetryMax:  40 * time.Millisecond,
	})
	assert.False(t, w.Available())

	select {
	case err := <-w.Errors():
		assert.ErrorIs(t, err, types.ErrUnavailable)
	case <-time.After(3 * time.Second):
		t.Fatal("expected unavailable error")
	}

	require.NoError(t, os.Mkdir(root, 0o755))
	assert.Equal(t, KindRescan, next(t, w).Kind)
	assert.True(t, w.Available())
}

func TestStopClosesChannels(t *testing.T) {
	w, err := New(t.TempDir(), Options{Debounce: testDebounce})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, w.Stop())
	_, ok := <-w.Events()
	assert.False(t, ok)
	_, ok = <-w.Errors()
	assert.False(t, ok)
	assert.False(t, w.Available())
	require.NoError(t, w.Stop())
}

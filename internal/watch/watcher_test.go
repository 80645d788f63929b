package watch

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func next(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for event")
	}
	return Event{}
}

func TestWatcherReportsSettledFrames(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	w, err := New([]string{dir}, 100*time.Millisecond, quiet())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json.parquet"), []byte("x"), 0o644))
	path := filepath.Join(dir, "a.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"meta":{}`), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(`{"meta":{},"columns":{}}`), 0o644))

	ev := next(t, w)
	assert.Equal(t, path, ev.Path)
	assert.Equal(t, "created", ev.Operation)

	select {
	case extra := <-w.Events():
		require.Failf(t, "unexpected second event", "%+v", extra)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, w.Stop())
	_, open := <-w.Events()
	assert.False(t, open)
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	w, err := New([]string{dir}, 50*time.Millisecond, quiet())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	night := filepath.Join(dir, "night2")
	require.NoError(t, os.Mkdir(night, 0o755))
	// Give the watcher a moment to add the new directory.
	time.Sleep(200 * time.Millisecond)
	path := filepath.Join(night, "b.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	assert.Equal(t, path, next(t, w).Path)
}

func TestNewRequiresDirectories(t *testing.T) {
	_, err := New(nil, 0, quiet())
	assert.Error(t, err)
}

func TestStartMissingDirectory(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := New([]string{filepath.Join(t.TempDir(), "missing")}, 0, quiet())
	require.NoError(t, err)
	assert.Error(t, w.Start())
	require.NoError(t, w.Stop())
}

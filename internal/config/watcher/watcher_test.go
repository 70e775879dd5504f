package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStarted(t *testing.T, debounce time.Duration) (*Watcher, chan Event) {
	t.Helper()
	w, err := New(WithDebounce(debounce))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	events := make(chan Event, 16)
	w.OnChange(func(ev Event) { events <- ev })
	require.NoError(t, w.Start())
	return w, events
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestDebouncedWritesCoalesce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("a = 1\n"), 0o644))

	w, events := newStarted(t, 50*time.Millisecond)
	require.NoError(t, w.Watch(path))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("a = 2\n"), 0o644))
	}

	ev := next(t, events)
	assert.Equal(t, OpWrite, ev.Op)
	abs, _ := filepath.Abs(path)
	assert.Equal(t, abs, ev.Path)

	select {
	case extra := <-events:
		t.Fatalf("burst produced a second event: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCreateNotDowngradedByWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	w, events := newStarted(t, 50*time.Millisecond)
	require.NoError(t, w.Watch(path))

	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))

	assert.Equal(t, OpCreate, next(t, events).Op)
}

func TestOtherFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("a = 1\n"), 0o644))

	w, events := newStarted(t, 0)
	require.NoError(t, w.Watch(path))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.toml"), []byte("b = 1\n"), 0o644))
	select {
	case ev := <-events:
		t.Fatalf("unexpected event for unwatched file: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, os.Remove(path))
	assert.Equal(t, OpRemove, next(t, events).Op)
}

func TestUnwatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("a = 1\n"), 0o644))

	w, events := newStarted(t, 0)
	require.NoError(t, w.Watch(path))
	require.NoError(t, w.Unwatch(path))

	require.NoError(t, os.WriteFile(path, []byte("a = 2\n"), 0o644))
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after Unwatch: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("a = 1\n"), 0o644))

	w, err := New(WithDebounce(10 * time.Millisecond))
	require.NoError(t, err)
	defer w.Stop()

	events := make(chan Event, 4)
	w.OnChange(func(Event) { panic("boom") })
	w.OnChange(func(ev Event) { events <- ev })
	require.NoError(t, w.Watch(path))
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(path, []byte("a = 2\n"), 0o644))
	next(t, events)
}

func TestStopIsIdempotent(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	require.NoError(t, w.Start())
	assert.True(t, w.IsRunning())

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	assert.ErrorIs(t, w.Watch(filepath.Join(t.TempDir(), "x.toml")), ErrClosed)
	assert.ErrorIs(t, w.Start(), ErrClosed)
}

func TestCoalesce(t *testing.T) {
	tests := []struct {
		existing, next, want Operation
	}{
		{OpCreate, OpWrite, OpCreate},
		{OpWrite, OpWrite, OpWrite},
		{OpWrite, OpRemove, OpRemove},
		{OpCreate, OpRename, OpRename},
		{OpRemove, OpCreate, OpCreate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, coalesce(tt.existing, tt.next), "%s+%s", tt.existing, tt.next)
	}
}

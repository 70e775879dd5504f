package library

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/macroreplay/internal/macro"
	"github.com/dshills/macroreplay/internal/macro/format"
)

func openTemp(t *testing.T) *Library {
	t.Helper()
	lib, err := Open(filepath.Join(t.TempDir(), "lib", "macros.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close() })
	return lib
}

func sample(t *testing.T, name string, absolute bool) *macro.Sequence {
	t.Helper()
	seq := macro.NewSequence(name, absolute, false)
	seq.CreatedAt = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	require.NoError(t, seq.Append(macro.Event{Type: macro.EventMouseMove, X: 10, Y: 20, TimestampMs: 0}))
	require.NoError(t, seq.Append(macro.Event{Type: macro.EventButtonPress, Button: macro.ButtonLeft, X: 10, Y: 20, TimestampMs: 40}))
	require.NoError(t, seq.Append(macro.Event{Type: macro.EventButtonRelease, Button: macro.ButtonLeft, X: 10, Y: 20, TimestampMs: 90}))
	seq.Finalize(25)
	return seq
}

func TestPutGet(t *testing.T) {
	lib := openTemp(t)
	want := sample(t, "login", true)

	require.NoError(t, lib.Put(want))
	got, err := lib.Get("login")
	require.NoError(t, err)

	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.IsAbsolute, got.IsAbsolute)
	assert.Equal(t, want.Events(), got.Events())
	assert.Equal(t, want.TrailingDelayMs(), got.TrailingDelayMs())
	assert.True(t, lib.Has("login"))
}

func TestGetMissing(t *testing.T) {
	lib := openTemp(t)
	_, err := lib.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, lib.Has("nope"))
}

func TestListSortedWithStats(t *testing.T) {
	lib := openTemp(t)
	require.NoError(t, lib.Put(sample(t, "zeta", false)))
	require.NoError(t, lib.Put(sample(t, "alpha", true)))

	entries, err := lib.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "alpha", entries[0].Name)
	assert.Equal(t, "zeta", entries[1].Name)
	assert.True(t, entries[0].Absolute)
	assert.Equal(t, 3, entries[0].Events)
	assert.Equal(t, int64(115), entries[0].DurationMs)
	assert.Positive(t, entries[0].Bytes)

	info, err := lib.Info("zeta")
	require.NoError(t, err)
	assert.False(t, info.Absolute)
}

func TestPutReplaces(t *testing.T) {
	lib := openTemp(t)
	require.NoError(t, lib.Put(sample(t, "m", false)))

	short := macro.NewSequence("m", false, true)
	require.NoError(t, short.Append(macro.Event{Type: macro.EventKeyPress, KeyCode: 30}))
	short.Finalize(0)
	require.NoError(t, lib.Put(short))

	got, err := lib.Get("m")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Len())
	assert.True(t, got.SkipInitialOriginReset)
}

func TestDeleteAndRename(t *testing.T) {
	lib := openTemp(t)
	require.NoError(t, lib.Put(sample(t, "a", false)))
	require.NoError(t, lib.Put(sample(t, "b", false)))

	assert.ErrorIs(t, lib.Rename("a", "b"), ErrExists)
	require.NoError(t, lib.Rename("a", "c"))
	assert.False(t, lib.Has("a"))

	got, err := lib.Get("c")
	require.NoError(t, err)
	assert.Equal(t, "c", got.Name)

	require.NoError(t, lib.Delete("c"))
	assert.ErrorIs(t, lib.Delete("c"), ErrNotFound)
}

func TestInvalidNames(t *testing.T) {
	lib := openTemp(t)
	for _, name := range []string{"", "  ", "two\nlines"} {
		err := lib.Put(sample(t, name, false))
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
	assert.Error(t, lib.Put(nil))
}

func TestImportExport(t *testing.T) {
	lib := openTemp(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "drag.macro")
	require.NoError(t, format.Save(src, sample(t, "drag", true)))

	seq, err := lib.Import(src, "", false)
	require.NoError(t, err)
	assert.Equal(t, "drag", seq.Name)

	_, err = lib.Import(src, "", false)
	assert.True(t, errors.Is(err, ErrExists), "second import without overwrite: %v", err)

	_, err = lib.Import(src, "", true)
	assert.NoError(t, err)

	renamed, err := lib.Import(src, "drag-copy", false)
	require.NoError(t, err)
	assert.Equal(t, "drag-copy", renamed.Name)

	out := filepath.Join(dir, "out", "exported.macro")
	require.NoError(t, lib.Export("drag-copy", out))
	loaded, err := format.Load(out)
	require.NoError(t, err)
	assert.Equal(t, "drag-copy", loaded.Name)
	assert.Equal(t, seq.Events(), loaded.Events())

	assert.ErrorIs(t, lib.Export("missing", out), ErrNotFound)
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "macros.db")
	lib, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, lib.Put(sample(t, "kept", false)))
	require.NoError(t, lib.Close())

	ro, err := Open(path, WithReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	assert.True(t, ro.Has("kept"))
	assert.Equal(t, path, ro.Path())
}

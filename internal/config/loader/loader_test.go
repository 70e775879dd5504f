package loader

import (
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapFS map[string]string

func (m mapFS) ReadFile(path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return []byte(data), nil
}

type brokenFS struct{}

func (brokenFS) ReadFile(string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func getByPath(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	v, ok := current[parts[len(parts)-1]]
	return v, ok
}

func TestForPath(t *testing.T) {
	tests := []struct {
		path string
		want any
	}{
		{"config.toml", &TOMLLoader{}},
		{"CONFIG.TOML", &TOMLLoader{}},
		{"config.yaml", &YAMLLoader{}},
		{"config.yml", &YAMLLoader{}},
	}
	for _, tt := range tests {
		l, err := ForPath(tt.path)
		require.NoError(t, err, tt.path)
		assert.IsType(t, tt.want, l, tt.path)
	}

	_, err := ForPath("config.json")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestTOMLLoader(t *testing.T) {
	fsys := mapFS{"/c.toml": "[playback]\nspeed = 1.5\nsink = \"uinput\"\n"}

	config, err := NewTOMLLoaderWithFS(fsys, "/c.toml").Load()
	require.NoError(t, err)

	v, ok := getByPath(config, "playback.speed")
	require.True(t, ok)
	assert.Equal(t, 1.5, v)
	v, _ = getByPath(config, "playback.sink")
	assert.Equal(t, "uinput", v)
}

func TestYAMLLoader(t *testing.T) {
	fsys := mapFS{"/c.yaml": "drift:\n  threshold_px: 4\n"}

	config, err := NewYAMLLoaderWithFS(fsys, "/c.yaml").Load()
	require.NoError(t, err)

	v, ok := getByPath(config, "drift.threshold_px")
	require.True(t, ok)
	assert.Equal(t, 4, v)
}

func TestMissingFileIsNotAnError(t *testing.T) {
	config, err := NewTOMLLoaderWithFS(mapFS{}, "/none.toml").Load()
	assert.NoError(t, err)
	assert.Nil(t, config)

	config, err = NewYAMLLoaderWithFS(mapFS{}, "/none.yaml").Load()
	assert.NoError(t, err)
	assert.Nil(t, config)
}

func TestReadFailure(t *testing.T) {
	_, err := NewTOMLLoaderWithFS(brokenFS{}, "/c.toml").Load()
	assert.ErrorContains(t, err, "disk on fire")
}

func TestParseErrors(t *testing.T) {
	_, err := NewTOMLLoader("").LoadFromReader(strings.NewReader("a = = 1"))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "<reader>", perr.Path)
	assert.Equal(t, 1, perr.Line)

	_, err = NewYAMLLoader("").LoadFromReader(strings.NewReader("a: [1, 2"))
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "parse error in <reader>")
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{
		"playback": map[string]any{"speed": 1.0, "loop": false},
		"logging":  map[string]any{"level": "info"},
	}
	src := map[string]any{
		"playback": map[string]any{"speed": 2.0},
		"library":  map[string]any{"path": "x.db"},
	}

	got := DeepMerge(dst, src)

	assert.Equal(t, map[string]any{
		"playback": map[string]any{"speed": 2.0, "loop": false},
		"logging":  map[string]any{"level": "info"},
		"library":  map[string]any{"path": "x.db"},
	}, got)
	assert.NotNil(t, DeepMerge(nil, nil))
}

func TestEnvLoader(t *testing.T) {
	t.Setenv("MRTEST_LOG_LEVEL", "debug")
	t.Setenv("MRTEST_PLAYBACK_REPEAT_COUNT", "3")
	t.Setenv("MRTEST_PLAYBACK_SPEED", "0.5")
	t.Setenv("MRTEST_PLAYBACK_LOOP", "yes")
	t.Setenv("MRTEST_RECORDING_IGNORED_KEYS", "KEY_F8, KEY_ESC")
	t.Setenv("MRTEST_CONFIG", "/etc/x.toml")
	t.Setenv("MRTEST_EMPTY_VALUE", "")

	l := NewEnvLoader("MRTEST_")
	l.Skip("MRTEST_CONFIG")
	config, err := l.Load()
	require.NoError(t, err)

	tests := []struct {
		path string
		want any
	}{
		{"logging.level", "debug"},
		{"playback.repeat_count", int64(3)},
		{"playback.speed", 0.5},
		{"playback.loop", true},
		{"recording.ignored_keys", []any{"KEY_F8", "KEY_ESC"}},
	}
	for _, tt := range tests {
		got, ok := getByPath(config, tt.path)
		if assert.True(t, ok, tt.path) {
			assert.Equal(t, tt.want, got, tt.path)
		}
	}

	_, ok := config["config"]
	assert.False(t, ok, "skipped variable was loaded")
	_, ok = config["empty"]
	assert.False(t, ok, "empty variable was loaded")
}

func TestEnvToPath(t *testing.T) {
	l := NewEnvLoader("MRTEST_")
	tests := []struct {
		env  string
		want string
	}{
		{"MRTEST_DRIFT_THRESHOLD_PX", "drift.threshold_px"},
		{"MRTEST_LIBRARY_PATH", "library.path"},
		{"MRTEST_VERBOSE", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, l.envToPath(tt.env), tt.env)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"on", true},
		{"FALSE", false},
		{"1", int64(1)},
		{"-20", int64(-20)},
		{"2.5", 2.5},
		{"[\"a\",\"b\"]", []any{"a", "b"}},
		{"a,b", []any{"a", "b"}},
		{"/var/lib/macros.db", "/var/lib/macros.db"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseValue(tt.in), tt.in)
	}
}

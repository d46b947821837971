package paths

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDirs_Linux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux-only test")
	}

	tests := []struct {
		name     string
		env      string
		fn       func() (string, error)
		xdg      string
		fallback string
	}{
		{name: "config", env: "XDG_CONFIG_HOME", fn: DefaultConfigDir, fallback: filepath.Join(".config", "satchel")},
		{name: "data", env: "XDG_DATA_HOME", fn: DefaultDataDir, fallback: filepath.Join(".local", "share", "satchel")},
	}
	for _, tt := range tests {
		t.Run(tt.name+" uses XDG when set", func(t *testing.T) {
			t.Setenv(tt.env, "/tmp/xdg")
			got, err := tt.fn()
			require.NoError(t, err)
			assert.Equal(t, "/tmp/xdg/satchel", got)
		})

		t.Run(tt.name+" falls back to home when XDG unset", func(t *testing.T) {
			t.Setenv(tt.env, "")
			home, err := os.UserHomeDir()
			require.NoError(t, err)

			got, err := tt.fn()
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(home, tt.fallback), got)
		})
	}
}

func TestDefaultDirs_Darwin(t *testing.T) {
	if runtime.GOOS != "darwin" {
		t.Skip("darwin-only test")
	}

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	want := filepath.Join(home, "Library", "Application Support", "satchel")

	got, err := DefaultConfigDir()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = DefaultDataDir()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDefaultDirs_HomeError(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux-only test")
	}
	orig := platformDir.homeDir
	platformDir.homeDir = func() (string, error) { return "", errors.New("no home") }
	t.Cleanup(func() { platformDir.homeDir = orig })
	t.Setenv("XDG_CONFIG_HOME", "")

	_, err := DefaultConfigDir()
	assert.Error(t, err)
}

func TestDefaultMediaDir(t *testing.T) {
	orig := platformDir.userCacheDir
	platformDir.userCacheDir = func() (string, error) { return "/cache", nil }
	t.Cleanup(func() { platformDir.userCacheDir = orig })

	got, err := DefaultMediaDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/cache", "satchel", "media"), got)
}

func TestResolveConfigDir(t *testing.T) {
	tests := []struct {
		name    string
		flag    string
		envVal  string
		wantSub string // substring the result must contain
	}{
		{name: "flag wins over env", flag: "/explicit/config", envVal: "/env/config", wantSub: "/explicit/config"},
		{name: "env wins when flag empty", envVal: "/env/config", wantSub: "/env/config"},
		{name: "platform default when both empty", wantSub: "satchel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvConfigDir, tt.envVal)
			got, err := ResolveConfigDir(tt.flag)
			require.NoError(t, err)
			assert.Contains(t, got, tt.wantSub)
		})
	}
}

func TestResolveDataDir(t *testing.T) {
	platformDefault, err := DefaultDataDir()
	require.NoError(t, err)

	tests := []struct {
		name        string
		flag        string
		configValue string
		envVal      string
		want        string
	}{
		{name: "flag wins over all", flag: "/flag/data", configValue: "/config/data", envVal: "/env/data", want: "/flag/data"},
		{name: "env wins over config file", configValue: "/config/data", envVal: "/env/data", want: "/env/data"},
		{name: "config file value", configValue: "/config/data", want: "/config/data"},
		{name: "platform default when all empty", want: platformDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvDataDir, tt.envVal)
			got, err := ResolveDataDir(tt.flag, tt.configValue)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_RelativeBecomesAbsolute(t *testing.T) {
	t.Setenv(EnvConfigDir, "")
	t.Setenv(EnvDataDir, "")

	got, err := ResolveConfigDir("relative/path")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got), "expected absolute path, got %s", got)

	got, err = ResolveDataDir("", "relative/config")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got), "expected absolute path, got %s", got)

	t.Setenv(EnvDataDir, "relative/env")
	got, err = ResolveDataDir("", "")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got), "expected absolute path, got %s", got)
}

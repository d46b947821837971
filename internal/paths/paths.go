// Package paths resolves where satchel keeps its configuration, its store,
// and the temporary files behind media handles.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user directories.
const AppName = "satchel"

// ConfigFileName is the configuration file inside the config directory.
const ConfigFileName = "config.yaml"

// Environment variable names for directory overrides.
const (
	EnvConfigDir = "SATCHEL_CONFIG_DIR"
	EnvDataDir   = "SATCHEL_DATA_DIR"
)

// platformDir holds platform-detection functions that can be overridden in tests.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
	userCacheDir  func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
	userCacheDir:  os.UserCacheDir,
}

// DefaultConfigDir returns the platform-specific configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/satchel (fallback ~/.config/satchel)
// macOS:   ~/Library/Application Support/satchel
// Windows: %APPDATA%/satchel
func DefaultConfigDir() (string, error) {
	return xdgOr("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the platform-specific directory for the store.
//
// Linux:   $XDG_DATA_HOME/satchel (fallback ~/.local/share/satchel)
// macOS and Windows: same as the config directory.
func DefaultDataDir() (string, error) {
	return xdgOr("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// DefaultMediaDir returns the directory that backs minted media handles.
// Its contents are disposable.
func DefaultMediaDir() (string, error) {
	dir, err := platformDir.userCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName, "media"), nil
}

// xdgOr returns $env/satchel on Linux when set, ~/fallback/satchel otherwise,
// and the user config directory elsewhere.
func xdgOr(env, fallback string) (string, error) {
	if runtime.GOOS != "linux" {
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, AppName), nil
	}
	if xdg := os.Getenv(env); xdg != "" {
		return filepath.Join(xdg, AppName), nil
	}
	home, err := platformDir.homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, fallback, AppName), nil
}

// ResolveConfigDir returns the configuration directory following the
// precedence chain: flag > SATCHEL_CONFIG_DIR > DefaultConfigDir().
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}

// ResolveDataDir returns the store directory following the precedence
// chain: flag > SATCHEL_DATA_DIR > config file value > DefaultDataDir().
func ResolveDataDir(flag, configValue string) (string, error) {
	for _, dir := range []string{flag, os.Getenv(EnvDataDir), configValue} {
		if dir != "" {
			return filepath.Abs(dir)
		}
	}
	return DefaultDataDir()
}

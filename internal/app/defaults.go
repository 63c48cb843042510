package app

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	EnvConfigPath = "WSYNC_CONFIG_PATH"
	EnvHome       = "WSYNC_HOME"
	EnvPassphrase = "WSYNC_PASSPHRASE"
)

// GetDefaults resolves the config file, data directory and log directory.
// WSYNC_CONFIG_PATH and WSYNC_HOME win; otherwise the XDG base
// directories are used, and $HOME/.config and $HOME/.local/share when
// those are unset too.
func GetDefaults() (map[string]string, error) {
	configPath, err := fromEnv(EnvConfigPath, "XDG_CONFIG_HOME", ".config", "wsync.toml")
	if err != nil {
		return nil, err
	}
	baseDir, err := fromEnv(EnvHome, "XDG_DATA_HOME", filepath.Join(".local", "share"), "wsync")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// fromEnv returns $override as is, else name under $xdg, else name under
// homeRel in the user's home directory.
func fromEnv(override, xdg, homeRel, name string) (string, error) {
	if p := os.Getenv(override); p != "" {
		return p, nil
	}
	if dir := os.Getenv(xdg); dir != "" {
		return filepath.Join(dir, name), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, homeRel, name), nil
}

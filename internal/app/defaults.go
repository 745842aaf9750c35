package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// envDefaults are the VIGIL_* environment overrides. Keys come from the
// field names; an envconfig tag would also match the unprefixed name.
type envDefaults struct {
	ConfigPath string `split_words:"true"`
	Home       string
	LogLevel   string `split_words:"true" default:"info"`
}

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - VIGIL_CONFIG_PATH: config file location (default: ~/.config/vigil.toml)
//   - VIGIL_HOME: base directory for agent data (default: ~/.local/share/vigil)
//   - VIGIL_LOG_LEVEL: debug, info, warn or error (default: info)
func GetDefaults() (map[string]string, error) {
	var env envDefaults
	if err := envconfig.Process("VIGIL", &env); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	configPath := env.ConfigPath
	baseDir := env.Home
	if configPath == "" || baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		if configPath == "" {
			configPath = filepath.Join(homeDir, ".config", "vigil.toml")
		}
		if baseDir == "" {
			baseDir = filepath.Join(homeDir, ".local", "share", "vigil")
		}
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"log_level":   strings.ToLower(env.LogLevel),
	}, nil
}

// parseLevel maps a level name to a slog level. Unknown names mean info.
func parseLevel(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("VIGIL_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("VIGIL_HOME", "/custom/vigil")
		t.Setenv("VIGIL_LOG_LEVEL", "DEBUG")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/config.toml")
		}
		if defaults["base_dir"] != "/custom/vigil" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/vigil")
		}
		if defaults["log_dir"] != "/custom/vigil/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/vigil/log")
		}
		if defaults["log_level"] != "debug" {
			t.Errorf("log_level = %q, want debug", defaults["log_level"])
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("VIGIL_CONFIG_PATH", "")
		t.Setenv("VIGIL_HOME", "")
		os.Unsetenv("VIGIL_LOG_LEVEL")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "vigil.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "vigil")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}

		wantLog := filepath.Join(wantBase, "log")
		if defaults["log_dir"] != wantLog {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], wantLog)
		}
		if defaults["log_level"] != "info" {
			t.Errorf("log_level = %q, want info", defaults["log_level"])
		}
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseLevel(tt.name); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

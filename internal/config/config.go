package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config represents the main configuration for the vigil agent.
type Config struct {
	DeviceID   string           `toml:"device_id" validate:"required"`
	BaseDir    string           `toml:"base_dir" validate:"required"`
	LogDir     string           `toml:"log_dir"`
	Watch      WatchConfig      `toml:"watch"`
	Install    InstallConfig    `toml:"install"`
	Queue      QueueConfig      `toml:"queue"`
	Scan       ScanConfig       `toml:"scan"`
	Rules      RulesConfig      `toml:"rules"`
	Vault      VaultConfig      `toml:"vault"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	License    LicenseConfig    `toml:"license"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// WatchConfig lists the roots observed at startup and the exclusion patterns.
type WatchConfig struct {
	Roots          []string `toml:"roots"`
	Exclude        []string `toml:"exclude"`
	CoalesceWindow Duration `toml:"coalesce_window"`
}

// InstallConfig tunes the install detector.
type InstallConfig struct {
	Enabled bool `toml:"enabled"`
	// Dirs are where installers unpack. They are watched at normal priority.
	Dirs []string `toml:"dirs"`
	// A burst is BurstCount creates within BurstWindow.
	BurstCount  int      `toml:"burst_count" validate:"gte=0"`
	BurstWindow Duration `toml:"burst_window"`
	// MaxDuration caps the life of a promoted root.
	MaxDuration  Duration `toml:"max_duration"`
	PollInterval Duration `toml:"poll_interval"`
	// InstallerNames overrides the built-in installer name patterns.
	InstallerNames []string `toml:"installer_names,omitempty"`
}

// QueueConfig tunes the scan queue.
type QueueConfig struct {
	Debounce      Duration `toml:"debounce"`
	MaxWait       Duration `toml:"max_wait"`
	Capacity      int      `toml:"capacity" validate:"gte=0"`
	RatePerSecond float64  `toml:"rate_per_second" validate:"gte=0"`
	Burst         int      `toml:"burst" validate:"gte=0"`
}

// ScanConfig tunes the scan engine.
type ScanConfig struct {
	Workers            int      `toml:"workers" validate:"gte=0"`
	MaxFileSize        int64    `toml:"max_file_size" validate:"gte=0"`
	RetryDelay         Duration `toml:"retry_delay"`
	ShutdownGrace      Duration `toml:"shutdown_grace"`
	MaliciousThreshold string   `toml:"malicious_threshold" validate:"omitempty,oneof=info low medium high critical"`
}

// RulesConfig locates the rule cache and the update source.
// Source uses a tagged union pattern - the Type field determines which other fields are relevant.
type RulesConfig struct {
	Dir            string           `toml:"dir"`
	UpdateInterval Duration         `toml:"update_interval"`
	PublicKey      string           `toml:"public_key,omitempty"` // base64 Ed25519 key; when set, manifests must be signed
	Source         RuleSourceConfig `toml:"source"`
}

// RuleSourceConfig is the rule update endpoint.
type RuleSourceConfig struct {
	Type string `toml:"type" validate:"omitempty,oneof=http s3 file"`

	// http
	URL       string `toml:"url,omitempty"`
	AuthToken string `toml:"auth_token,omitempty"`

	// s3
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	AccessKey  string `toml:"access_key,omitempty"`
	SecretKey  string `toml:"secret_key,omitempty"`

	// file
	Dir string `toml:"dir,omitempty"`
}

// VaultConfig represents configuration for the quarantine vault.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type" validate:"omitempty,oneof=filesystem memory"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`

	// Capacity limits; the oldest entries are purged past either. 0 disables.
	MaxFiles int   `toml:"max_files" validate:"gte=0"`
	MaxSize  int64 `toml:"max_size" validate:"gte=0"`

	// RestoreGrace keeps a restored file from being captured again.
	RestoreGrace Duration `toml:"restore_grace"`
}

// EncryptionConfig holds paths to the age key pair used for vault encryption.
type EncryptionConfig struct {
	Type           string `toml:"type" validate:"omitempty,oneof=age test"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// DatabaseConfig represents configuration for the agent database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type" validate:"omitempty,oneof=sqlite memory"` // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"`                            // only used for type=sqlite
}

// LicenseConfig points at the license server and tunes the state machine.
type LicenseConfig struct {
	ServerURL      string   `toml:"server_url" validate:"omitempty,url"`
	AuthToken      string   `toml:"auth_token,omitempty"`
	MinPoll        Duration `toml:"min_poll"`
	MaxPoll        Duration `toml:"max_poll"`
	OfflineGrace   Duration `toml:"offline_grace"`
	RenewStaleness Duration `toml:"renew_staleness"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// MetricsConfig enables the Prometheus endpoint when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr,omitempty"`
}

// NewConfig creates a new Config with the provided values and default paths and limits.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		DeviceID: deviceID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Watch: WatchConfig{
			CoalesceWindow: D(250 * time.Millisecond),
		},
		Install: InstallConfig{
			Enabled:      true,
			BurstCount:   20,
			BurstWindow:  D(10 * time.Second),
			MaxDuration:  D(30 * time.Minute),
			PollInterval: D(5 * time.Second),
		},
		Queue: QueueConfig{
			Debounce:      D(2 * time.Second),
			MaxWait:       D(30 * time.Second),
			Capacity:      500,
			RatePerSecond: 20,
			Burst:         100,
		},
		Scan: ScanConfig{
			Workers:            4,
			MaxFileSize:        64 << 20,
			RetryDelay:         D(500 * time.Millisecond),
			ShutdownGrace:      D(10 * time.Second),
			MaliciousThreshold: "high",
		},
		Rules: RulesConfig{
			Dir:            filepath.Join(baseDir, "rules"),
			UpdateInterval: D(4 * time.Hour),
		},
		Vault: VaultConfig{
			Type:         "filesystem",
			FSVaultRoot:  filepath.Join(baseDir, "quarantine"),
			MaxFiles:     1000,
			MaxSize:      5000 << 20,
			RestoreGrace: D(3 * time.Minute),
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "vigil.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "vigil.key"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		License: LicenseConfig{
			MinPoll:        D(5 * time.Second),
			MaxPoll:        D(60 * time.Second),
			OfflineGrace:   D(24 * time.Hour),
			RenewStaleness: D(30 * 24 * time.Hour),
			RequestTimeout: D(8 * time.Second),
		},
	}
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.License.MinPoll.Duration > c.License.MaxPoll.Duration {
		return fmt.Errorf("invalid config: license.min_poll %s exceeds license.max_poll %s",
			c.License.MinPoll, c.License.MaxPoll)
	}
	switch c.Rules.Source.Type {
	case "http":
		if c.Rules.Source.URL == "" {
			return fmt.Errorf("invalid config: rules.source.url is required for type http")
		}
	case "s3":
		if c.Rules.Source.S3Bucket == "" {
			return fmt.Errorf("invalid config: rules.source.s3_bucket is required for type s3")
		}
	case "file":
		if c.Rules.Source.Dir == "" {
			return fmt.Errorf("invalid config: rules.source.dir is required for type file")
		}
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path and validates it.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may carry auth tokens.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

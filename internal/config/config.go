package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for pf.
type Config struct {
	UserID     string           `toml:"user_id"`
	BaseDir    string           `toml:"base_dir"`
	Log        LogConfig        `toml:"log"`
	Storage    StorageConfig    `toml:"storage"`
	Remote     RemoteConfig     `toml:"remote"`
	Counter    CounterConfig    `toml:"counter"`
	Encryption EncryptionConfig `toml:"encryption"`
	Export     ExportConfig     `toml:"export"`
	Purge      PurgeConfig      `toml:"purge"`
	Watch      WatchConfig      `toml:"watch"`
}

// LogConfig controls the log file and its rotation.
type LogConfig struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`        // "debug", "info" (default), "warn", "error"
	MaxSizeMB  int    `toml:"max_size_mb"`  // rotate after this many megabytes
	MaxBackups int    `toml:"max_backups"`  // rotated files to keep
	MaxAgeDays int    `toml:"max_age_days"` // days to keep rotated files
	Stderr     bool   `toml:"stderr"`       // also write to stderr
}

// StorageConfig represents configuration for local storage.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StorageConfig struct {
	Type string `toml:"type"`          // "filesystem" or "memory"
	Dir  string `toml:"dir,omitempty"` // only used for type=filesystem
}

// RemoteConfig represents configuration for the remote record store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type string `toml:"type"` // "memory", "http", "s3" or "none"

	// TransportKey is the passphrase of the transport cipher.
	TransportKey string `toml:"transport_key"`
	// DeleteSecret confirms remote deletions.
	DeleteSecret string `toml:"delete_secret,omitempty"`

	// HTTP-specific fields (only used when Type == "http")
	HTTPURL     string `toml:"http_url,omitempty"`
	HTTPToken   string `toml:"http_token,omitempty"`
	HTTPTimeout string `toml:"http_timeout,omitempty"` // Go duration, default 30s

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	// ServeAddr is the listen address of `pf serve`.
	ServeAddr string `toml:"serve_addr,omitempty"`
}

// CounterConfig represents configuration for the persistent id counter.
type CounterConfig struct {
	Type string `toml:"type"`           // "sqlite" or "memory"
	Path string `toml:"path,omitempty"` // only used for type=sqlite
}

// EncryptionConfig selects the content and transport ciphers.
type EncryptionConfig struct {
	ContentType   string `toml:"content_type"`   // "aes" (default) or "test"
	TransportType string `toml:"transport_type"` // "aes" (default) or "test"
}

// ExportConfig holds paths to the age key pair used to seal exports.
type ExportConfig struct {
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// PurgeConfig controls the periodic cleanup task.
type PurgeConfig struct {
	Interval         string `toml:"interval"`           // Go duration; empty disables the task
	KeepVersions     int    `toml:"keep_versions"`      // content versions kept per record
	QuarantineMaxAge string `toml:"quarantine_max_age"` // Go duration
}

// WatchConfig controls `pf sync --watch`.
type WatchConfig struct {
	Interval string `toml:"interval"` // Go duration between periodic syncs
	Debounce string `toml:"debounce"` // Go duration to wait after a local change
}

// NewConfig creates a new Config with the provided values and defaults.
func NewConfig(userID, baseDir string) *Config {
	return &Config{
		UserID:  userID,
		BaseDir: baseDir,
		Log: LogConfig{
			Dir:        filepath.Join(baseDir, "log"),
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Storage: StorageConfig{
			Type: "filesystem",
			Dir:  filepath.Join(baseDir, "records"),
		},
		Remote: RemoteConfig{
			Type:      "none",
			ServeAddr: "127.0.0.1:8470",
		},
		Counter: CounterConfig{
			Type: "sqlite",
			Path: filepath.Join(baseDir, "pf.db"),
		},
		Export: ExportConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "export.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "export.key"),
		},
		Purge: PurgeConfig{
			Interval:         "24h",
			KeepVersions:     5,
			QuarantineMaxAge: "720h",
		},
		Watch: WatchConfig{
			Interval: "5m",
			Debounce: "2s",
		},
	}
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

// ReadFromFile reads a Config from the specified file path.
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
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// The file holds secrets, so it is only readable by the owner.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

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

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

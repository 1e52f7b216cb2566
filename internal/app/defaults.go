package app

import (
	"fmt"
	"os"
	"path/filepath"

	"passfiles/internal/config"
)

// Defaults are the settings pf falls back to before a config file exists.
type Defaults struct {
	ConfigPath string
	BaseDir    string

	// RemoteURL and TransportKey, when both set, make new configs sync
	// with a `pf serve` instance.
	RemoteURL    string
	TransportKey string
}

// GetDefaults returns application defaults, checking environment variables first.
// Environment variables:
//   - PF_CONFIG_PATH: config file location (default: ~/.config/pf.toml)
//   - PF_HOME: base directory for pf data (default: ~/.local/share/pf)
//   - PF_REMOTE_URL: http remote for new configs (default: none)
//   - PF_TRANSPORT_KEY: transport passphrase for that remote
func GetDefaults() (*Defaults, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return &Defaults{
		ConfigPath:   configPath,
		BaseDir:      baseDir,
		RemoteURL:    os.Getenv("PF_REMOTE_URL"),
		TransportKey: os.Getenv("PF_TRANSPORT_KEY"),
	}, nil
}

// NewConfig returns the config `pf config init` writes for userID. Storage,
// counter database and logs live under BaseDir.
func (d *Defaults) NewConfig(userID string) (*config.Config, error) {
	cfg := config.NewConfig(userID, d.BaseDir)
	if d.RemoteURL == "" {
		return cfg, nil
	}
	if d.TransportKey == "" {
		return nil, fmt.Errorf("PF_REMOTE_URL is set but PF_TRANSPORT_KEY is not")
	}
	cfg.Remote.Type = "http"
	cfg.Remote.HTTPURL = d.RemoteURL
	cfg.Remote.HTTPTimeout = "30s"
	cfg.Remote.TransportKey = d.TransportKey
	return cfg, nil
}

// getConfigPath returns the config file path, checking PF_CONFIG_PATH env var first,
// then falling back to the default ~/.config/pf.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("PF_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "pf.toml"), nil
}

// getBaseDir returns the base directory for pf data, checking PF_HOME env var first,
// then falling back to the XDG default ~/.local/share/pf.
func getBaseDir() (string, error) {
	if path := os.Getenv("PF_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "pf"), nil
}

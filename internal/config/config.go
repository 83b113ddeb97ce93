package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.ember/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Profile represents a per-profile profile.toml: where to reach the
// backend and how aggressively to retry.
type Profile struct {
	SocketURL  string `toml:"socket_url"`
	APIURL     string `toml:"api_url"`
	StorageURL string `toml:"storage_url"`
	Token      string `toml:"token"`
	UserID     string `toml:"user_id"`

	ReconnectSecs     int `toml:"reconnect_secs"`
	UploadTimeoutSecs int `toml:"upload_timeout_secs"`
	HistoryPageSize   int `toml:"history_page_size"`
	WindowSize        int `toml:"window_size"`
}

// Defaults observed against the production backend.
const (
	DefaultReconnectSecs     = 5
	DefaultUploadTimeoutSecs = 30
	DefaultHistoryPageSize   = 50
	DefaultWindowSize        = 200
)

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadProfile reads a profile.toml and applies defaults for unset tuning knobs.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	_, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, err
	}
	p.applyDefaults()
	return &p, nil
}

// SaveProfile writes a profile.toml, creating parent dirs as needed.
func SaveProfile(path string, p *Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(p)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (p *Profile) applyDefaults() {
	if p.ReconnectSecs <= 0 {
		p.ReconnectSecs = DefaultReconnectSecs
	}
	if p.UploadTimeoutSecs <= 0 {
		p.UploadTimeoutSecs = DefaultUploadTimeoutSecs
	}
	if p.HistoryPageSize <= 0 {
		p.HistoryPageSize = DefaultHistoryPageSize
	}
	if p.WindowSize <= 0 {
		p.WindowSize = DefaultWindowSize
	}
}

// ReconnectInterval returns the reconnect retry interval.
func (p *Profile) ReconnectInterval() time.Duration {
	return time.Duration(p.ReconnectSecs) * time.Second
}

// UploadTimeout returns the hard cap for a single media upload.
func (p *Profile) UploadTimeout() time.Duration {
	return time.Duration(p.UploadTimeoutSecs) * time.Second
}

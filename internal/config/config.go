package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.hostlink/config.toml.
type Config struct {
	DefaultProfile   string `toml:"default_profile"`
	StagingTimeoutMS int64  `toml:"staging_timeout_ms"`
	PersistQuietMS   int64  `toml:"persist_quiet_ms"`
	Hosts            []Host `toml:"hosts"`
}

// Host is a remote execution host the daemon keeps a channel open to.
type Host struct {
	ID    string `toml:"id"`
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// StagingTimeout returns the media staging timeout, defaulting to 30s.
func (c *Config) StagingTimeout() time.Duration {
	if c.StagingTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.StagingTimeoutMS) * time.Millisecond
}

// PersistQuiet returns the snapshot debounce window, defaulting to 260ms.
func (c *Config) PersistQuiet() time.Duration {
	if c.PersistQuietMS <= 0 {
		return 260 * time.Millisecond
	}
	return time.Duration(c.PersistQuietMS) * time.Millisecond
}

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

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/astromechza/holoboard/pkg/durable"
	"github.com/astromechza/holoboard/pkg/session"
	"github.com/astromechza/holoboard/pkg/undo"
)

// Config holds the client settings. Flags override whatever a config file provides.
type Config struct {
	RelayURL        string          `yaml:"relay_url"`
	APIURL          string          `yaml:"api_url"`
	DataDir         string          `yaml:"data_dir"`
	UserID          string          `yaml:"user_id"`
	DisplayName     string          `yaml:"display_name"`
	Backoff         session.Backoff `yaml:"backoff"`
	CaptureTimeout  time.Duration   `yaml:"capture_timeout"`
	PersistInterval time.Duration   `yaml:"persist_interval"`
}

func Default() Config {
	dataDir := ".holoboard"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".holoboard")
	}
	return Config{
		DataDir:         dataDir,
		Backoff:         session.DefaultBackoff(),
		CaptureTimeout:  undo.DefaultCaptureTimeout,
		PersistInterval: durable.DefaultPersistInterval,
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every networked command needs.
func (c Config) Validate() error {
	if c.RelayURL == "" {
		return session.ErrMissingRelay
	}
	if _, err := session.Endpoint(c.RelayURL, "validate", "validate"); err != nil {
		return fmt.Errorf("invalid relay_url: %w", err)
	}
	if c.APIURL != "" {
		u, err := url.Parse(c.APIURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid api_url %q: must be an http(s) url", c.APIURL)
		}
	}
	if c.Backoff.Initial < 0 || c.Backoff.Max < 0 || (c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1) {
		return fmt.Errorf("invalid backoff: durations must be positive and multiplier at least 1")
	}
	if c.PersistInterval < 0 {
		return fmt.Errorf("persist_interval must not be negative")
	}
	return nil
}

// LocalStorePath is the sqlite file that holds durable room state.
func (c Config) LocalStorePath() string {
	return filepath.Join(c.DataDir, "rooms.sqlite3")
}

// UserIDPath is the file that remembers a generated user id between runs.
func (c Config) UserIDPath() string {
	return filepath.Join(c.DataDir, "user_id")
}

// EnsureUserID fills in UserID when none is configured, reusing the id stored in the data dir or generating and
// storing a new one, so boards saved by earlier runs are still listed under the same user.
func (c *Config) EnsureUserID() error {
	if c.UserID != "" {
		return nil
	}
	raw, err := os.ReadFile(c.UserIDPath())
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			c.UserID = id
			return nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read user id: %w", err)
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(c.UserIDPath(), []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to store user id: %w", err)
	}
	c.UserID = id
	return nil
}

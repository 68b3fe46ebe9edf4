// Package config loads the capture configuration from a blackbox
// config file in YAML, TOML or JSON form.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/blackbox/internal/ring"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no blackbox config file found")

// Echo mode names accepted in config files.
const (
	EchoOff   = "off"
	EchoStore = "echo"
	EchoOnly  = "echo-only"
)

// Config is the parsed capture configuration.
type Config struct {
	// Capacity is the ring store size in entries. Default: 500.
	Capacity int `yaml:"capacity" toml:"capacity" json:"capacity"`

	// WritesBeforeFlush is how many drain calls happen between durable
	// flushes of the log file. Default: 1 (flush every drain).
	WritesBeforeFlush int `yaml:"writes_before_flush" toml:"writes_before_flush" json:"writes_before_flush"`

	// Echo selects the diagnostic echo mode: "off", "echo" (echo and
	// store) or "echo-only" (never stored). Default: "off".
	Echo string `yaml:"echo" toml:"echo" json:"echo"`

	// Dir is the directory log files are drained to. Empty disables
	// draining to disk (RAM-only logging).
	Dir string `yaml:"dir" toml:"dir" json:"dir"`

	// Server is the collector endpoint for uploads: host[:port],
	// ws(s)://..., or s3://bucket/prefix. Empty disables upload.
	Server string `yaml:"server" toml:"server" json:"server"`
}

// Load finds and parses a blackbox config file from the given directory.
func Load(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{".blackbox.yaml", parseYAML},
		{".blackbox.yml", parseYAML},
		{".blackbox.toml", parseTOML},
		{".blackbox.json", parseJSON},
		{"blackbox.yaml", parseYAML},
		{"blackbox.yml", parseYAML},
		{"blackbox.toml", parseTOML},
		{"blackbox.json", parseJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // File doesn't exist, try next
		}

		var cfg Config
		if err := c.parser(data, &cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}

		cfg.applyDefaults()

		if err := cfg.Validate(); err != nil {
			return nil, c.name, fmt.Errorf("validate %s: %w", c.name, err)
		}

		return &cfg, c.name, nil
	}

	return nil, "", ErrNoConfig
}

// Default returns a config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.Capacity < 1 {
		return errors.New("capacity must be at least 1")
	}
	if c.WritesBeforeFlush < 1 {
		return errors.New("writes_before_flush must be at least 1")
	}
	switch c.Echo {
	case EchoOff, EchoStore, EchoOnly:
	default:
		return fmt.Errorf("echo must be %q, %q or %q", EchoOff, EchoStore, EchoOnly)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 500
	}
	if c.WritesBeforeFlush == 0 {
		c.WritesBeforeFlush = 1
	}
	if c.Echo == "" {
		c.Echo = EchoOff
	}
}

// EchoMode maps the configured echo string to the ring constant.
func (c *Config) EchoMode() ring.EchoMode {
	switch c.Echo {
	case EchoStore:
		return ring.EchoStore
	case EchoOnly:
		return ring.EchoOnly
	default:
		return ring.EchoOff
	}
}

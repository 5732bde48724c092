// Package config loads chatsync settings from YAML.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
)

// Store kinds.
const (
	StoreNone     = "none"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

const (
	defaultOrphanLogSize   = 256
	defaultServerAddr      = "127.0.0.1:8787"
	defaultBroadcastBuffer = 256
)

// Config is the full settings file.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Watch     WatchConfig     `yaml:"watch"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
}

// LogConfig configures logging.New.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ReconcileConfig maps onto reconcile options.
type ReconcileConfig struct {
	OrphanLogSize     int  `yaml:"orphan_log_size"`
	MaxMessages       int  `yaml:"max_messages"`
	IncludeSidechains bool `yaml:"include_sidechains"`
}

// WatchConfig lists files for the follow command.
type WatchConfig struct {
	Paths []string `yaml:"paths"`
}

// ServerConfig configures the HTTP and WebSocket server.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	BroadcastBuffer int      `yaml:"broadcast_buffer"`
}

// StoreConfig selects where messages are persisted.
type StoreConfig struct {
	Kind string `yaml:"kind"`
	Dir  string `yaml:"dir"`
	DSN  string `yaml:"dsn"`
}

// Default returns the settings used when no file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Reconcile.OrphanLogSize == 0 {
		c.Reconcile.OrphanLogSize = defaultOrphanLogSize
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
	if c.Server.BroadcastBuffer == 0 {
		c.Server.BroadcastBuffer = defaultBroadcastBuffer
	}
	if c.Store.Kind == "" {
		c.Store.Kind = StoreNone
	}
}

// Load reads path. A missing file yields the defaults; fields left empty
// in the file are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML settings.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Reconcile.OrphanLogSize < 0 {
		result = multierror.Append(result, fmt.Errorf("reconcile.orphan_log_size: must not be negative"))
	}
	if c.Reconcile.MaxMessages < 0 {
		result = multierror.Append(result, fmt.Errorf("reconcile.max_messages: must not be negative"))
	}
	if c.Server.BroadcastBuffer < 0 {
		result = multierror.Append(result, fmt.Errorf("server.broadcast_buffer: must not be negative"))
	}
	switch c.Store.Kind {
	case StoreNone:
	case StoreFile:
		if c.Store.Dir == "" {
			result = multierror.Append(result, fmt.Errorf("store.dir: required for kind %q", StoreFile))
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			result = multierror.Append(result, fmt.Errorf("store.dsn: required for kind %q", StorePostgres))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("store.kind: unknown kind %q", c.Store.Kind))
	}
	return result.ErrorOrNil()
}

// LogOptions returns the logging options these settings describe.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format, File: c.Log.File}
}

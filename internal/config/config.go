// Package config loads the devbridge configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/standardbeagle/devbridge/internal/inspector"
	"github.com/standardbeagle/devbridge/internal/logging"
	"github.com/standardbeagle/devbridge/internal/router"
	"github.com/standardbeagle/devbridge/internal/transform"
)

// Duration is a time.Duration written as "1s" or "250ms" in config files.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Connection      ConnectionConfig `toml:"connection" yaml:"connection"`
	Retry           RetryConfig      `toml:"retry" yaml:"retry"`
	EventBufferSize int              `toml:"event_buffer_size" yaml:"event_buffer_size"`
	CommandTimeout  Duration         `toml:"command_timeout" yaml:"command_timeout"`
	Domains         []string         `toml:"domains" yaml:"domains"`
	Router          RouterConfig     `toml:"router" yaml:"router"`
	Server          ServerConfig     `toml:"server" yaml:"server"`
	Log             LogConfig        `toml:"log" yaml:"log"`
}

type ConnectionConfig struct {
	Host            string       `toml:"host" yaml:"host"`
	Port            int          `toml:"port" yaml:"port"`
	Secure          bool         `toml:"secure" yaml:"secure"`
	Target          string       `toml:"target" yaml:"target"`
	AutoAttach      bool         `toml:"auto_attach" yaml:"auto_attach"`
	FlattenSessions bool         `toml:"flatten_sessions" yaml:"flatten_sessions"`
	WebSocketURL    string       `toml:"websocket_url" yaml:"websocket_url"`
	Launch          LaunchConfig `toml:"launch" yaml:"launch"`
}

type LaunchConfig struct {
	Enabled  bool              `toml:"enabled" yaml:"enabled"`
	Bin      string            `toml:"bin" yaml:"bin"`
	Headless bool              `toml:"headless" yaml:"headless"`
	Flags    map[string]string `toml:"flags,omitempty" yaml:"flags,omitempty"`
}

type RetryConfig struct {
	Enabled       bool     `toml:"enabled" yaml:"enabled"`
	MaxAttempts   int      `toml:"max_attempts" yaml:"max_attempts"`
	Delay         Duration `toml:"delay" yaml:"delay"`
	BackoffFactor float64  `toml:"backoff_factor" yaml:"backoff_factor"`
	MaxDelay      Duration `toml:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

type RouterConfig struct {
	// DefaultRoute installs a catch-all handler that logs unmatched messages
	// instead of queueing them.
	DefaultRoute bool            `toml:"default_route" yaml:"default_route"`
	Queue        QueueConfig     `toml:"queue" yaml:"queue"`
	RateLimit    RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

type QueueConfig struct {
	Enabled         bool     `toml:"enabled" yaml:"enabled"`
	MaxSize         int      `toml:"max_size" yaml:"max_size"`
	ProcessInterval Duration `toml:"process_interval" yaml:"process_interval"`
}

type RateLimitConfig struct {
	PerSecond int `toml:"per_second" yaml:"per_second"`
}

type ServerConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
}

type LogConfig struct {
	Level      string `toml:"level" yaml:"level"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	Debug      bool   `toml:"debug" yaml:"debug"`
}

const DefaultListen = "127.0.0.1:7878"

// Default mirrors inspector.DefaultConfig and the router defaults.
func Default() *Config {
	ic := inspector.DefaultConfig()
	return &Config{
		Connection: ConnectionConfig{
			Host:            ic.Connection.Host,
			Port:            ic.Connection.Port,
			AutoAttach:      ic.Connection.AutoAttach,
			FlattenSessions: ic.Connection.FlattenSessions,
			Launch:          LaunchConfig{Headless: ic.Connection.Launch.Headless},
		},
		Retry: RetryConfig{
			Enabled:       ic.Retry.Enabled,
			MaxAttempts:   ic.Retry.MaxAttempts,
			Delay:         Duration(ic.Retry.Delay),
			BackoffFactor: ic.Retry.BackoffFactor,
		},
		EventBufferSize: ic.EventBufferSize,
		CommandTimeout:  Duration(ic.CommandTimeout),
		Domains:         ic.Domains,
		Router: RouterConfig{
			Queue: QueueConfig{
				Enabled:         true,
				MaxSize:         router.DefaultQueueSize,
				ProcessInterval: Duration(router.DefaultProcessInterval),
			},
		},
		Server: ServerConfig{Listen: DefaultListen},
		Log:    LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
	}
}

// DefaultPath returns ~/.devbridge/config.toml, creating the directory.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(homeDir, ".devbridge")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return filepath.Join(configDir, "config.toml"), nil
}

// Load reads path over Default and validates the result. The extension
// picks the format: .yaml/.yml for YAML, anything else TOML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional is Load, except a missing file yields the defaults.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
		return nil
	}
}

// Save writes cfg to path in the format its extension selects.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	default:
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Validate reports the first invalid value as a *router.ConfigurationError.
func (c *Config) Validate() error {
	invalid := func(component, field, reason string) error {
		return &router.ConfigurationError{Component: component, Field: field, Reason: reason}
	}

	if c.Connection.WebSocketURL == "" && !c.Connection.Launch.Enabled {
		if c.Connection.Host == "" {
			return invalid("connection", "host", "must not be empty")
		}
		if c.Connection.Port <= 0 || c.Connection.Port > 65535 {
			return invalid("connection", "port", fmt.Sprintf("%d is out of range", c.Connection.Port))
		}
	}
	if c.Retry.Enabled {
		if c.Retry.MaxAttempts <= 0 {
			return invalid("retry", "max_attempts", "must be positive")
		}
		if c.Retry.Delay <= 0 {
			return invalid("retry", "delay", "must be positive")
		}
		if c.Retry.BackoffFactor < 1 {
			return invalid("retry", "backoff_factor", "must be at least 1")
		}
	}
	if c.EventBufferSize <= 0 {
		return invalid("inspector", "event_buffer_size", "must be positive")
	}
	if c.CommandTimeout <= 0 {
		return invalid("inspector", "command_timeout", "must be positive")
	}
	for _, d := range c.Domains {
		if strings.TrimSpace(d) == "" {
			return invalid("inspector", "domains", "domain names must not be empty")
		}
	}
	if c.Router.Queue.Enabled {
		if c.Router.Queue.MaxSize <= 0 {
			return invalid("router", "queue.max_size", "must be positive")
		}
		if c.Router.Queue.ProcessInterval <= 0 {
			return invalid("router", "queue.process_interval", "must be positive")
		}
	}
	if c.Router.RateLimit.PerSecond < 0 {
		return invalid("router", "rate_limit.per_second", "must not be negative")
	}
	if c.Server.Listen == "" {
		return invalid("server", "listen", "must not be empty")
	}
	if c.Log.Level != "" {
		switch c.Log.Level {
		case "debug", "info", "warn", "error":
		default:
			return invalid("log", "level", fmt.Sprintf("unknown level %q", c.Log.Level))
		}
	}
	return nil
}

func (c *Config) InspectorConfig() inspector.Config {
	return inspector.Config{
		Connection: inspector.ConnectionConfig{
			Host:            c.Connection.Host,
			Port:            c.Connection.Port,
			Secure:          c.Connection.Secure,
			Target:          c.Connection.Target,
			AutoAttach:      c.Connection.AutoAttach,
			FlattenSessions: c.Connection.FlattenSessions,
			WebSocketURL:    c.Connection.WebSocketURL,
			Launch: inspector.LaunchConfig{
				Enabled:  c.Connection.Launch.Enabled,
				Bin:      c.Connection.Launch.Bin,
				Headless: c.Connection.Launch.Headless,
				Flags:    c.Connection.Launch.Flags,
			},
		},
		Retry: inspector.RetryConfig{
			Enabled:       c.Retry.Enabled,
			MaxAttempts:   c.Retry.MaxAttempts,
			Delay:         c.Retry.Delay.Std(),
			BackoffFactor: c.Retry.BackoffFactor,
			MaxDelay:      c.Retry.MaxDelay.Std(),
		},
		EventBufferSize: c.EventBufferSize,
		CommandTimeout:  c.CommandTimeout.Std(),
		Domains:         append([]string(nil), c.Domains...),
	}
}

// RouterConfig returns the queue and transform settings. Routes and
// handlers are installed by the bridge.
func (c *Config) RouterConfig() router.Config {
	cfg := router.Config{
		Queue: router.QueueConfig{
			Enabled:         c.Router.Queue.Enabled,
			MaxSize:         c.Router.Queue.MaxSize,
			ProcessInterval: c.Router.Queue.ProcessInterval.Std(),
		},
	}
	if c.Router.RateLimit.PerSecond > 0 {
		cfg.Transforms = append(cfg.Transforms, transform.RateLimit(c.Router.RateLimit.PerSecond))
	}
	return cfg
}

func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		Debug:      c.Log.Debug,
	}
}

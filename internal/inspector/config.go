package inspector

import (
	"math"
	"time"
)

// ConnectionConfig says where the inspector endpoint lives.
type ConnectionConfig struct {
	Host            string
	Port            int
	Secure          bool
	Target          string // optional target id to attach to after connecting
	AutoAttach      bool
	FlattenSessions bool
	WebSocketURL    string // bypasses /json/version discovery when set
	Launch          LaunchConfig
}

// LaunchConfig controls starting a local Chrome instead of connecting to one.
type LaunchConfig struct {
	Enabled  bool
	Bin      string
	Headless bool
	Flags    map[string]string
}

// RetryConfig controls reconnect scheduling.
type RetryConfig struct {
	Enabled       bool
	MaxAttempts   int
	Delay         time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration // zero means uncapped
}

// Backoff returns the delay before reconnect attempt number attempt
// (zero based): Delay * BackoffFactor^attempt.
func (r RetryConfig) Backoff(attempt int) time.Duration {
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	delay := time.Duration(float64(r.Delay) * math.Pow(factor, float64(attempt)))
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	return delay
}

type Config struct {
	Connection      ConnectionConfig
	Retry           RetryConfig
	EventBufferSize int
	CommandTimeout  time.Duration
	Domains         []string // enabled on every new session
}

const (
	DefaultEventBufferSize = 1000
	DefaultCommandTimeout  = 30 * time.Second
)

func DefaultConfig() Config {
	return Config{
		Connection: ConnectionConfig{
			Host:            "127.0.0.1",
			Port:            9222,
			AutoAttach:      true,
			FlattenSessions: true,
			Launch:          LaunchConfig{Headless: true},
		},
		Retry: RetryConfig{
			Enabled:       true,
			MaxAttempts:   5,
			Delay:         time.Second,
			BackoffFactor: 2,
		},
		EventBufferSize: DefaultEventBufferSize,
		CommandTimeout:  DefaultCommandTimeout,
		Domains:         []string{"Page", "Runtime", "Network"},
	}
}

func (c Config) withDefaults() Config {
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	return c
}

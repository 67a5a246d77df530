// Package logging builds the zap loggers used across devbridge.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string // debug, info, warn, error
	File       string // rotated log file; empty logs to stderr only
	MaxSizeMB  int
	MaxBackups int
	Debug      bool
	// Quiet suppresses stderr output, for stdio transports that own stdout
	// and stderr.
	Quiet bool
}

// Logger pairs a zap logger with the level that controls it.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
	base  zapcore.Level

	mu     sync.Mutex
	closer io.Closer
}

// New builds a logger: a console encoder on stderr and, when cfg.File is set,
// a JSON encoder into a lumberjack-rotated file.
func New(cfg Config) (*Logger, error) {
	base := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := base.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}
	level := zap.NewAtomicLevelAt(base)
	if cfg.Debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	var cores []zapcore.Core
	if !cfg.Quiet {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level))
	}

	l := &Logger{level: level, base: base}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 10),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
		}
		enc := zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(rotator), level))
		l.closer = rotator
	}

	if len(cores) == 0 {
		l.Logger = zap.NewNop()
		return l, nil
	}
	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return l, nil
}

// NewWriter logs JSON to w at the given level. Tests use it to capture
// output.
func NewWriter(w io.Writer, level zapcore.Level) *Logger {
	atomic := zap.NewAtomicLevelAt(level)
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(w), atomic)
	return &Logger{Logger: zap.New(core), level: atomic, base: level}
}

// SetDebug switches debug output on, or back to the configured level.
func (l *Logger) SetDebug(enabled bool) {
	if enabled {
		l.level.SetLevel(zapcore.DebugLevel)
		return
	}
	l.mu.Lock()
	base := l.base
	l.mu.Unlock()
	l.level.SetLevel(base)
}

func (l *Logger) DebugEnabled() bool {
	return l.level.Enabled(zapcore.DebugLevel)
}

// SetLevel changes the configured level at runtime.
func (l *Logger) SetLevel(level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	l.mu.Lock()
	l.base = lvl
	l.mu.Unlock()
	l.level.SetLevel(lvl)
	return nil
}

func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// Close flushes buffered entries and closes the log file.
func (l *Logger) Close() error {
	_ = l.Sync()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

package core

import (
	"log/slog"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

// SetLogger sets the logger picked up by configurations created afterwards.
// Passing nil restores slog.Default().
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

// Logger returns the package logger.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Config holds runtime settings shared by the modules of one runtime.
type Config struct {
	// ListenerConcurrency bounds the number of listener callbacks running at
	// once for a single notification.
	ListenerConcurrency int
	Logger              *slog.Logger
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		ListenerConcurrency: 4,
		Logger:              Logger(),
	}
}

// WithListenerConcurrency sets the listener pool size
func (c *Config) WithListenerConcurrency(level int) *Config {
	if level > 0 {
		c.ListenerConcurrency = level
	} else {
		c.ListenerConcurrency = 1 // Reset to default value for invalid inputs
	}
	return c
}

// WithLogger sets the logger
func (c *Config) WithLogger(logger *slog.Logger) *Config {
	if logger != nil {
		c.Logger = logger
	}
	return c
}

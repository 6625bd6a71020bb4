// Package logger builds the process zap logger and hands out named
// children so every component logs under its own name.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger. Development mode switches to the console
// encoder with colored levels; production emits JSON.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// Registry caches named child loggers of a single base logger.
type Registry struct {
	base    *zap.Logger
	mu      sync.Mutex
	loggers map[string]*zap.Logger
}

func NewRegistry(base *zap.Logger) *Registry {
	return &Registry{base: base, loggers: make(map[string]*zap.Logger)}
}

// Get returns the child logger for name, creating it on first use.
func (r *Registry) Get(name string) *zap.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loggers[name]; ok {
		return l
	}
	l := r.base.Named(name)
	r.loggers[name] = l
	return l
}

// Base returns the root logger without a name.
func (r *Registry) Base() *zap.Logger { return r.base }

// Sync flushes the root logger. Errors from syncing stdout/stderr are
// ignored since they are not real write failures on most platforms.
func (r *Registry) Sync() {
	_ = r.base.Sync()
}

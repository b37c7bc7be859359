// Package logging owns the process-wide log level and builds zap loggers
// that follow it.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultLevel is the level the cell starts at and returns to on ResetLevel.
const DefaultLevel = zapcore.InfoLevel

var (
	levelOnce sync.Once
	level     zap.AtomicLevel
)

func cell() zap.AtomicLevel {
	levelOnce.Do(func() {
		level = zap.NewAtomicLevelAt(DefaultLevel)
	})
	return level
}

// SetLevel changes the level of every logger built by this package.
func SetLevel(l zapcore.Level) {
	cell().SetLevel(l)
}

// SetLevelName parses and applies a level name such as "debug".
func SetLevelName(name string) error {
	l, err := zapcore.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid log level '%s': %w", name, err)
	}
	SetLevel(l)
	return nil
}

// Level returns the current process-wide level.
func Level() zapcore.Level {
	return cell().Level()
}

// ResetLevel restores DefaultLevel.
func ResetLevel() {
	cell().SetLevel(DefaultLevel)
}

// AtomicLevel exposes the cell, for example to serve it over HTTP.
func AtomicLevel() zap.AtomicLevel {
	return cell()
}

// New builds a logger bound to the process-wide level. format is "json"
// (production encoder) or "console" (development encoder); an empty level
// keeps the current one.
func New(levelName, format string) (*zap.Logger, error) {
	var config zap.Config
	switch format {
	case "", "json":
		config = zap.NewProductionConfig()
	case "console":
		config = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format '%s'", format)
	}
	if levelName != "" {
		if err := SetLevelName(levelName); err != nil {
			return nil, err
		}
	}
	config.Level = cell()
	return config.Build()
}

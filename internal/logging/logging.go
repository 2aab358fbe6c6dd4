// Package logging builds the zap loggers used by the head and the factories.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnv overrides the configured level when set.
const LevelEnv = "FLEET_LOG_LEVEL"

// Config describes the logger to build.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Development enables the human-friendly development settings.
	Development bool `yaml:"development,omitempty" json:"development,omitempty"`

	// Encoding is json or console. Defaults to the encoding of the mode.
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"`

	// OutputPaths default to stderr.
	OutputPaths []string `yaml:"outputPaths,omitempty" json:"outputPaths,omitempty"`
}

// New builds a logger from the configuration. The level can be changed later
// through the returned AtomicLevel.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}

	level := cfg.Level
	if v, ok := os.LookupEnv(LevelEnv); ok && v != "" {
		level = v
	}
	if level != "" {
		l, err := ParseLevel(level)
		if err != nil {
			return nil, zap.AtomicLevel{}, err
		}
		zc.Level = zap.NewAtomicLevelAt(l)
	}

	switch cfg.Encoding {
	case "":
	case "json", "console":
		zc.Encoding = cfg.Encoding
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("unknown log encoding %q", cfg.Encoding)
	}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, zc.Level, nil
}

// ParseLevel parses a level name, case insensitive.
func ParseLevel(name string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		return l, fmt.Errorf("unknown log level %q", name)
	}
	return l, nil
}

// Named returns a child of the logger, or a no-op logger when it is nil.
func Named(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named(name)
}

// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvLogLevel  = "PHOTDEBLEND_LOG_LEVEL"
	EnvLogFormat = "PHOTDEBLEND_LOG_FORMAT"
)

// Options selects the logger configuration before environment overrides.
type Options struct {
	Verbose bool
	// Format is "console" or "json"; empty picks console.
	Format string
}

// New builds a logger. Verbose selects debug level; the environment
// overrides both level and format.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	cfg.Sampling = nil
	if opts.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if opts.Format != "" {
		format, ok := parseFormat(opts.Format)
		if !ok {
			return nil, fmt.Errorf("unknown log format %q", opts.Format)
		}
		cfg.Encoding = format
	}
	applyEnvOverrides(&cfg)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func applyEnvOverrides(cfg *zap.Config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if format, ok := parseFormat(os.Getenv(EnvLogFormat)); ok {
		cfg.Encoding = format
	}
}

func parseLevel(raw string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zapcore.InfoLevel, false
	case "debug", "trace":
		return zapcore.DebugLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	case "off", "none", "disabled":
		return zapcore.FatalLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

func parseFormat(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "console", "text":
		return "console", true
	case "json":
		return "json", true
	default:
		return "", false
	}
}

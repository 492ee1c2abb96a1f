// Package logging wires zap into the broker with a process-wide fallback
// logger so that components without an injected logger still emit structured
// output.
package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalMu     sync.RWMutex
	globalLogger = zap.NewNop()
)

// Config captures the logging tunables exposed through the environment.
type Config struct {
	Level string
	// Path receives log output when non-empty; stderr is used otherwise.
	Path string
}

func parseLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New constructs a production JSON logger and installs it as the global
// fallback.
func New(cfg Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	if path := strings.TrimSpace(cfg.Path); path != "" {
		zcfg.OutputPaths = []string{path}
		zcfg.ErrorOutputPaths = []string{path}
	}
	logger, err := zcfg.Build(zap.Fields(zap.String("service", "broker")))
	if err != nil {
		return nil, err
	}
	ReplaceGlobals(logger)
	return logger, nil
}

// NewTestLogger returns a logger that discards output, suitable for tests.
func NewTestLogger() *zap.Logger {
	return zap.NewNop()
}

// ReplaceGlobals swaps the fallback logger used when no logger was injected.
func ReplaceGlobals(logger *zap.Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

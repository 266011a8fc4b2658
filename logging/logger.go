// Package logging builds the logr.Logger handed to loops, transports and engines.
package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels, used as logger.V(level).
const (
	DEFAULT = 0
	DEBUG   = 1 // connection and peer lifecycle
	TRACE   = 2 // per-message drops and retries
)

// ParseLevel maps "info", "debug" and "trace" to a verbosity.
func ParseLevel(level string) (int, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return DEFAULT, nil
	case "debug":
		return DEBUG, nil
	case "trace":
		return TRACE, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// New creates a production zap logger at the named level.
func New(level string) (logr.Logger, error) {
	v, err := ParseLevel(level)
	if err != nil {
		return logr.Discard(), err
	}
	cfg := uberzap.NewProductionConfig()
	cfg.Level = uberzap.NewAtomicLevelAt(zapcore.Level(-v))
	cfg.Sampling = nil
	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}

// NewDevelopment creates a human readable console logger that prints every
// level.
func NewDevelopment() (logr.Logger, error) {
	cfg := uberzap.NewDevelopmentConfig()
	cfg.Level = uberzap.NewAtomicLevelAt(zapcore.Level(-TRACE))
	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}

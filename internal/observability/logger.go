// Package observability holds the process-wide logger and metrics.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileConsole    = "console"
	ProfileStructured = "structured"
)

// CLILogger is the logger used by command handlers. It discards output until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger installs a console logger on stderr named after the binary.
// Verbose lowers the level to debug.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = newLogger(name, level, ProfileConsole)
}

// NewLogger builds a logger from configuration values. An unknown profile
// falls back to console output.
func NewLogger(name, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return newLogger(name, lvl, strings.ToLower(profile)), nil
}

func newLogger(name string, level zapcore.Level, profile string) *zap.Logger {
	var enc zapcore.Encoder
	switch profile {
	case ProfileStructured:
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	default:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.CallerKey = zapcore.OmitKey
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core).Named(name)
}

// Package observability provides the process-wide logger.
//
// Commands log operational detail to stderr through CLILogger so stdout
// stays clean for command output (tables, JSON) that operators pipe into
// other tools.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the shared logger for CLI commands. It is a no-op until
// InitCLILogger runs, so packages can log unconditionally.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger.
//
// level is a zap level name ("debug", "info", "warn", "error"). format is
// "console" for human-readable output or "json" for structured records.
func InitCLILogger(level, format string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	switch format {
	case "", "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	case "json":
		cfg.Encoding = "json"
	default:
		return fmt.Errorf("invalid log format %q (want console or json)", format)
	}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	CLILogger = logger
	return nil
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	_ = CLILogger.Sync()
}

// Package logger provides the application's slog-based logging setup.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
)

// Module provides the root logger via fx
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
)

// Scope returns a slog attribute identifying the logging component.
// Loggers are scoped with dotted paths, e.g. "embedqueue.worker".
func Scope(scope string) slog.Attr {
	return slog.String("scope", scope)
}

// Error returns a slog attribute for an error value
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// NewLogger creates the root slog logger. Level comes from LOG_LEVEL
// (debug|info|warn|error, default info). Local environments get a text
// handler, everything else JSON.
func NewLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if env := os.Getenv("ENVIRONMENT"); env == "" || env == "local" || env == "development" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

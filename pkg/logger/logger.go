// Package logger provides the process-wide structured logger, a logr facade
// backed by zerolog.
package logger

import (
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// Logger is the structured logger handed around between packages.
type Logger = logr.Logger

var defaultLogger = newLogger("info")

func newLogger(level string) logr.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().
		Logger()

	return zerologr.New(&zl)
}

// InitFromLevel replaces the default logger with one at the given level
// ("debug", "info", "warn", "error").
func InitFromLevel(level string) {
	defaultLogger = newLogger(level)
}

// GetLogger returns the default logger.
func GetLogger() logr.Logger {
	return defaultLogger
}

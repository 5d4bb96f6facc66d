package util

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	logger     *slog.Logger
	loggerOnce sync.Once
	level      = new(slog.LevelVar)
	verbose    bool
)

// InitLogger installs the process logger on stdout. Verbose selects debug level.
func InitLogger(v bool) {
	InitLoggerTo(os.Stdout, v)
}

// InitLoggerTo is InitLogger with an explicit destination.
func InitLoggerTo(w io.Writer, v bool) {
	verbose = v
	if v {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			// Fallback initialization with INFO level
			InitLogger(IsVerbose())
		}
	})
	return logger
}

// IsVerbose reports whether verbose output was requested, either through
// InitLogger or a --verbose argument seen before the logger was set up.
func IsVerbose() bool {
	if verbose {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--verbose" || arg == "-v" {
			return true
		}
	}
	return false
}

package util

import (
	"bytes"
	"context"
	"log"
	"log/slog"
)

// NewStdLogger returns a standard library logger that forwards each line to
// the process logger at level, tagged with component. It is meant for
// http.Server.ErrorLog and similar hooks.
func NewStdLogger(component string, lvl slog.Level) *log.Logger {
	return log.New(&logWriter{logger: GetLogger().With("component", component), level: lvl}, "", 0)
}

// SetupGlobalLogger replaces the standard log package output.
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger(), level: slog.LevelInfo})
}

type logWriter struct {
	logger *slog.Logger
	level  slog.Level
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Log(context.Background(), w.level, string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// Package logger provides the structured logger shared by the dispatcher,
// the connector and the feeds.
//
// One Logger is built at startup and passed down explicitly; there is no
// package-level default.
package logger

import (
	"io"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// Logger is a leveled key/value logger
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
	// With returns a logger that adds keyvals to every line
	With(keyvals ...any) Logger
}

// Config controls how log lines are rendered
type Config struct {
	Level      string
	JSON       bool
	Output     io.Writer
	TimeFormat string
}

type charmLogger struct {
	under *charmlog.Logger
}

// New builds a Logger from cfg, falling back to info level on stderr
func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = "15:04:05"
	}
	under := charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Level:           parseLevel(cfg.Level),
	})
	if cfg.JSON {
		under.SetFormatter(charmlog.JSONFormatter)
	}
	return &charmLogger{under}
}

// NewNop returns a logger that throws everything away
func NewNop() Logger {
	return &charmLogger{charmlog.New(io.Discard)}
}

func parseLevel(level string) charmlog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return charmlog.DebugLevel
	case "warn":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

func (l *charmLogger) Debug(msg string, keyvals ...any) {
	l.under.Debug(msg, keyvals...)
}

func (l *charmLogger) Info(msg string, keyvals ...any) {
	l.under.Info(msg, keyvals...)
}

func (l *charmLogger) Warn(msg string, keyvals ...any) {
	l.under.Warn(msg, keyvals...)
}

func (l *charmLogger) Error(msg string, keyvals ...any) {
	l.under.Error(msg, keyvals...)
}

func (l *charmLogger) With(keyvals ...any) Logger {
	return &charmLogger{l.under.With(keyvals...)}
}

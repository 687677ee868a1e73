// Package obslog wraps logrus with the driver's logging conventions.
package obslog

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps *logrus.Logger so call sites can depend on a narrow type.
type Logger struct {
	*logrus.Logger
}

// Config controls level and rendering.
type Config struct {
	Level  string // trace|debug|info|warn|error
	Pretty bool   // text formatter with full timestamps instead of JSON
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.Pretty {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l}
}

// NewDefault returns an info-level, JSON-formatted logger for tests and
// package-level fallbacks.
func NewDefault() *Logger {
	return New(Config{Level: "info"})
}

// WithField returns a new entry carrying one field.
func (l *Logger) WithField(key string, value any) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new entry carrying several fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

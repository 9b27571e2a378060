// Package logging provides structured, component-tagged logging for the
// CNC control core, with a sanitization hook that redacts attached field
// values whose key looks sensitive or whose value looks like a JWT. Other
// field values, such as command text, and log messages themselves are not
// inspected.
package logging

import (
	"io"
	"os"
	"regexp"

	"github.com/sirupsen/logrus"
)

// Level mirrors logrus.Level with names matching this codebase's
// vocabulary rather than logrus's.
type Level = logrus.Level

const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// Format selects the logrus formatter.
type Format int

const (
	TextFormat Format = iota
	JSONFormat
)

// Config configures a Logger.
type Config struct {
	Level            Level
	Format           Format
	Output           io.Writer
	Component        string
	EnableSanitizing bool
}

// DefaultConfig returns sensible, privacy-preserving defaults: info level,
// text output to stdout, sanitization on.
func DefaultConfig() *Config {
	return &Config{
		Level:            InfoLevel,
		Format:           TextFormat,
		Output:           os.Stdout,
		EnableSanitizing: true,
	}
}

// Logger wraps a logrus.Entry with component tagging and sensitive-value
// sanitization, matching the field-chaining call shape this codebase's
// components expect (WithComponent/WithField/Info/Warn/Error/Debug).
type Logger struct {
	entry    *logrus.Entry
	sanitize bool
}

// New creates a Logger from config, defaulting when config is nil.
func New(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	base := logrus.New()
	base.SetLevel(config.Level)
	base.SetOutput(config.Output)
	if config.Format == JSONFormat {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	fields := logrus.Fields{}
	if config.Component != "" {
		fields["component"] = config.Component
	}

	return &Logger{entry: base.WithFields(fields), sanitize: config.EnableSanitizing}
}

// WithComponent returns a child Logger tagged with component, preserving
// sanitization settings and any fields already attached.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{entry: l.entry.WithField("component", component), sanitize: l.sanitize}
}

// WithField returns a child Logger with one additional field, sanitizing
// the value first if sanitization is enabled.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	if l.sanitize {
		value = sanitizeValue(key, value)
	}
	return &Logger{entry: l.entry.WithField(key, value), sanitize: l.sanitize}
}

// WithFields returns a child Logger with several additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	sanitized := logrus.Fields{}
	for k, v := range fields {
		if l.sanitize {
			v = sanitizeValue(k, v)
		}
		sanitized[k] = v
	}
	return &Logger{entry: l.entry.WithFields(sanitized), sanitize: l.sanitize}
}

// WithError returns a child Logger with an "error" field attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err), sanitize: l.sanitize}
}

func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

var (
	sensitiveFieldPattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|key|auth|credential)`)
	jwtPattern            = regexp.MustCompile(`^[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*$`)
)

// sanitizeValue redacts a field's value when its key looks sensitive or its
// content looks like a bearer token/JWT. Any other value, including a
// `$`-config line logged under an ordinary key, is returned unchanged.
func sanitizeValue(key string, value interface{}) interface{} {
	if sensitiveFieldPattern.MatchString(key) {
		return "[REDACTED]"
	}
	if s, ok := value.(string); ok && jwtPattern.MatchString(s) {
		return "[REDACTED]"
	}
	return value
}

// Discard returns a Logger that drops everything, for tests that don't
// care about log output.
func Discard() *Logger {
	l := New(&Config{Level: ErrorLevel + 1, Output: io.Discard})
	return l
}

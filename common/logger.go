package common

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel is a textual logging level, settable from configuration.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LoggerConfig configures a freshly built logger.
type LoggerConfig struct {
	Level  LogLevel
	Format string // "json" or "text"
}

// NewLogger builds a logrus.Logger configured per LoggerConfig, with the
// same output splitting as the package-level Logger.
func NewLogger(cfg LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger.SetOutput(&OutputSplitter{})
	return logger
}

// ContextLogger is an immutable, chainable field builder over a logrus
// logger. Each With* call returns a new ContextLogger so a base logger
// (e.g. one carrying component="refresh") can be reused without its
// per-call fields leaking between callers.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger builds a ContextLogger seeded with fields. A nil
// logger falls back to the package-level Logger.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = Logger
	}
	base := make(logrus.Fields, len(fields))
	for k, v := range fields {
		base[k] = v
	}
	return &ContextLogger{logger: logger, fields: base}
}

func (cl *ContextLogger) clone() logrus.Fields {
	next := make(logrus.Fields, len(cl.fields)+1)
	for k, v := range cl.fields {
		next[k] = v
	}
	return next
}

// WithField returns a ContextLogger with one additional field.
func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	next := cl.clone()
	next[key] = value
	return &ContextLogger{logger: cl.logger, fields: next}
}

// WithFields returns a ContextLogger with additional fields merged in.
func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	next := cl.clone()
	for k, v := range fields {
		next[k] = v
	}
	return &ContextLogger{logger: cl.logger, fields: next}
}

// WithError attaches an error field.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.WithField("error", err.Error())
}

func (cl *ContextLogger) Debug(msg string) { cl.logger.WithFields(cl.fields).Debug(msg) }
func (cl *ContextLogger) Info(msg string)  { cl.logger.WithFields(cl.fields).Info(msg) }
func (cl *ContextLogger) Warn(msg string)  { cl.logger.WithFields(cl.fields).Warn(msg) }
func (cl *ContextLogger) Error(msg string) { cl.logger.WithFields(cl.fields).Error(msg) }

func (cl *ContextLogger) Debugf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Debugf(format, args...)
}
func (cl *ContextLogger) Infof(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Infof(format, args...)
}
func (cl *ContextLogger) Warnf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Warnf(format, args...)
}
func (cl *ContextLogger) Errorf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Errorf(format, args...)
}

// LogDuration logs an operation's duration when the returned func is
// called, typically via defer.
func LogDuration(logger *ContextLogger, operation string) func() {
	start := time.Now()
	return func() {
		logger.WithFields(map[string]interface{}{
			"operation":   operation,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("operation completed")
	}
}

// ErrorFields returns standard fields for logging a wrapped error.
func ErrorFields(err error, context string) map[string]interface{} {
	return map[string]interface{}{
		"error":      err.Error(),
		"context":    context,
		"error_type": fmt.Sprintf("%T", err),
	}
}

package common

import (
	"github.com/sirupsen/logrus"
)

// ContextLogger is a logger with a fixed field set attached, passed down
// the ingestion pipeline so every line a task emits carries its job and
// worker identity. It wraps a logrus entry; With* methods return a new
// logger and never mutate the receiver.
type ContextLogger struct {
	entry *logrus.Entry
}

// NewContextLogger attaches fields to logger. A nil logger uses the
// process-wide Logger.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = Logger
	}
	return &ContextLogger{entry: logger.WithFields(fields)}
}

// WorkerLogger returns a logger identifying one chunk-worker goroutine.
func WorkerLogger(workerID int) *ContextLogger {
	return NewContextLogger(Logger, map[string]interface{}{"worker_id": workerID})
}

// WithField returns a logger with one extra field.
func (l *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	return &ContextLogger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a logger with extra fields.
func (l *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	return &ContextLogger{entry: l.entry.WithFields(fields)}
}

// WithError returns a logger carrying err under the error field.
func (l *ContextLogger) WithError(err error) *ContextLogger {
	return &ContextLogger{entry: l.entry.WithError(err)}
}

func (l *ContextLogger) Debug(msg string) { l.entry.Debug(msg) }
func (l *ContextLogger) Info(msg string)  { l.entry.Info(msg) }
func (l *ContextLogger) Warn(msg string)  { l.entry.Warn(msg) }
func (l *ContextLogger) Error(msg string) { l.entry.Error(msg) }

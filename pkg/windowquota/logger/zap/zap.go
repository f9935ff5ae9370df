// Package zap adapts go.uber.org/zap to windowquota.Logger.
package zap

import (
	"go.uber.org/zap"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// Logger implements windowquota.Logger using zap.
type Logger struct {
	logger *zap.Logger
}

// NewLogger wraps logger; a nil logger discards everything.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("windowquota")}
}

func (l *Logger) Debug(msg string, fields ...windowquota.Field) {
	l.logger.Debug(msg, toZap(fields)...)
}

func (l *Logger) Info(msg string, fields ...windowquota.Field) {
	l.logger.Info(msg, toZap(fields)...)
}

func (l *Logger) Warn(msg string, fields ...windowquota.Field) {
	l.logger.Warn(msg, toZap(fields)...)
}

func (l *Logger) Error(msg string, fields ...windowquota.Field) {
	l.logger.Error(msg, toZap(fields)...)
}

func toZap(fields []windowquota.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

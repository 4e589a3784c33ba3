// Package logging defines the structured logger used across polyflow and its
// zap-backed implementation.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a key-value structured logger. The method set matches
// zap.SugaredLogger's "w" family, so any sugared logger can be adapted.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// With returns a child logger that adds the given fields to every entry.
	With(keysAndValues ...any) Logger
}

// ZapLogger adapts a zap.SugaredLogger to Logger.
type ZapLogger struct {
	s *zap.SugaredLogger
}

var _ Logger = (*ZapLogger)(nil)

// NewZap wraps an existing sugared logger.
func NewZap(s *zap.SugaredLogger) *ZapLogger {
	return &ZapLogger{s: s}
}

// New builds a production zap logger at the given level ("debug", "info",
// "warn", "error"). Format "console" selects human-readable output, anything
// else JSON.
func New(level, format string) (*ZapLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	// Logs go to stderr so command output on stdout stays parseable.
	cfg.OutputPaths = []string{"stderr"}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return NewZap(z.Sugar()), nil
}

func (l *ZapLogger) Debug(msg string, keysAndValues ...any) { l.s.Debugw(msg, keysAndValues...) }
func (l *ZapLogger) Info(msg string, keysAndValues ...any)  { l.s.Infow(msg, keysAndValues...) }
func (l *ZapLogger) Warn(msg string, keysAndValues ...any)  { l.s.Warnw(msg, keysAndValues...) }
func (l *ZapLogger) Error(msg string, keysAndValues ...any) { l.s.Errorw(msg, keysAndValues...) }

func (l *ZapLogger) With(keysAndValues ...any) Logger {
	return &ZapLogger{s: l.s.With(keysAndValues...)}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error { return l.s.Sync() }

// NewNop returns a logger that discards everything.
func NewNop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) With(...any) Logger   { return nopLogger{} }

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNop()
	}
	return l
}

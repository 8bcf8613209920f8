package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// ModeProduction emits JSON entries with ISO8601 timestamps.
	ModeProduction = "production"
	// ModeDevelopment emits coloured console entries.
	ModeDevelopment = "development"
)

// ZapLogger adapts a zap logger to the Logger interface.
type ZapLogger struct {
	base *zap.Logger
}

// NewZapLogger builds a zap-backed logger for the requested mode.
func NewZapLogger(mode string) (*ZapLogger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeProduction:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ModeDevelopment:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("observability: unsupported log mode %q", mode)
	}
	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("observability: build zap logger: %w", err)
	}
	return &ZapLogger{base: base}, nil
}

// NewZapLoggerFrom wraps an existing zap logger.
func NewZapLoggerFrom(base *zap.Logger) *ZapLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &ZapLogger{base: base}
}

func (l *ZapLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, toZap(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...Field)  { l.base.Info(msg, toZap(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...Field)  { l.base.Warn(msg, toZap(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...Field) { l.base.Error(msg, toZap(fields)...) }

// With returns a child logger carrying the provided fields on every entry.
func (l *ZapLogger) With(fields ...Field) *ZapLogger {
	return &ZapLogger{base: l.base.With(toZap(fields)...)}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	if err := l.base.Sync(); err != nil && !isStdSyncError(err) {
		return fmt.Errorf("observability: sync logger: %w", err)
	}
	return nil
}

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

// Syncing stdout/stderr fails on some platforms with EINVAL or ENOTTY.
func isStdSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

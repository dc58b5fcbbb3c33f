// Package logging wraps zap.Logger with the conventions the rest of the CSE
// expects: a logger is constructed once at startup and threaded explicitly
// into every constructor, never reached for as a package-level global.
package logging

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with CSE-specific helper methods.
type Logger struct {
	*zap.Logger
}

type loggerContextKey struct{}

// New builds a Logger for the given environment. Valid environments:
// development, test, staging, production.
func New(env string) (*Logger, error) {
	var config zap.Config

	switch env {
	case "development", "test", "":
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production", "staging":
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid environment: %s (must be development, test, staging, or production)", env)
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}

	zapLogger, err := config.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{Logger: zapLogger}, nil
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With(zap.String("component", component))}
}

// WithError adds an error field to the logger.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Logger: l.With(zap.Error(err))}
}

// WithRequest adds the request-scoped fields common to dispatcher logging.
func (l *Logger) WithRequest(rqi, from, to string) *Logger {
	return &Logger{Logger: l.With(
		zap.String("rqi", rqi),
		zap.String("from", from),
		zap.String("to", to),
	)}
}

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// FromContext retrieves the logger from ctx, falling back to fallback if
// none was stored.
func FromContext(ctx context.Context, fallback *Logger) *Logger {
	if logger, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return logger
	}
	return fallback
}

// LogDispatch logs the outcome of a single dispatched primitive.
func (l *Logger) LogDispatch(op, to string, rsc int, duration float64) {
	l.Info("primitive dispatched",
		zap.String("op", op),
		zap.String("to", to),
		zap.Int("rsc", rsc),
		zap.Float64("duration_ms", duration),
	)
}

// LogNotification logs a notification delivery attempt.
func (l *Logger) LogNotification(subscriptionRI, target string, attempt int, err error) {
	if err != nil {
		l.Warn("notification delivery failed",
			zap.String("subscription", subscriptionRI),
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return
	}
	l.Debug("notification delivered",
		zap.String("subscription", subscriptionRI),
		zap.String("target", target),
		zap.Int("attempt", attempt),
	)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if err := l.Logger.Sync(); err != nil {
		return fmt.Errorf("failed to sync logger: %w", err)
	}
	return nil
}

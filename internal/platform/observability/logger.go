// Package observability wires structured logging, request logging and trace propagation.
package observability

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/torquebay/api/internal/platform/requestctx"
)

// NewLogger builds a JSON logger whose keys match what Cloud Logging expects. The level
// comes from LOG_LEVEL and defaults to info.
func NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = zapcore.InfoLevel
	}
	cfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel:   zapcore.CapitalLevelEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// ServiceLogger adapts zap to the event hook used by the services package. The request
// scoped logger wins over base when ctx carries one, so service events keep the
// request_id and trace fields.
func ServiceLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		zfields := make([]zap.Field, 0, len(keys)+1)
		zfields = append(zfields, zap.String("event", event))
		failed := false
		for _, k := range keys {
			value := fields[k]
			if err, ok := value.(error); ok {
				zfields = append(zfields, zap.NamedError(k, err))
				failed = true
				continue
			}
			if s, ok := value.(fmt.Stringer); ok {
				zfields = append(zfields, zap.Stringer(k, s))
				continue
			}
			zfields = append(zfields, zap.Any(k, value))
		}
		if failed || strings.HasSuffix(event, ".failed") || strings.HasSuffix(event, ".denied") {
			logger.Warn(event, zfields...)
			return
		}
		logger.Info(event, zfields...)
	}
}

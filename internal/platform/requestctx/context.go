// Package requestctx carries per-request values (logger, trace, actor) through context.
package requestctx

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	traceKey
	actorKey
)

var nop = zap.NewNop()

// TraceInfo is the Cloud Trace metadata attached to the inbound request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Resource renders the fully qualified trace name used by Cloud Logging.
func (t TraceInfo) Resource() string {
	if t.TraceID == "" {
		return ""
	}
	if t.ProjectID == "" {
		return t.TraceID
	}
	return "projects/" + t.ProjectID + "/traces/" + t.TraceID
}

// WithLogger attaches logger to ctx. A nil logger is replaced by a no-op one.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = nop
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request scoped logger, never nil.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return nop
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return nop
}

// NoopLogger returns the shared discard logger.
func NoopLogger() *zap.Logger { return nop }

// WithTrace attaches trace metadata to ctx.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey, info)
}

// Trace returns the trace metadata stored on ctx.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

// TraceID is shorthand for Trace(ctx).TraceID.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithActor records who is acting on the request, used for audit fields.
func WithActor(ctx context.Context, actorID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey, strings.TrimSpace(actorID))
}

// Actor returns the acting user id, or "" for anonymous requests.
func Actor(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	actor, _ := ctx.Value(actorKey).(string)
	return actor
}

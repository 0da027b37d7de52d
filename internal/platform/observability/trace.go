package observability

import (
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/torquebay/api/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/torquebay/api/internal/platform/observability")

// TraceMiddleware continues the Cloud Trace context of the inbound request (if any),
// opens a server span and records the ids on the request context.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if remote, ok := parseCloudTraceContext(r.Header.Get(cloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
			}
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("user_agent.original", r.UserAgent()),
				),
			)
			defer span.End()

			sc := span.SpanContext()
			info := requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			}
			if sc.IsValid() {
				w.Header().Set(cloudTraceHeader, formatCloudTraceHeader(sc))
			}
			next.ServeHTTP(w, r.WithContext(requestctx.WithTrace(ctx, info)))
		})
	}
}

// parseCloudTraceContext reads "TRACE_ID/SPAN_ID;o=OPTIONS". The span id is decimal per
// the header format; hex is tolerated for clients that send it that way.
func parseCloudTraceContext(header string) (trace.SpanContext, bool) {
	tracePart, rest, found := strings.Cut(strings.TrimSpace(header), "/")
	if !found {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(tracePart)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseSpanID(strings.TrimSpace(spanPart))
	if !ok {
		return trace.SpanContext{}, false
	}
	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

func parseSpanID(value string) (trace.SpanID, bool) {
	if n, err := strconv.ParseUint(value, 10, 64); err == nil && n != 0 {
		return spanIDFromUint(n), true
	}
	if n, err := strconv.ParseUint(value, 16, 64); err == nil && n != 0 && len(value) <= 16 {
		return spanIDFromUint(n), true
	}
	return trace.SpanID{}, false
}

func spanIDFromUint(n uint64) trace.SpanID {
	var id trace.SpanID
	for i := 7; i >= 0; i-- {
		id[i] = byte(n)
		n >>= 8
	}
	return id
}

func formatCloudTraceHeader(sc trace.SpanContext) string {
	id := sc.SpanID()
	var n uint64
	for _, b := range id {
		n = n<<8 | uint64(b)
	}
	option := "0"
	if sc.IsSampled() {
		option = "1"
	}
	return sc.TraceID().String() + "/" + strconv.FormatUint(n, 10) + ";o=" + option
}

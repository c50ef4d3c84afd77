package http

import (
	"context"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

type ctxKeyTraceID struct{}

// GetTraceID returns the request trace ID from ctx, if present.
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyTraceID{}).(string)
	return id
}

func traceKVs(ctx context.Context) (out []interface{}) {
	if id := GetTraceID(ctx); id != "" {
		out = append(out, "trace_id", id)
	}
	return
}

// TraceLoggingMiddleware assigns each request a trace ID, attaches it
// to the context logger KVs, and logs the request line.
func TraceLoggingMiddleware(next http.Handler, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.NewString()
		ctx := context.WithValue(r.Context(), ctxKeyTraceID{}, traceID)
		ctx = ctxlog.AddFunc(ctx, traceKVs)

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		logs := []interface{}{
			"addr", host,
			"method", r.Method,
			"path", r.URL.Path,
			"agent", r.UserAgent(),
		}
		if fwdedFor := r.Header.Get("X-Forwarded-For"); fwdedFor != "" {
			logs = append(logs, "real_ip", fwdedFor)
		}
		ctxlog.Logger(ctx, logger).Info(logs...)

		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

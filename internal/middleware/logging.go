// Package middleware contains HTTP middleware functions.
//
// The pattern is:
//
//	func MyMiddleware(next http.Handler) http.Handler {
//	    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
//	        // Do something BEFORE the handler runs
//	        next.ServeHTTP(w, r)  // Call the actual handler
//	        // Do something AFTER the handler runs
//	    })
//	}
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// redactedHeaders never reach the log, whatever LogOptions says.
var redactedHeaders = map[string]bool{
	"Cookie":        true,
	"Authorization": true,
	"Set-Cookie":    true,
}

// LogOptions selects the optional fields of the request log line. Method,
// path and status are always logged.
type LogOptions struct {
	Headers   bool
	UserAgent bool
	IP        bool
	Protocol  bool
	Latency   bool
}

// responseWriter wraps http.ResponseWriter to capture the status code.
// http.ResponseWriter doesn't expose the status after WriteHeader, so we
// track it ourselves.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Logger returns an HTTP middleware that logs each request with slog.
//
// The level follows the status: 5xx → Error, 4xx → Warn, otherwise Info.
// Request bodies are never logged.
func Logger(logger *slog.Logger, opts LogOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK, // Default if WriteHeader is never called
			}

			next.ServeHTTP(wrapped, r)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Int64("bytes", wrapped.written),
			}
			if reqID := chimiddleware.GetReqID(r.Context()); reqID != "" {
				attrs = append(attrs, slog.String("requestID", reqID))
			}
			if opts.Latency {
				attrs = append(attrs, slog.Duration("duration", time.Since(start)))
			}
			if opts.IP {
				attrs = append(attrs, slog.String("ip", r.RemoteAddr))
			}
			if opts.Protocol {
				attrs = append(attrs, slog.String("protocol", r.Proto))
			}
			if opts.UserAgent {
				attrs = append(attrs, slog.String("userAgent", r.UserAgent()))
			}
			if opts.Headers {
				attrs = append(attrs, headerGroup(r.Header))
			}

			level := slog.LevelInfo
			switch {
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "request completed", attrs...)
		})
	}
}

func headerGroup(h http.Header) slog.Attr {
	attrs := make([]any, 0, len(h))
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if redactedHeaders[canonical] {
			attrs = append(attrs, slog.String(canonical, "[REDACTED]"))
			continue
		}
		attrs = append(attrs, slog.String(canonical, strings.Join(values, ", ")))
	}
	return slog.Group("headers", attrs...)
}

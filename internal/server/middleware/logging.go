package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/keyhub/internal/model"
)

// requestTrace is filled in by the auth middlewares further down the chain
// so that Logger, which runs first, can name the caller.
type requestTrace struct {
	actor string
}

type traceKey struct{}

// noteActor records who made the request, e.g. "U:7" or "key:12".
func noteActor(ctx context.Context, actor string) {
	if tr, ok := ctx.Value(traceKey{}).(*requestTrace); ok {
		tr.actor = actor
	}
}

func principalLabel(p model.Principal) string {
	return string(p.Kind) + ":" + strconv.FormatInt(p.ID, 10)
}

// Logger returns an HTTP middleware that logs every request with slog.
// Client errors log at warn, server errors at error. Token values and key
// secrets are never logged; only the caller and whether the session was
// renewed.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			tr := &requestTrace{}
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), traceKey{}, tr)))

			level := slog.LevelInfo
			switch {
			case ww.status >= 500:
				level = slog.LevelError
			case ww.status >= 400:
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", routePattern(r)),
				slog.Int("status", ww.status),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0),
				slog.Int("bytes", ww.bytes),
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if tr.actor != "" {
				attrs = append(attrs, slog.String("actor", tr.actor))
			}
			if ww.Header().Get(HeaderTokenRefreshed) == "true" {
				attrs = append(attrs, slog.Bool("renewed", true))
			}
			logger.LogAttrs(r.Context(), level, "request", attrs...)
		})
	}
}

// routePattern prefers the matched chi pattern so IDs in paths do not
// fan out into distinct log keys.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// responseWriter captures the status code and body size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

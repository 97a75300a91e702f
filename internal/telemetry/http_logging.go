package telemetry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/podcast_downloader/internal/logctx"
)

// episodeIDParam is the route parameter naming the episode a download command
// targets.
const episodeIDParam = "episodeID"

type loggingResponseWriter struct {
	http.ResponseWriter

	status int
	bytes  int64
	sent   bool
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.sent {
		return
	}

	w.status = code
	w.sent = true

	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if !w.sent {
		w.WriteHeader(http.StatusOK)
	}

	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)

	return n, err
}

// HTTPLogging logs each API request when it completes, tagged with the request
// id, the matched route and, for download commands, the episode id. Handlers
// get a logger carrying the request id.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx).With("request_id", GetRequestID(ctx))
		start := time.Now()

		lw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lw, r.WithContext(logctx.WithLogger(ctx, logger)))

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"response_bytes", lw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		if rctx := chi.RouteContext(ctx); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				attrs = append(attrs, "route", pattern)
			}

			if id := rctx.URLParam(episodeIDParam); id != "" {
				attrs = append(attrs, "episode_id", id)
			}
		}

		logger.Log(ctx, levelForStatus(lw.status), "api request completed", attrs...)
	})
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	episodeIDKey contextKey = "episode_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithEpisodeID tags ctx with the episode a log record is about. Handlers
// wrapped by NewTraceHandler add it as the episode_id attribute.
func WithEpisodeID(ctx context.Context, episodeID string) context.Context {
	return context.WithValue(ctx, episodeIDKey, episodeID)
}

// EpisodeIDFromContext returns the episode id stored by WithEpisodeID.
func EpisodeIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(episodeIDKey).(string)

	return id, ok && id != ""
}

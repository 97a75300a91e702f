package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/podcast_downloader/internal/download"
	"github.com/italolelis/podcast_downloader/internal/episode"
	"github.com/italolelis/podcast_downloader/internal/logctx"
	"github.com/italolelis/podcast_downloader/internal/storage"
)

const maxRequestSize = 64 * 1024

// Orchestrator is the command surface of the download orchestrator.
type Orchestrator interface {
	Start(ctx context.Context, ep episode.Episode, p episode.Podcast) error
	Cancel(ctx context.Context, episodeID string) error
	Pause(ctx context.Context, episodeID string) error
	Resume(ctx context.Context, episodeID string) error
}

// TaskLister returns the current view of in-flight downloads.
type TaskLister interface {
	List() []download.TaskSnapshot
}

// DownloadedLister returns the podcasts with downloaded episodes.
type DownloadedLister interface {
	ListDownloadedPodcasts(ctx context.Context) ([]storage.DownloadedPodcast, error)
}

type StartRequest struct {
	Episode episode.Episode `json:"episode"`
	Podcast episode.Podcast `json:"podcast"`
}

type CommandResponse struct {
	EpisodeID string `json:"episodeId"`
	Status    string `json:"status"`
}

type DownloadedEpisode struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MediaURL     string    `json:"mediaUrl"`
	FilePath     string    `json:"filePath"`
	DownloadedAt time.Time `json:"downloadedAt"`
}

type DownloadedPodcast struct {
	ID       string              `json:"id"`
	Title    string              `json:"title"`
	ImageURL string              `json:"imageUrl"`
	Episodes []DownloadedEpisode `json:"episodes"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type DownloadsHandler struct {
	orchestrator Orchestrator
	tasks        TaskLister
	downloaded   DownloadedLister
	username     string
	password     string
}

// NewDownloadsHandler creates the downloads API. Basic auth is enforced when
// username is not empty.
func NewDownloadsHandler(o Orchestrator, tasks TaskLister, downloaded DownloadedLister, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		orchestrator: o,
		tasks:        tasks,
		downloaded:   downloaded,
		username:     username,
		password:     password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/downloads", h.HandleList)
	r.Post("/downloads", h.HandleStart)
	r.Delete("/downloads/{episodeID}", h.command("cancel", Orchestrator.Cancel))
	r.Post("/downloads/{episodeID}/pause", h.command("pause", Orchestrator.Pause))
	r.Post("/downloads/{episodeID}/resume", h.command("resume", Orchestrator.Resume))
	r.Get("/podcasts", h.HandleDownloaded)

	return r
}

// HandleList returns the in-flight downloads.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.tasks.List())
}

// HandleStart requests the download of an episode.
func (h *DownloadsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req StartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		logger.Debug("failed to decode start request", "err", err)
		writeJSON(r.Context(), w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})

		return
	}

	ep, err := episode.NewEpisode(req.Episode.ID, req.Episode.Title, req.Episode.MediaURL)
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	p, err := episode.NewPodcast(req.Podcast.ID, req.Podcast.Title, req.Podcast.ImageURL)
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	if err := h.orchestrator.Start(r.Context(), ep, p); err != nil {
		writeError(r.Context(), w, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusAccepted, CommandResponse{EpisodeID: ep.ID, Status: "start requested"})
}

// HandleDownloaded returns the downloaded podcasts and their episodes.
func (h *DownloadsHandler) HandleDownloaded(w http.ResponseWriter, r *http.Request) {
	podcasts, err := h.downloaded.ListDownloadedPodcasts(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	out := make([]DownloadedPodcast, 0, len(podcasts))

	for _, p := range podcasts {
		dp := DownloadedPodcast{
			ID:       p.PodcastID,
			Title:    p.Title,
			ImageURL: p.ImageURL,
			Episodes: make([]DownloadedEpisode, 0, len(p.Episodes)),
		}

		for _, e := range p.Episodes {
			dp.Episodes = append(dp.Episodes, DownloadedEpisode{
				ID:           e.EpisodeID,
				Title:        e.Title,
				MediaURL:     e.MediaURL,
				FilePath:     e.FilePath,
				DownloadedAt: e.DownloadedAt,
			})
		}

		out = append(out, dp)
	}

	writeJSON(r.Context(), w, http.StatusOK, out)
}

func (h *DownloadsHandler) command(name string, fn func(Orchestrator, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		episodeID := chi.URLParam(r, "episodeID")

		logctx.LoggerFromContext(r.Context()).Debug("received download command", "command", name, "episode_id", episodeID)

		if err := fn(h.orchestrator, r.Context(), episodeID); err != nil {
			writeError(r.Context(), w, err)

			return
		}

		writeJSON(r.Context(), w, http.StatusAccepted, CommandResponse{EpisodeID: episodeID, Status: name + " requested"})
	}
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, episode.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		logctx.LoggerFromContext(ctx).Error("failed to handle request", "err", err)
	}

	writeJSON(ctx, w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

package download

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/podcast_downloader/internal/episode"
	"github.com/italolelis/podcast_downloader/internal/logctx"
	"github.com/italolelis/podcast_downloader/internal/storage"
)

// ErrAlreadyReconciled is returned by every Reconcile call after the first.
var ErrAlreadyReconciled = errors.New("downloads already reconciled")

// TaskSnapshot describes a transfer that survived a restart.
type TaskSnapshot struct {
	EpisodeID       string  `json:"episodeId"`
	EpisodeTitle    string  `json:"episodeTitle"`
	PodcastTitle    string  `json:"podcastTitle"`
	PodcastImageURL string  `json:"podcastImageUrl"`
	Percent         float64 `json:"percent"`
	BytesWritten    string  `json:"bytesWritten"`
	BytesTotal      string  `json:"bytesTotal"`
	Status          Status  `json:"status"`
	Error           string  `json:"error,omitempty"`
}

// Reconcile joins the persisted downloading records with the transfers the
// engine still knows about and returns a snapshot of each match. When the
// network gate allows it, transfers that were downloading are re-attached
// and resumed. Commands block until Reconcile returns.
func (o *Orchestrator) Reconcile(ctx context.Context) ([]TaskSnapshot, error) {
	if !o.reconciled.CompareAndSwap(false, true) {
		return nil, ErrAlreadyReconciled
	}

	defer close(o.ready)

	logger := logctx.LoggerFromContext(ctx)

	records, err := o.store.ListDownloadingEpisodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloading episodes: %w", err)
	}

	existing, err := o.engine.ExistingTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list engine tasks: %w", err)
	}

	byID := make(map[string]storage.DownloadingEpisode, len(records))
	for _, rec := range records {
		byID[rec.EpisodeID] = rec
	}

	snapshots := make([]TaskSnapshot, 0, len(existing))
	matched := make([]storage.DownloadingEpisode, 0, len(existing))

	for _, info := range existing {
		rec, ok := byID[info.ID]
		if !ok {
			logger.Debug("engine task has no downloading record, skipping", "episode_id", info.ID)

			continue
		}

		if ParseStatus(rec.Status).IsTerminal() {
			logger.Debug("downloading record is terminal, skipping", "episode_id", info.ID, "status", rec.Status)

			continue
		}

		written, total := FormatProgress(info.BytesWritten, info.TotalBytes)
		status := statusFromEngine(info.State)

		// A transfer that failed in a previous run is never resumed; marking its
		// record terminal lets the episode be started again.
		if status == StatusUnknown {
			o.releaseFailed(ctx, rec.EpisodeID)
		}

		snapshots = append(snapshots, TaskSnapshot{
			EpisodeID:       rec.EpisodeID,
			EpisodeTitle:    rec.Title,
			PodcastTitle:    rec.PodcastTitle,
			PodcastImageURL: rec.PodcastImageURL,
			Percent:         info.Percent,
			BytesWritten:    written,
			BytesTotal:      total,
			Status:          status,
			Error:           info.Error,
		})
		matched = append(matched, rec)
	}

	o.telemetry.RecordReconciled(ctx, "restored", len(snapshots))
	o.telemetry.RecordReconciled(ctx, "dropped", len(existing)-len(snapshots))

	if !o.gate.IsDownloadingConnectionAcceptable(ctx) {
		logger.Info("connection not acceptable for downloads, leaving restored transfers detached",
			"restored", len(snapshots))

		return snapshots, nil
	}

	var attached int

	for i, snap := range snapshots {
		if snap.Status != StatusDownloading {
			continue
		}

		if o.reattach(ctx, matched[i]) {
			attached++
		}
	}

	logger.Info("reconciled downloads", "restored", len(snapshots), "attached", attached)

	return snapshots, nil
}

func (o *Orchestrator) releaseFailed(ctx context.Context, episodeID string) {
	logger := logctx.LoggerFromContext(ctx).With("episode_id", episodeID)

	if err := o.store.UpdateDownloadingStatus(ctx, episodeID, StatusUnknown.String()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error("failed to mark failed download", "err", err)
		o.telemetry.RecordSystemError(ctx, "reconcile", "store")

		return
	}

	logger.Info("download failed in a previous run, released for restart")
}

func (o *Orchestrator) reattach(ctx context.Context, rec storage.DownloadingEpisode) bool {
	logger := logctx.LoggerFromContext(ctx).With("episode_id", rec.EpisodeID)

	h, ok := o.engine.Lookup(rec.EpisodeID)
	if !ok {
		logger.Debug("engine task disappeared before re-attach")

		return false
	}

	task := Task{
		Episode: episode.Episode{
			ID:       rec.EpisodeID,
			Title:    rec.Title,
			MediaURL: rec.MediaURL,
		},
		Podcast: episode.Podcast{
			ID:       rec.PodcastID,
			Title:    rec.PodcastTitle,
			ImageURL: rec.PodcastImageURL,
		},
		Destination: rec.Destination,
		Status:      StatusDownloading,
		StartedAt:   o.now(),
	}

	if !o.registry.Reserve(task) {
		return false
	}

	o.registry.Register(rec.EpisodeID, h)
	h.Attach(o.inbox)
	h.Resume()
	o.telemetry.RecordDownloadStarted(ctx)

	logger.Debug("re-attached interrupted download")

	return true
}

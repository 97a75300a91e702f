package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/podcast_downloader/internal/episode"
	"github.com/italolelis/podcast_downloader/internal/storage"
	"github.com/italolelis/podcast_downloader/internal/telemetry"
)

// InstrumentedEpisodeRepository wraps EpisodeRepository with telemetry.
type InstrumentedEpisodeRepository struct {
	repo      *EpisodeRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedEpisodeRepository creates a new instrumented episode repository.
func NewInstrumentedEpisodeRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedEpisodeRepository {
	return &InstrumentedEpisodeRepository{
		repo:      NewEpisodeRepository(dbConn),
		telemetry: tel,
	}
}

// ListDownloadingEpisodes lists downloading episodes with telemetry.
func (r *InstrumentedEpisodeRepository) ListDownloadingEpisodes(ctx context.Context) ([]storage.DownloadingEpisode, error) {
	var result []storage.DownloadingEpisode

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloading_episodes", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListDownloadingEpisodes(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// AddDownloadingEpisode adds a downloading episode with telemetry.
func (r *InstrumentedEpisodeRepository) AddDownloadingEpisode(ctx context.Context, rec storage.DownloadingEpisode) error {
	return r.telemetry.InstrumentDBOperation(ctx, "add_downloading_episode", func(ctx context.Context) error {
		return r.repo.AddDownloadingEpisode(ctx, rec)
	})
}

// RemoveDownloadingEpisode removes a downloading episode with telemetry.
func (r *InstrumentedEpisodeRepository) RemoveDownloadingEpisode(ctx context.Context, episodeID string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "remove_downloading_episode", func(ctx context.Context) error {
		return r.repo.RemoveDownloadingEpisode(ctx, episodeID)
	})
}

// UpdateDownloadingStatus updates a downloading episode status with telemetry.
func (r *InstrumentedEpisodeRepository) UpdateDownloadingStatus(ctx context.Context, episodeID, status string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_downloading_status", func(ctx context.Context) error {
		return r.repo.UpdateDownloadingStatus(ctx, episodeID, status)
	})
}

// ListDownloadedPodcasts lists downloaded podcasts with telemetry.
func (r *InstrumentedEpisodeRepository) ListDownloadedPodcasts(ctx context.Context) ([]storage.DownloadedPodcast, error) {
	var result []storage.DownloadedPodcast

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloaded_podcasts", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListDownloadedPodcasts(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// IsDownloaded checks the downloaded store with telemetry.
func (r *InstrumentedEpisodeRepository) IsDownloaded(ctx context.Context, episodeID string) (bool, error) {
	var downloaded bool

	err := r.telemetry.InstrumentDBOperation(ctx, "is_downloaded", func(ctx context.Context) error {
		var err error
		downloaded, err = r.repo.IsDownloaded(ctx, episodeID)

		return err
	})

	return downloaded, err
}

// CompleteDownload moves an episode to the downloaded store with telemetry.
func (r *InstrumentedEpisodeRepository) CompleteDownload(ctx context.Context, ep episode.Episode, p episode.Podcast, filePath string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "complete_download", func(ctx context.Context) error {
		return r.repo.CompleteDownload(ctx, ep, p, filePath)
	})
}

// InstrumentedTaskRepository wraps TaskRepository with telemetry.
type InstrumentedTaskRepository struct {
	repo      *TaskRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTaskRepository creates a new instrumented task repository.
func NewInstrumentedTaskRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTaskRepository {
	return &InstrumentedTaskRepository{
		repo:      NewTaskRepository(dbConn),
		telemetry: tel,
	}
}

// ListTasks lists transfer tasks with telemetry.
func (r *InstrumentedTaskRepository) ListTasks(ctx context.Context) ([]storage.TransferTask, error) {
	var result []storage.TransferTask

	err := r.telemetry.InstrumentDBOperation(ctx, "list_transfer_tasks", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListTasks(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SaveTask saves a transfer task with telemetry.
func (r *InstrumentedTaskRepository) SaveTask(ctx context.Context, t storage.TransferTask) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_transfer_task", func(ctx context.Context) error {
		return r.repo.SaveTask(ctx, t)
	})
}

// DeleteTask deletes a transfer task with telemetry.
func (r *InstrumentedTaskRepository) DeleteTask(ctx context.Context, taskID string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_transfer_task", func(ctx context.Context) error {
		return r.repo.DeleteTask(ctx, taskID)
	})
}

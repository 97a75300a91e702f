package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/podcast_downloader/internal/episode"
	"github.com/italolelis/podcast_downloader/internal/storage"
)

// EpisodeRepository implements the downloading and downloaded episode stores.
type EpisodeRepository struct {
	db *sql.DB
}

func NewEpisodeRepository(dbConn *sql.DB) *EpisodeRepository {
	return &EpisodeRepository{db: dbConn}
}

// ListDownloadingEpisodes returns every episode whose transfer is in flight.
func (r *EpisodeRepository) ListDownloadingEpisodes(ctx context.Context) ([]storage.DownloadingEpisode, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT episode_id, title, media_url, destination, podcast_id, podcast_title, podcast_image_url, status, added_at
		FROM downloading_episodes
		ORDER BY added_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var episodes []storage.DownloadingEpisode

	for rows.Next() {
		var rec storage.DownloadingEpisode

		if err := rows.Scan(
			&rec.EpisodeID, &rec.Title, &rec.MediaURL, &rec.Destination,
			&rec.PodcastID, &rec.PodcastTitle, &rec.PodcastImageURL, &rec.Status, &rec.AddedAt,
		); err != nil {
			return nil, err
		}

		episodes = append(episodes, rec)
	}

	return episodes, rows.Err()
}

// AddDownloadingEpisode inserts or replaces the downloading record of an episode.
func (r *EpisodeRepository) AddDownloadingEpisode(ctx context.Context, rec storage.DownloadingEpisode) error {
	if rec.AddedAt.IsZero() {
		rec.AddedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloading_episodes
			(episode_id, title, media_url, destination, podcast_id, podcast_title, podcast_image_url, status, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(episode_id) DO UPDATE SET
			title = excluded.title,
			media_url = excluded.media_url,
			destination = excluded.destination,
			podcast_id = excluded.podcast_id,
			podcast_title = excluded.podcast_title,
			podcast_image_url = excluded.podcast_image_url,
			status = excluded.status`,
		rec.EpisodeID, rec.Title, rec.MediaURL, rec.Destination,
		rec.PodcastID, rec.PodcastTitle, rec.PodcastImageURL, rec.Status, rec.AddedAt,
	)

	return err
}

// RemoveDownloadingEpisode deletes the downloading record. Removing a missing
// record is not an error.
func (r *EpisodeRepository) RemoveDownloadingEpisode(ctx context.Context, episodeID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM downloading_episodes WHERE episode_id = ?`, episodeID)

	return err
}

// UpdateDownloadingStatus sets the last-known status of a downloading episode.
func (r *EpisodeRepository) UpdateDownloadingStatus(ctx context.Context, episodeID, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE downloading_episodes SET status = ? WHERE episode_id = ?`, status, episodeID)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// ListDownloadedPodcasts returns every podcast with at least one downloaded
// episode, with its episodes.
func (r *EpisodeRepository) ListDownloadedPodcasts(ctx context.Context) ([]storage.DownloadedPodcast, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.podcast_id, p.title, p.image_url,
			e.episode_id, e.title, e.media_url, e.file_path, e.downloaded_at
		FROM downloaded_podcasts p
		JOIN downloaded_episodes e ON e.podcast_id = p.podcast_id
		ORDER BY p.podcast_id, e.downloaded_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var podcasts []storage.DownloadedPodcast

	for rows.Next() {
		var (
			p storage.DownloadedPodcast
			e storage.DownloadedEpisode
		)

		if err := rows.Scan(
			&p.PodcastID, &p.Title, &p.ImageURL,
			&e.EpisodeID, &e.Title, &e.MediaURL, &e.FilePath, &e.DownloadedAt,
		); err != nil {
			return nil, err
		}

		if n := len(podcasts); n > 0 && podcasts[n-1].PodcastID == p.PodcastID {
			podcasts[n-1].Episodes = append(podcasts[n-1].Episodes, e)

			continue
		}

		p.Episodes = []storage.DownloadedEpisode{e}
		podcasts = append(podcasts, p)
	}

	return podcasts, rows.Err()
}

// IsDownloaded reports whether the episode is in the downloaded store.
func (r *EpisodeRepository) IsDownloaded(ctx context.Context, episodeID string) (bool, error) {
	var n int

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM downloaded_episodes WHERE episode_id = ?`, episodeID).Scan(&n)
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// AddDownloadedEpisode records the episode as downloaded under its podcast.
func (r *EpisodeRepository) AddDownloadedEpisode(ctx context.Context, ep episode.Episode, p episode.Podcast, filePath string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := addDownloaded(ctx, tx, ep, p, filePath); err != nil {
		return err
	}

	return tx.Commit()
}

// CompleteDownload moves an episode from the downloading store to the
// downloaded store in a single transaction.
func (r *EpisodeRepository) CompleteDownload(ctx context.Context, ep episode.Episode, p episode.Podcast, filePath string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM downloading_episodes WHERE episode_id = ?`, ep.ID); err != nil {
		return fmt.Errorf("failed to remove downloading episode: %w", err)
	}

	if err := addDownloaded(ctx, tx, ep, p, filePath); err != nil {
		return err
	}

	return tx.Commit()
}

func addDownloaded(ctx context.Context, tx *sql.Tx, ep episode.Episode, p episode.Podcast, filePath string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO downloaded_podcasts (podcast_id, title, image_url) VALUES (?, ?, ?)
		ON CONFLICT(podcast_id) DO UPDATE SET title = excluded.title, image_url = excluded.image_url`,
		p.ID, p.Title, p.ImageURL,
	); err != nil {
		return fmt.Errorf("failed to upsert podcast: %w", err)
	}

	// An episode is added at most once; a repeated completion keeps the
	// original row.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO downloaded_episodes (episode_id, podcast_id, title, media_url, file_path, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(episode_id) DO NOTHING`,
		ep.ID, p.ID, ep.Title, ep.MediaURL, filePath, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert downloaded episode: %w", err)
	}

	return nil
}

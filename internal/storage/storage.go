package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DownloadingEpisode is the persisted snapshot of an episode whose transfer is
// in flight. It carries enough podcast metadata to display the task after a
// restart.
type DownloadingEpisode struct {
	EpisodeID       string
	Title           string
	MediaURL        string
	Destination     string
	PodcastID       string
	PodcastTitle    string
	PodcastImageURL string
	Status          string
	AddedAt         time.Time
}

// DownloadedEpisode is an episode whose media is fully on disk.
type DownloadedEpisode struct {
	EpisodeID    string
	Title        string
	MediaURL     string
	FilePath     string
	DownloadedAt time.Time
}

// DownloadedPodcast groups the downloaded episodes of a podcast.
type DownloadedPodcast struct {
	PodcastID string
	Title     string
	ImageURL  string
	Episodes  []DownloadedEpisode
}

// HasEpisode reports whether the podcast contains the episode.
func (p DownloadedPodcast) HasEpisode(episodeID string) bool {
	for _, e := range p.Episodes {
		if e.EpisodeID == episodeID {
			return true
		}
	}

	return false
}

// TransferTask is the transfer engine's own record of a task, used to
// enumerate tasks that outlive the process.
type TransferTask struct {
	TaskID       string
	URL          string
	Destination  string
	TotalBytes   int64
	BytesWritten int64
	State        string
	ErrorMessage string
	UpdatedAt    time.Time
}

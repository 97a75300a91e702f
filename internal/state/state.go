// Package state keeps the UI view of in-flight downloads in memory.
package state

import (
	"context"
	"sync"

	"github.com/italolelis/podcast_downloader/internal/download"
)

// Store holds one snapshot per in-flight episode, in the order the episodes
// were added. It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]download.TaskSnapshot
	order []string
}

var _ download.Publisher = (*Store)(nil)

func New() *Store {
	return &Store{tasks: make(map[string]download.TaskSnapshot)}
}

// Hydrate replaces the contents with the snapshots returned by reconciliation.
func (s *Store) Hydrate(snapshots []download.TaskSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]download.TaskSnapshot, len(snapshots))
	s.order = s.order[:0]

	for _, snap := range snapshots {
		s.putLocked(snap)
	}
}

func (s *Store) List() []download.TaskSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]download.TaskSnapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id])
	}

	return out
}

func (s *Store) Get(episodeID string) (download.TaskSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.tasks[episodeID]

	return snap, ok
}

func (s *Store) TaskAdded(_ context.Context, t download.TaskAdded) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putLocked(download.TaskSnapshot{
		EpisodeID:       t.EpisodeID,
		EpisodeTitle:    t.EpisodeTitle,
		PodcastTitle:    t.PodcastTitle,
		PodcastImageURL: t.PodcastImageURL,
		BytesWritten:    download.WrittenPlaceholder,
		BytesTotal:      download.TotalPlaceholder,
		Status:          download.StatusDownloading,
	})
}

// ProgressUpdated updates a known task. Progress for unknown episodes is
// dropped.
func (s *Store) ProgressUpdated(_ context.Context, p download.Progress) {
	s.update(p.EpisodeID, func(snap *download.TaskSnapshot) {
		snap.Percent = p.Percent
		snap.BytesWritten = p.BytesWritten
		snap.BytesTotal = p.BytesTotal
	})
}

func (s *Store) TaskCompleted(_ context.Context, episodeID string) {
	s.remove(episodeID)
}

func (s *Store) TaskFailed(_ context.Context, episodeID, message string) {
	s.update(episodeID, func(snap *download.TaskSnapshot) {
		snap.Status = download.StatusUnknown
		snap.Error = message
	})
}

func (s *Store) TaskStopped(_ context.Context, episodeID string) {
	s.remove(episodeID)
}

func (s *Store) StatusChanged(_ context.Context, episodeID string, status download.Status) {
	s.update(episodeID, func(snap *download.TaskSnapshot) {
		snap.Status = status
		if status == download.StatusDownloading {
			snap.Error = ""
		}
	})
}

func (s *Store) update(episodeID string, fn func(*download.TaskSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.tasks[episodeID]
	if !ok {
		return
	}

	fn(&snap)
	s.tasks[episodeID] = snap
}

func (s *Store) putLocked(snap download.TaskSnapshot) {
	if _, ok := s.tasks[snap.EpisodeID]; !ok {
		s.order = append(s.order, snap.EpisodeID)
	}

	s.tasks[snap.EpisodeID] = snap
}

func (s *Store) remove(episodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[episodeID]; !ok {
		return
	}

	delete(s.tasks, episodeID)

	for i, id := range s.order {
		if id == episodeID {
			s.order = append(s.order[:i], s.order[i+1:]...)

			break
		}
	}
}

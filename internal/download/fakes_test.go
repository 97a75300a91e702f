package download

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/podcast_downloader/internal/episode"
	"github.com/italolelis/podcast_downloader/internal/storage"
	"github.com/italolelis/podcast_downloader/internal/transfer"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id string

	mu      sync.Mutex
	sink    chan<- transfer.Event
	stops   int
	pauses  int
	resumes int
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Attach(sink chan<- transfer.Event) {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	h.stops++
	h.mu.Unlock()
}

func (h *fakeHandle) Pause() {
	h.mu.Lock()
	h.pauses++
	h.mu.Unlock()
}

func (h *fakeHandle) Resume() {
	h.mu.Lock()
	h.resumes++
	h.mu.Unlock()
}

func (h *fakeHandle) attached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.sink != nil
}

func (h *fakeHandle) counts() (stops, pauses, resumes int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.stops, h.pauses, h.resumes
}

func (h *fakeHandle) emit(t *testing.T, ev transfer.Event) {
	t.Helper()

	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()

	require.NotNil(t, sink, "handle %s has no sink attached", h.id)

	ev.TaskID = h.id
	sink <- ev
}

type fakeEngine struct {
	mu        sync.Mutex
	created   []transfer.Request
	handles   map[string]*fakeHandle
	existing  []transfer.TaskInfo
	createErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{handles: make(map[string]*fakeHandle)}
}

func (e *fakeEngine) CreateTask(_ context.Context, req transfer.Request) (transfer.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.createErr != nil {
		return nil, e.createErr
	}

	e.created = append(e.created, req)

	h := &fakeHandle{id: req.ID, sink: req.Sink}
	e.handles[req.ID] = h

	return h, nil
}

func (e *fakeEngine) ExistingTasks(context.Context) ([]transfer.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]transfer.TaskInfo(nil), e.existing...), nil
}

func (e *fakeEngine) Lookup(id string) (transfer.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.handles[id]
	if !ok {
		return nil, false
	}

	return h, true
}

// restore simulates a task that survived a restart.
func (e *fakeEngine) restore(info transfer.TaskInfo) *fakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := &fakeHandle{id: info.ID}
	e.handles[info.ID] = h
	e.existing = append(e.existing, info)

	return h
}

func (e *fakeEngine) handle(id string) *fakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.handles[id]
}

func (e *fakeEngine) createdCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.created)
}

func (e *fakeEngine) setCreateErr(err error) {
	e.mu.Lock()
	e.createErr = err
	e.mu.Unlock()
}

type fakeStore struct {
	mu          sync.Mutex
	downloading map[string]storage.DownloadingEpisode
	downloaded  map[string]*storage.DownloadedPodcast
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		downloading: make(map[string]storage.DownloadingEpisode),
		downloaded:  make(map[string]*storage.DownloadedPodcast),
	}
}

func (s *fakeStore) ListDownloadingEpisodes(context.Context) ([]storage.DownloadingEpisode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.DownloadingEpisode, 0, len(s.downloading))
	for _, rec := range s.downloading {
		out = append(out, rec)
	}

	return out, nil
}

func (s *fakeStore) AddDownloadingEpisode(_ context.Context, rec storage.DownloadingEpisode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.downloading[rec.EpisodeID] = rec

	return nil
}

func (s *fakeStore) RemoveDownloadingEpisode(_ context.Context, episodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.downloading, episodeID)

	return nil
}

func (s *fakeStore) UpdateDownloadingStatus(_ context.Context, episodeID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.downloading[episodeID]
	if !ok {
		return storage.ErrNotFound
	}

	rec.Status = status
	s.downloading[episodeID] = rec

	return nil
}

func (s *fakeStore) IsDownloaded(_ context.Context, episodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.downloaded {
		if p.HasEpisode(episodeID) {
			return true, nil
		}
	}

	return false, nil
}

func (s *fakeStore) CompleteDownload(_ context.Context, ep episode.Episode, p episode.Podcast, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addDownloadedLocked(ep, p, filePath)
	delete(s.downloading, ep.ID)

	return nil
}

func (s *fakeStore) addDownloaded(ep episode.Episode, p episode.Podcast, filePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addDownloadedLocked(ep, p, filePath)
}

func (s *fakeStore) addDownloadedLocked(ep episode.Episode, p episode.Podcast, filePath string) {
	dp, ok := s.downloaded[p.ID]
	if !ok {
		dp = &storage.DownloadedPodcast{PodcastID: p.ID, Title: p.Title, ImageURL: p.ImageURL}
		s.downloaded[p.ID] = dp
	}

	dp.Episodes = append(dp.Episodes, storage.DownloadedEpisode{
		EpisodeID:    ep.ID,
		Title:        ep.Title,
		MediaURL:     ep.MediaURL,
		FilePath:     filePath,
		DownloadedAt: time.Now(),
	})
}

func (s *fakeStore) downloadingRecord(id string) (storage.DownloadingEpisode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.downloading[id]

	return rec, ok
}

func (s *fakeStore) downloadedPodcast(id string) (storage.DownloadedPodcast, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.downloaded[id]
	if !ok {
		return storage.DownloadedPodcast{}, false
	}

	return *p, true
}

func (s *fakeStore) downloadingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.downloading)
}

type fakePublisher struct {
	mu        sync.Mutex
	added     []TaskAdded
	progress  []Progress
	completed []string
	failed    map[string]string
	stopped   []string
	statuses  map[string]Status
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		failed:   make(map[string]string),
		statuses: make(map[string]Status),
	}
}

func (p *fakePublisher) TaskAdded(_ context.Context, t TaskAdded) {
	p.mu.Lock()
	p.added = append(p.added, t)
	p.mu.Unlock()
}

func (p *fakePublisher) ProgressUpdated(_ context.Context, pr Progress) {
	p.mu.Lock()
	p.progress = append(p.progress, pr)
	p.mu.Unlock()
}

func (p *fakePublisher) TaskCompleted(_ context.Context, episodeID string) {
	p.mu.Lock()
	p.completed = append(p.completed, episodeID)
	p.mu.Unlock()
}

func (p *fakePublisher) TaskFailed(_ context.Context, episodeID, message string) {
	p.mu.Lock()
	p.failed[episodeID] = message
	p.mu.Unlock()
}

func (p *fakePublisher) TaskStopped(_ context.Context, episodeID string) {
	p.mu.Lock()
	p.stopped = append(p.stopped, episodeID)
	p.mu.Unlock()
}

func (p *fakePublisher) StatusChanged(_ context.Context, episodeID string, status Status) {
	p.mu.Lock()
	p.statuses[episodeID] = status
	p.mu.Unlock()
}

func (p *fakePublisher) addedEvents() []TaskAdded {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]TaskAdded(nil), p.added...)
}

func (p *fakePublisher) progressEvents() []Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Progress(nil), p.progress...)
}

func (p *fakePublisher) completedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.completed...)
}

func (p *fakePublisher) stoppedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.stopped...)
}

func (p *fakePublisher) failure(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, ok := p.failed[id]

	return msg, ok
}

func (p *fakePublisher) status(id string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.statuses[id]
}

type fakeGate bool

func (g fakeGate) IsDownloadingConnectionAcceptable(context.Context) bool {
	return bool(g)
}

type fakeTagger struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (f *fakeTagger) Tag(_ context.Context, _ episode.Episode, _ episode.Podcast, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.paths = append(f.paths, path)

	return f.err
}

func (f *fakeTagger) tagged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.paths...)
}

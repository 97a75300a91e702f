package download

import (
	"sort"
	"sync"
	"time"

	"github.com/italolelis/podcast_downloader/internal/episode"
	"github.com/italolelis/podcast_downloader/internal/transfer"
)

// Task is a registry entry: an episode whose transfer this session owns.
type Task struct {
	Episode     episode.Episode
	Podcast     episode.Podcast
	Destination string
	Handle      transfer.Handle
	Status      Status
	StartedAt   time.Time

	BytesWritten int64
}

// Registry maps episode ids to live tasks. It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Reserve inserts t unless its episode id is already registered, and reports
// whether it did. Check and insert happen under one lock.
func (r *Registry) Reserve(t Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := t.Episode.ID
	if _, ok := r.tasks[id]; ok {
		return false
	}

	r.tasks[id] = &t

	return true
}

// Register binds the engine handle to a reserved entry. It is a no-op for ids
// that are not reserved.
func (r *Registry) Register(id string, h transfer.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tasks[id]; ok {
		t.Handle = h
	}
}

// Find returns the handle bound to id. Reserved entries without a handle are
// not found.
func (r *Registry) Find(id string) (transfer.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Handle == nil {
		return nil, false
	}

	return t.Handle, true
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}

	return *t, true
}

func (r *Registry) SetStatus(id string, s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tasks[id]; ok {
		t.Status = s
	}
}

// Advance records the bytes written so far and returns the growth since the
// previous call.
func (r *Registry) Advance(id string, written int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return 0
	}

	delta := written - t.BytesWritten
	t.BytesWritten = written

	if delta < 0 {
		return 0
	}

	return delta
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tasks, id)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.tasks)
}

// IDs returns the registered episode ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

package background

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/podcast_downloader/internal/storage"
	"github.com/italolelis/podcast_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]storage.TransferTask
}

func newMemTaskStore(seed ...storage.TransferTask) *memTaskStore {
	s := &memTaskStore{tasks: make(map[string]storage.TransferTask)}
	for _, t := range seed {
		s.tasks[t.TaskID] = t
	}

	return s
}

func (s *memTaskStore) ListTasks(context.Context) ([]storage.TransferTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.TransferTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}

	return out, nil
}

func (s *memTaskStore) SaveTask(_ context.Context, t storage.TransferTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[t.TaskID] = t

	return nil
}

func (s *memTaskStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tasks, id)

	return nil
}

func (s *memTaskStore) get(id string) (storage.TransferTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]

	return t, ok
}

var media = bytes.Repeat([]byte("podcast-audio-"), 4096)

// mediaServer serves media with range support. When stallFirst is set the
// first request writes half the body and then hangs until the client goes away.
func mediaServer(t *testing.T, stallFirst bool) *httptest.Server {
	t.Helper()

	var (
		mu       sync.Mutex
		requests int
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()

		if r.URL.Path == "/missing.mp3" {
			http.NotFound(w, r)

			return
		}

		if stallFirst && n == 1 {
			w.Header().Set("Content-Length", strconv.Itoa(len(media)))
			w.Header().Set("Content-Type", "audio/mpeg")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(media[:len(media)/4])
			w.(http.Flusher).Flush()
			<-r.Context().Done()

			return
		}

		http.ServeContent(w, r, "episode.mp3", time.Time{}, bytes.NewReader(media))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newEngine(t *testing.T, store TaskStore, opts Options) *Engine {
	t.Helper()

	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = time.Nanosecond
	}

	e, err := New(context.Background(), store, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return e
}

// waitFor drains sink until an event of the given kind arrives.
func waitFor(t *testing.T, sink <-chan transfer.Event, kind transfer.EventKind) transfer.Event {
	t.Helper()

	timeout := time.After(5 * time.Second)

	for {
		select {
		case ev := <-sink:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestEngine_DownloadsFile(t *testing.T) {
	srv := mediaServer(t, false)
	store := newMemTaskStore()
	e := newEngine(t, store, Options{})

	dest := filepath.Join(t.TempDir(), "show", "ep-1.mp3")
	sink := make(chan transfer.Event, 64)

	h, err := e.CreateTask(context.Background(), transfer.Request{ID: "ep-1", URL: srv.URL + "/ep-1.mp3", Destination: dest})
	require.NoError(t, err)
	h.Attach(sink)

	waitFor(t, sink, transfer.EventDone)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, media, got)

	_, err = os.Stat(dest + PartSuffix)
	assert.True(t, os.IsNotExist(err))

	_, ok := store.get("ep-1")
	assert.False(t, ok, "completed tasks are forgotten")

	infos, err := e.ExistingTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, transfer.StateDone, infos[0].State)
	assert.InDelta(t, 1.0, infos[0].Percent, 0.0001)
}

func TestEngine_RejectsDuplicateLiveTask(t *testing.T) {
	srv := mediaServer(t, true)
	e := newEngine(t, newMemTaskStore(), Options{})

	req := transfer.Request{ID: "ep-1", URL: srv.URL + "/ep-1.mp3", Destination: filepath.Join(t.TempDir(), "ep-1.mp3")}

	_, err := e.CreateTask(context.Background(), req)
	require.NoError(t, err)

	_, err = e.CreateTask(context.Background(), req)
	assert.ErrorIs(t, err, transfer.ErrTaskExists)
}

func TestEngine_PauseAndResume(t *testing.T) {
	srv := mediaServer(t, true)
	store := newMemTaskStore()
	e := newEngine(t, store, Options{})

	dest := filepath.Join(t.TempDir(), "ep-1.mp3")
	sink := make(chan transfer.Event, 64)

	h, err := e.CreateTask(context.Background(), transfer.Request{ID: "ep-1", URL: srv.URL + "/ep-1.mp3", Destination: dest})
	require.NoError(t, err)
	h.Attach(sink)

	begin := waitFor(t, sink, transfer.EventBegin)
	assert.Equal(t, int64(len(media)), begin.BytesTotal)

	require.Eventually(t, func() bool {
		fi, err := os.Stat(dest + PartSuffix)

		return err == nil && fi.Size() == int64(len(media)/4)
	}, 5*time.Second, 10*time.Millisecond)

	h.Pause()
	waitFor(t, sink, transfer.EventPaused)

	rec, ok := store.get("ep-1")
	require.True(t, ok)
	assert.Equal(t, string(transfer.StatePaused), rec.State)

	h.Resume()
	waitFor(t, sink, transfer.EventResumed)
	waitFor(t, sink, transfer.EventDone)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, media, got)
}

func TestEngine_Stop(t *testing.T) {
	srv := mediaServer(t, true)
	store := newMemTaskStore()
	e := newEngine(t, store, Options{})

	dest := filepath.Join(t.TempDir(), "ep-1.mp3")
	sink := make(chan transfer.Event, 64)

	h, err := e.CreateTask(context.Background(), transfer.Request{ID: "ep-1", URL: srv.URL + "/ep-1.mp3", Destination: dest})
	require.NoError(t, err)
	h.Attach(sink)

	waitFor(t, sink, transfer.EventBegin)

	h.Stop()
	waitFor(t, sink, transfer.EventStopped)

	_, err = os.Stat(dest + PartSuffix)
	assert.True(t, os.IsNotExist(err))

	_, ok := store.get("ep-1")
	assert.False(t, ok)

	// A stopped task can be created again.
	_, err = e.CreateTask(context.Background(), transfer.Request{ID: "ep-1", URL: srv.URL + "/ep-1.mp3", Destination: dest})
	assert.NoError(t, err)
}

func TestEngine_HTTPErrorReportsFailure(t *testing.T) {
	srv := mediaServer(t, false)
	store := newMemTaskStore()
	e := newEngine(t, store, Options{})

	sink := make(chan transfer.Event, 64)

	h, err := e.CreateTask(context.Background(), transfer.Request{ID: "ep-1", URL: srv.URL + "/missing.mp3", Destination: filepath.Join(t.TempDir(), "ep-1.mp3")})
	require.NoError(t, err)
	h.Attach(sink)

	ev := waitFor(t, sink, transfer.EventError)
	assert.Contains(t, ev.Message, "404")

	rec, ok := store.get("ep-1")
	require.True(t, ok)
	assert.Equal(t, string(transfer.StateFailed), rec.State)
	assert.Contains(t, rec.ErrorMessage, "404")
}

func TestEngine_StopClearsFailedTask(t *testing.T) {
	srv := mediaServer(t, false)
	store := newMemTaskStore()
	e := newEngine(t, store, Options{})

	dest := filepath.Join(t.TempDir(), "ep-1.mp3")
	sink := make(chan transfer.Event, 64)

	h, err := e.CreateTask(context.Background(), transfer.Request{ID: "ep-1", URL: srv.URL + "/missing.mp3", Destination: dest, Sink: sink})
	require.NoError(t, err)

	waitFor(t, sink, transfer.EventError)

	h.Stop()
	waitFor(t, sink, transfer.EventStopped)

	_, ok := store.get("ep-1")
	assert.False(t, ok)

	// Stopping twice reports nothing new.
	h.Stop()

	select {
	case ev := <-sink:
		t.Fatalf("unexpected %s event after second stop", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = e.CreateTask(context.Background(), transfer.Request{ID: "ep-1", URL: srv.URL + "/ep-1.mp3", Destination: dest, Sink: sink})
	require.NoError(t, err)
	waitFor(t, sink, transfer.EventDone)
}

func TestEngine_EmitDeliversAfterShutdown(t *testing.T) {
	e := newEngine(t, newMemTaskStore(), Options{})
	require.NoError(t, e.Close())

	sink := make(chan transfer.Event, 1)
	tk := newTask(e, transfer.Request{ID: "ep-1", URL: "http://example.invalid/ep-1.mp3", Destination: "ep-1.mp3", Sink: sink})

	tk.emit(transfer.Event{Kind: transfer.EventDone})

	select {
	case ev := <-sink:
		assert.Equal(t, transfer.EventDone, ev.Kind)
		assert.Equal(t, "ep-1", ev.TaskID)
	default:
		t.Fatal("done event was not delivered")
	}
}

func TestEngine_StallTimeout(t *testing.T) {
	srv := mediaServer(t, true)
	e := newEngine(t, newMemTaskStore(), Options{StallTimeout: 100 * time.Millisecond})

	sink := make(chan transfer.Event, 64)

	h, err := e.CreateTask(context.Background(), transfer.Request{ID: "ep-1", URL: srv.URL + "/ep-1.mp3", Destination: filepath.Join(t.TempDir(), "ep-1.mp3")})
	require.NoError(t, err)
	h.Attach(sink)

	ev := waitFor(t, sink, transfer.EventError)
	assert.Contains(t, ev.Message, "made no progress")
}

func TestEngine_MaxConcurrent(t *testing.T) {
	srv := mediaServer(t, true)
	e := newEngine(t, newMemTaskStore(), Options{MaxConcurrent: 1})
	dir := t.TempDir()

	sink := make(chan transfer.Event, 64)

	first, err := e.CreateTask(context.Background(), transfer.Request{ID: "ep-1", URL: srv.URL + "/ep-1.mp3", Destination: filepath.Join(dir, "ep-1.mp3")})
	require.NoError(t, err)
	first.Attach(sink)
	waitFor(t, sink, transfer.EventBegin)

	second, err := e.CreateTask(context.Background(), transfer.Request{ID: "ep-2", URL: srv.URL + "/ep-2.mp3", Destination: filepath.Join(dir, "ep-2.mp3")})
	require.NoError(t, err)
	second.Attach(sink)

	time.Sleep(50 * time.Millisecond)

	infos, err := e.ExistingTasks(context.Background())
	require.NoError(t, err)

	for _, info := range infos {
		if info.ID == "ep-2" {
			assert.Equal(t, transfer.StatePending, info.State, "second task must wait for a slot")
		}
	}

	first.Stop()

	ev := waitFor(t, sink, transfer.EventDone)
	assert.Equal(t, "ep-2", ev.TaskID)
}

func TestEngine_RestoresInterruptedTasks(t *testing.T) {
	srv := mediaServer(t, false)
	dest := filepath.Join(t.TempDir(), "ep-1.mp3")

	half := int64(len(media) / 2)
	require.NoError(t, os.WriteFile(dest+PartSuffix, media[:half], 0o644))

	store := newMemTaskStore(storage.TransferTask{
		TaskID:       "ep-1",
		URL:          srv.URL + "/ep-1.mp3",
		Destination:  dest,
		TotalBytes:   int64(len(media)),
		BytesWritten: half,
		State:        string(transfer.StateDownloading),
	})

	e := newEngine(t, store, Options{})

	infos, err := e.ExistingTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, transfer.StateDownloading, infos[0].State)
	assert.InDelta(t, 0.5, infos[0].Percent, 0.01)

	h, ok := e.Lookup("ep-1")
	require.True(t, ok)

	sink := make(chan transfer.Event, 64)
	h.Attach(sink)
	h.Resume()

	waitFor(t, sink, transfer.EventDone)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, media, got)
}

func TestTotalFromContentRange(t *testing.T) {
	assert.Equal(t, int64(200), totalFromContentRange("bytes 100-199/200"))
	assert.Equal(t, int64(200), totalFromContentRange("bytes */200"))
	assert.Equal(t, int64(0), totalFromContentRange("bytes 0-1/*"))
	assert.Equal(t, int64(0), totalFromContentRange(""))
}

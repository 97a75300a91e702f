// Package background implements transfer.Engine with resumable HTTP
// downloads whose state is persisted so tasks can be enumerated after a
// restart.
package background

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/podcast_downloader/internal/logctx"
	"github.com/italolelis/podcast_downloader/internal/storage"
	"github.com/italolelis/podcast_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"
)

const (
	// PartSuffix is appended to a destination while its media is incomplete.
	PartSuffix = ".part"

	defaultProgressInterval = time.Second
)

var (
	errPaused   = errors.New("transfer paused")
	errStopped  = errors.New("transfer stopped")
	errShutdown = errors.New("engine shutting down")
)

// TaskStore persists the engine's tasks.
type TaskStore interface {
	ListTasks(ctx context.Context) ([]storage.TransferTask, error)
	SaveTask(ctx context.Context, t storage.TransferTask) error
	DeleteTask(ctx context.Context, taskID string) error
}

// Options tune the engine. The zero value means unbounded concurrency and no
// stall timeout.
type Options struct {
	Client *http.Client
	// MaxConcurrent caps the number of transfers moving bytes at once; 0 is unbounded.
	MaxConcurrent int
	// StallTimeout fails a transfer that receives no bytes for this long; 0 disables it.
	StallTimeout     time.Duration
	ProgressInterval time.Duration
}

// Engine downloads media over HTTP in background goroutines.
type Engine struct {
	client           *http.Client
	store            TaskStore
	sem              *semaphore.Weighted
	stallTimeout     time.Duration
	progressInterval time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*task
}

var _ transfer.Engine = (*Engine)(nil)

// New creates the engine and restores the tasks recorded in store. Restored
// tasks are idle until resumed; a task that was downloading when the previous
// process exited keeps reporting StateDownloading.
func New(ctx context.Context, store TaskStore, opts Options) (*Engine, error) {
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}

	engineCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	e := &Engine{
		client:           opts.Client,
		store:            store,
		stallTimeout:     opts.StallTimeout,
		progressInterval: opts.ProgressInterval,
		ctx:              logctx.WithLogger(engineCtx, logctx.LoggerFromContext(ctx).With("component", "background_engine")),
		cancel:           cancel,
		tasks:            make(map[string]*task),
	}

	if opts.MaxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}

	persisted, err := store.ListTasks(ctx)
	if err != nil {
		cancel(errShutdown)

		return nil, fmt.Errorf("failed to restore transfer tasks: %w", err)
	}

	for _, rec := range persisted {
		t := newTask(e, transfer.Request{ID: rec.TaskID, URL: rec.URL, Destination: rec.Destination})
		t.state = transfer.ParseState(rec.State)
		t.total = rec.TotalBytes
		t.written = rec.BytesWritten
		t.errMsg = rec.ErrorMessage
		t.begun = true

		e.tasks[rec.TaskID] = t
	}

	logctx.LoggerFromContext(ctx).Info("transfer engine ready", "restored_tasks", len(persisted))

	return e, nil
}

// CreateTask registers a new transfer and starts it in the background. A
// previous task with the same id is replaced only if it reached a terminal
// state.
func (e *Engine) CreateTask(ctx context.Context, req transfer.Request) (transfer.Handle, error) {
	if req.ID == "" || req.URL == "" || req.Destination == "" {
		return nil, fmt.Errorf("incomplete transfer request for %q", req.ID)
	}

	if err := e.ctx.Err(); err != nil {
		return nil, fmt.Errorf("engine closed: %w", context.Cause(e.ctx))
	}

	e.mu.Lock()

	if existing, ok := e.tasks[req.ID]; ok && !existing.currentState().IsTerminal() {
		e.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", transfer.ErrTaskExists, req.ID)
	}

	t := newTask(e, req)
	e.tasks[req.ID] = t
	e.mu.Unlock()

	if err := e.store.SaveTask(ctx, t.record()); err != nil {
		e.mu.Lock()
		delete(e.tasks, req.ID)
		e.mu.Unlock()

		return nil, fmt.Errorf("failed to persist transfer task: %w", err)
	}

	t.start()

	return t, nil
}

// ExistingTasks returns every task the engine knows about, ordered by id.
func (e *Engine) ExistingTasks(_ context.Context) ([]transfer.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos := make([]transfer.TaskInfo, 0, len(e.tasks))
	for _, t := range e.tasks {
		infos = append(infos, t.info())
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos, nil
}

// Lookup returns the handle of a known task.
func (e *Engine) Lookup(id string) (transfer.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return nil, false
	}

	return t, true
}

// Close interrupts running transfers, keeping their progress for the next
// process, and waits for them to exit.
func (e *Engine) Close() error {
	e.cancel(errShutdown)
	e.wg.Wait()

	return nil
}

func (e *Engine) forget(id string) {
	if err := e.store.DeleteTask(context.WithoutCancel(e.ctx), id); err != nil {
		logctx.LoggerFromContext(e.ctx).Error("failed to delete transfer task", "task_id", id, "err", err)
	}
}

func (e *Engine) persist(t storage.TransferTask) {
	if err := e.store.SaveTask(context.WithoutCancel(e.ctx), t); err != nil {
		logctx.LoggerFromContext(e.ctx).Error("failed to persist transfer task", "task_id", t.TaskID, "err", err)
	}
}

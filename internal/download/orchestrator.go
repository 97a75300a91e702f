// Package download coordinates background episode downloads: it starts and
// controls engine transfers, persists in-flight state, publishes progress and
// reconciles surviving transfers at startup.
package download

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/italolelis/podcast_downloader/internal/episode"
	"github.com/italolelis/podcast_downloader/internal/logctx"
	"github.com/italolelis/podcast_downloader/internal/storage"
	"github.com/italolelis/podcast_downloader/internal/telemetry"
	"github.com/italolelis/podcast_downloader/internal/transfer"
)

const defaultInboxSize = 64

// ErrorPolicy decides what happens to a task after its transfer fails.
type ErrorPolicy string

const (
	// ErrorPolicyRetain keeps the registry entry and the persisted record, so
	// the episode cannot be started again until the task is resumed or
	// cancelled.
	ErrorPolicyRetain ErrorPolicy = "retain"
	// ErrorPolicyRelease drops the registry entry and marks the persisted
	// record UNKNOWN.
	ErrorPolicyRelease ErrorPolicy = "release"
)

// Store is the persistence the orchestrator needs: the Downloading Store and
// the Downloaded Store.
type Store interface {
	ListDownloadingEpisodes(ctx context.Context) ([]storage.DownloadingEpisode, error)
	AddDownloadingEpisode(ctx context.Context, rec storage.DownloadingEpisode) error
	RemoveDownloadingEpisode(ctx context.Context, episodeID string) error
	UpdateDownloadingStatus(ctx context.Context, episodeID, status string) error
	IsDownloaded(ctx context.Context, episodeID string) (bool, error)
	// CompleteDownload records the episode as downloaded and removes its
	// downloading record in one step.
	CompleteDownload(ctx context.Context, ep episode.Episode, p episode.Podcast, filePath string) error
}

// NetworkGate reports whether the current connection may carry downloads.
type NetworkGate interface {
	IsDownloadingConnectionAcceptable(ctx context.Context) bool
}

// Tagger writes episode metadata into a finished file.
type Tagger interface {
	Tag(ctx context.Context, ep episode.Episode, p episode.Podcast, path string) error
}

// TaskAdded is published when a transfer begins.
type TaskAdded struct {
	EpisodeID       string
	EpisodeTitle    string
	PodcastTitle    string
	PodcastImageURL string
}

// Progress is published on every engine progress report.
type Progress struct {
	EpisodeID    string
	Percent      float64
	BytesWritten string
	BytesTotal   string
}

// Publisher receives task state changes for the UI.
type Publisher interface {
	TaskAdded(ctx context.Context, t TaskAdded)
	ProgressUpdated(ctx context.Context, p Progress)
	TaskCompleted(ctx context.Context, episodeID string)
	TaskFailed(ctx context.Context, episodeID, message string)
	TaskStopped(ctx context.Context, episodeID string)
	StatusChanged(ctx context.Context, episodeID string, status Status)
}

type Options struct {
	DownloadDir string
	ErrorPolicy ErrorPolicy
	Telemetry   *telemetry.Telemetry
	// Tagger is optional.
	Tagger Tagger
	// InboxSize buffers engine events between the transfer goroutines and Run.
	InboxSize int
	// Now is used for timestamps; defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns the download lifecycle for the session. Commands may be
// called from any goroutine; engine events are processed by Run, which is the
// only writer of the Store and the Publisher.
type Orchestrator struct {
	engine    transfer.Engine
	store     Store
	publisher Publisher
	gate      NetworkGate
	registry  *Registry

	downloadDir string
	errorPolicy ErrorPolicy
	telemetry   *telemetry.Telemetry
	tagger      Tagger
	now         func() time.Time

	inbox      chan transfer.Event
	ready      chan struct{}
	reconciled atomic.Bool
}

func NewOrchestrator(
	engine transfer.Engine,
	store Store,
	publisher Publisher,
	gate NetworkGate,
	registry *Registry,
	opts Options,
) *Orchestrator {
	if registry == nil {
		registry = NewRegistry()
	}

	if opts.ErrorPolicy == "" {
		opts.ErrorPolicy = ErrorPolicyRetain
	}

	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Orchestrator{
		engine:      engine,
		store:       store,
		publisher:   publisher,
		gate:        gate,
		registry:    registry,
		downloadDir: opts.DownloadDir,
		errorPolicy: opts.ErrorPolicy,
		telemetry:   opts.Telemetry,
		tagger:      opts.Tagger,
		now:         opts.Now,
		inbox:       make(chan transfer.Event, opts.InboxSize),
		ready:       make(chan struct{}),
	}
}

// Start downloads the episode unless it is already downloading or
// downloaded, in which case it does nothing.
func (o *Orchestrator) Start(ctx context.Context, ep episode.Episode, p episode.Podcast) error {
	if err := o.waitReady(ctx); err != nil {
		return err
	}

	if err := ep.Validate(); err != nil {
		return err
	}

	if err := p.Validate(); err != nil {
		return err
	}

	ctx = logctx.WithEpisodeID(ctx, ep.ID)
	logger := logctx.LoggerFromContext(ctx).With("episode_id", ep.ID)

	dest := ep.Destination(o.downloadDir, p)

	if !o.registry.Reserve(Task{
		Episode:     ep,
		Podcast:     p,
		Destination: dest,
		Status:      StatusPending,
		StartedAt:   o.now(),
	}) {
		logger.Debug("episode already registered, skipping")

		return nil
	}

	dup, err := o.isDuplicate(ctx, ep.ID)
	if err != nil {
		o.registry.Remove(ep.ID)

		return err
	}

	if dup {
		o.registry.Remove(ep.ID)
		logger.Debug("episode already downloading or downloaded, skipping")

		return nil
	}

	h, err := o.engine.CreateTask(ctx, transfer.Request{
		ID:          ep.ID,
		URL:         ep.MediaURL,
		Destination: dest,
		Sink:        o.inbox,
	})
	if err != nil {
		o.registry.Remove(ep.ID)

		if errors.Is(err, transfer.ErrTaskExists) {
			logger.Debug("engine already has a transfer for episode, skipping")

			return nil
		}

		return fmt.Errorf("failed to create transfer for episode %s: %w", ep.ID, err)
	}

	o.registry.Register(ep.ID, h)
	o.telemetry.RecordDownloadStarted(ctx)

	logger.Info("download requested", "destination", dest)

	return nil
}

// Cancel stops the episode's transfer. Unknown ids are ignored.
func (o *Orchestrator) Cancel(ctx context.Context, episodeID string) error {
	return o.signal(ctx, episodeID, "cancel", transfer.Handle.Stop)
}

// Pause suspends the episode's transfer. Unknown ids are ignored.
func (o *Orchestrator) Pause(ctx context.Context, episodeID string) error {
	return o.signal(ctx, episodeID, "pause", transfer.Handle.Pause)
}

// Resume continues the episode's transfer. Unknown ids are ignored.
func (o *Orchestrator) Resume(ctx context.Context, episodeID string) error {
	return o.signal(ctx, episodeID, "resume", transfer.Handle.Resume)
}

// Tasks returns the episode ids registered in this session.
func (o *Orchestrator) Tasks() []string {
	return o.registry.IDs()
}

func (o *Orchestrator) signal(ctx context.Context, episodeID, op string, fn func(transfer.Handle)) error {
	if err := o.waitReady(ctx); err != nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx).With("episode_id", episodeID)

	h, ok := o.registry.Find(episodeID)
	if !ok {
		logger.Debug("no task registered for episode", "op", op)

		return nil
	}

	fn(h)
	logger.Debug("signalled transfer", "op", op)

	return nil
}

// isDuplicate reports whether the episode is already persisted as in flight
// or downloaded. Downloading records in a terminal status do not count.
func (o *Orchestrator) isDuplicate(ctx context.Context, episodeID string) (bool, error) {
	downloading, err := o.store.ListDownloadingEpisodes(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list downloading episodes: %w", err)
	}

	for _, rec := range downloading {
		if rec.EpisodeID == episodeID && !ParseStatus(rec.Status).IsTerminal() {
			return true, nil
		}
	}

	downloaded, err := o.store.IsDownloaded(ctx, episodeID)
	if err != nil {
		return false, fmt.Errorf("failed to check downloaded episode: %w", err)
	}

	return downloaded, nil
}

// waitReady returns nil once Reconcile has finished, even if ctx is done too.
func (o *Orchestrator) waitReady(ctx context.Context) error {
	select {
	case <-o.ready:
		return nil
	default:
	}

	select {
	case <-o.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes engine events until ctx is done. It waits for Reconcile
// before handling anything. Events already queued when ctx ends are still
// handled, so the engine should be closed before ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := o.waitReady(ctx); err != nil {
		return nil
	}

	logger.Info("processing download events")

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down download orchestrator", "pending_events", len(o.inbox))
			o.drain(context.WithoutCancel(ctx))

			return nil
		case ev := <-o.inbox:
			o.handle(ctx, ev)
		}
	}
}

func (o *Orchestrator) drain(ctx context.Context) {
	for {
		select {
		case ev := <-o.inbox:
			o.handle(ctx, ev)
		default:
			return
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev transfer.Event) {
	ctx = logctx.WithEpisodeID(ctx, ev.TaskID)
	logger := logctx.LoggerFromContext(ctx).With("episode_id", ev.TaskID, "event", ev.Kind.String())

	task, ok := o.registry.Get(ev.TaskID)
	if !ok {
		logger.Debug("event for unregistered task, ignoring")

		return
	}

	switch ev.Kind {
	case transfer.EventBegin:
		o.onBegin(ctx, task)
	case transfer.EventProgress:
		o.onProgress(ctx, ev)
	case transfer.EventPaused:
		o.onStatus(ctx, ev.TaskID, StatusPaused)
	case transfer.EventResumed:
		o.onStatus(ctx, ev.TaskID, StatusDownloading)
	case transfer.EventStopped:
		o.onStopped(ctx, task)
	case transfer.EventDone:
		o.onDone(ctx, task)
	case transfer.EventError:
		o.onError(ctx, task, ev.Message)
	default:
		logger.Warn("unknown transfer event")
	}
}

func (o *Orchestrator) onBegin(ctx context.Context, task Task) {
	logger := logctx.LoggerFromContext(ctx).With("episode_id", task.Episode.ID)

	rec := storage.DownloadingEpisode{
		EpisodeID:       task.Episode.ID,
		Title:           task.Episode.Title,
		MediaURL:        task.Episode.MediaURL,
		Destination:     task.Destination,
		PodcastID:       task.Podcast.ID,
		PodcastTitle:    task.Podcast.Title,
		PodcastImageURL: task.Podcast.ImageURL,
		Status:          StatusDownloading.String(),
		AddedAt:         o.now(),
	}

	if err := o.store.AddDownloadingEpisode(ctx, rec); err != nil {
		logger.Error("failed to persist downloading episode", "err", err)
		o.telemetry.RecordSystemError(ctx, "orchestrator", "store")
	}

	o.registry.SetStatus(task.Episode.ID, StatusDownloading)

	o.publisher.TaskAdded(ctx, TaskAdded{
		EpisodeID:       task.Episode.ID,
		EpisodeTitle:    task.Episode.Title,
		PodcastTitle:    task.Podcast.Title,
		PodcastImageURL: task.Podcast.ImageURL,
	})

	logger.Info("download started", "podcast", task.Podcast.Title, "title", task.Episode.Title)
}

func (o *Orchestrator) onProgress(ctx context.Context, ev transfer.Event) {
	if delta := o.registry.Advance(ev.TaskID, ev.BytesWritten); delta > 0 {
		o.telemetry.RecordDownloadedBytes(ctx, delta)
	}

	written, total := FormatProgress(ev.BytesWritten, ev.BytesTotal)

	o.publisher.ProgressUpdated(ctx, Progress{
		EpisodeID:    ev.TaskID,
		Percent:      ev.Percent,
		BytesWritten: written,
		BytesTotal:   total,
	})
}

func (o *Orchestrator) onStatus(ctx context.Context, episodeID string, status Status) {
	logger := logctx.LoggerFromContext(ctx).With("episode_id", episodeID)

	o.registry.SetStatus(episodeID, status)

	if err := o.store.UpdateDownloadingStatus(ctx, episodeID, status.String()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error("failed to update downloading status", "status", status, "err", err)
		o.telemetry.RecordSystemError(ctx, "orchestrator", "store")
	}

	o.publisher.StatusChanged(ctx, episodeID, status)

	logger.Info("download status changed", "status", status)
}

func (o *Orchestrator) onStopped(ctx context.Context, task Task) {
	id := task.Episode.ID
	logger := logctx.LoggerFromContext(ctx).With("episode_id", id)

	o.registry.Remove(id)

	if err := o.store.RemoveDownloadingEpisode(ctx, id); err != nil {
		logger.Error("failed to remove downloading episode", "err", err)
		o.telemetry.RecordSystemError(ctx, "orchestrator", "store")
	}

	o.publisher.TaskStopped(ctx, id)
	o.telemetry.RecordDownloadFinished(ctx, "stopped", o.now().Sub(task.StartedAt))

	logger.Info("download cancelled")
}

func (o *Orchestrator) onDone(ctx context.Context, task Task) {
	id := task.Episode.ID
	logger := logctx.LoggerFromContext(ctx).With("episode_id", id)

	o.publisher.TaskCompleted(ctx, id)

	if o.tagger != nil {
		if err := o.tagger.Tag(ctx, task.Episode, task.Podcast, task.Destination); err != nil {
			logger.Warn("failed to tag downloaded episode", "err", err)
			o.telemetry.RecordSystemError(ctx, "orchestrator", "tagger")
		}
	}

	if err := o.store.CompleteDownload(ctx, task.Episode, task.Podcast, task.Destination); err != nil {
		logger.Error("failed to record completed download", "err", err)
		o.telemetry.RecordSystemError(ctx, "orchestrator", "store")
	}

	o.registry.Remove(id)
	o.telemetry.RecordDownloadFinished(ctx, "completed", o.now().Sub(task.StartedAt))

	logger.Info("download completed", "file", task.Destination, "took", o.now().Sub(task.StartedAt).Round(time.Millisecond))
}

func (o *Orchestrator) onError(ctx context.Context, task Task, message string) {
	id := task.Episode.ID
	logger := logctx.LoggerFromContext(ctx).With("episode_id", id)

	logger.Error("download failed", "err", message)

	o.publisher.TaskFailed(ctx, id, message)
	o.telemetry.RecordDownloadFinished(ctx, "failed", o.now().Sub(task.StartedAt))

	if o.errorPolicy != ErrorPolicyRelease {
		o.registry.SetStatus(id, StatusUnknown)

		return
	}

	o.registry.Remove(id)

	if err := o.store.UpdateDownloadingStatus(ctx, id, StatusUnknown.String()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error("failed to mark failed download", "err", err)
		o.telemetry.RecordSystemError(ctx, "orchestrator", "store")
	}
}

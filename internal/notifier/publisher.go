package notifier

import (
	"context"
	"sync"

	"github.com/italolelis/podcast_downloader/internal/download"
	"github.com/italolelis/podcast_downloader/internal/logctx"
)

const defaultQueueSize = 32

// Publisher sends a notification when a download finishes or fails. Messages
// are queued and delivered by Run so webhook latency never holds up the
// caller.
type Publisher struct {
	notifier Notifier
	queue    chan string

	mu     sync.Mutex
	titles map[string]string
}

var _ download.Publisher = (*Publisher)(nil)

func NewPublisher(n Notifier) *Publisher {
	return &Publisher{
		notifier: n,
		queue:    make(chan string, defaultQueueSize),
		titles:   make(map[string]string),
	}
}

// Run delivers queued notifications until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("notification publisher shutting down")

			return nil
		case msg := <-p.queue:
			if err := p.notifier.Notify(ctx, msg); err != nil {
				logger.Error("failed to send notification", "err", err)
			}
		}
	}
}

func (p *Publisher) TaskAdded(_ context.Context, t download.TaskAdded) {
	title := t.EpisodeTitle
	if t.PodcastTitle != "" {
		title = t.PodcastTitle + ": " + title
	}

	if title == "" {
		title = t.EpisodeID
	}

	p.mu.Lock()
	p.titles[t.EpisodeID] = title
	p.mu.Unlock()
}

func (p *Publisher) ProgressUpdated(context.Context, download.Progress) {}

func (p *Publisher) TaskCompleted(ctx context.Context, episodeID string) {
	p.enqueue(ctx, "✅ Download finished: "+p.take(episodeID, true))
}

func (p *Publisher) TaskFailed(ctx context.Context, episodeID, message string) {
	p.enqueue(ctx, "❌ Download failed: "+p.take(episodeID, false)+" ("+message+")")
}

func (p *Publisher) TaskStopped(_ context.Context, episodeID string) {
	p.take(episodeID, true)
}

func (p *Publisher) StatusChanged(context.Context, string, download.Status) {}

func (p *Publisher) take(episodeID string, forget bool) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	title, ok := p.titles[episodeID]
	if !ok {
		title = episodeID
	}

	if forget {
		delete(p.titles, episodeID)
	}

	return title
}

func (p *Publisher) enqueue(ctx context.Context, msg string) {
	select {
	case p.queue <- msg:
	default:
		logctx.LoggerFromContext(ctx).Warn("notification queue full, dropping message", "message", msg)
	}
}

package download

import "context"

// Fanout delivers every event to each publisher in order.
type Fanout []Publisher

var _ Publisher = Fanout(nil)

func (f Fanout) TaskAdded(ctx context.Context, t TaskAdded) {
	for _, p := range f {
		p.TaskAdded(ctx, t)
	}
}

func (f Fanout) ProgressUpdated(ctx context.Context, pr Progress) {
	for _, p := range f {
		p.ProgressUpdated(ctx, pr)
	}
}

func (f Fanout) TaskCompleted(ctx context.Context, episodeID string) {
	for _, p := range f {
		p.TaskCompleted(ctx, episodeID)
	}
}

func (f Fanout) TaskFailed(ctx context.Context, episodeID, message string) {
	for _, p := range f {
		p.TaskFailed(ctx, episodeID, message)
	}
}

func (f Fanout) TaskStopped(ctx context.Context, episodeID string) {
	for _, p := range f {
		p.TaskStopped(ctx, episodeID)
	}
}

func (f Fanout) StatusChanged(ctx context.Context, episodeID string, status Status) {
	for _, p := range f {
		p.StatusChanged(ctx, episodeID, status)
	}
}

package background

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/podcast_downloader/internal/logctx"
	"github.com/italolelis/podcast_downloader/internal/storage"
	"github.com/italolelis/podcast_downloader/internal/transfer"
	"github.com/italolelis/podcast_downloader/internal/transfer/progress"
)

const dirPerm = 0o755

// task is a single transfer. It implements transfer.Handle.
type task struct {
	e           *Engine
	id          string
	url         string
	destination string

	mu      sync.Mutex
	state   transfer.State
	total   int64
	written int64
	errMsg  string
	begun   bool
	running bool
	cancel  context.CancelCauseFunc
	sink    chan<- transfer.Event
}

func newTask(e *Engine, req transfer.Request) *task {
	return &task{
		e:           e,
		id:          req.ID,
		url:         req.URL,
		destination: req.Destination,
		state:       transfer.StatePending,
		sink:        req.Sink,
	}
}

func (t *task) ID() string {
	return t.id
}

// Attach routes events to sink. Passing nil detaches.
func (t *task) Attach(sink chan<- transfer.Event) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// Pause interrupts a running transfer and keeps the partial file.
func (t *task) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		t.cancel(errPaused)
	}
}

// Resume restarts a paused, failed or interrupted transfer from the bytes
// already on disk.
func (t *task) Resume() {
	t.mu.Lock()

	if t.running {
		t.mu.Unlock()

		return
	}

	switch t.state {
	case transfer.StatePaused, transfer.StateFailed, transfer.StateDownloading, transfer.StatePending:
	default:
		t.mu.Unlock()

		return
	}

	wasPaused := t.state == transfer.StatePaused
	t.mu.Unlock()

	if wasPaused {
		t.emit(transfer.Event{Kind: transfer.EventResumed})
	}

	t.start()
}

// Stop aborts the transfer and discards the partial file. Failed and paused
// tasks are stopped as well, so a failed episode can be cleared.
func (t *task) Stop() {
	t.mu.Lock()

	if t.running {
		t.cancel(errStopped)
		t.mu.Unlock()

		return
	}

	if t.state == transfer.StateStopped || t.state == transfer.StateDone {
		t.mu.Unlock()

		return
	}

	t.state = transfer.StateStopped
	t.mu.Unlock()

	t.discardPartial()
	t.e.forget(t.id)

	t.e.wg.Add(1)

	go func() {
		defer t.e.wg.Done()

		t.emit(transfer.Event{Kind: transfer.EventStopped})
	}()
}

func (t *task) currentState() transfer.State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *task) info() transfer.TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	return transfer.TaskInfo{
		ID:           t.id,
		URL:          t.url,
		Destination:  t.destination,
		TotalBytes:   t.total,
		BytesWritten: t.written,
		Percent:      percent(t.written, t.total),
		State:        t.state,
		Error:        t.errMsg,
	}
}

func (t *task) record() storage.TransferTask {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.recordLocked()
}

func (t *task) recordLocked() storage.TransferTask {
	return storage.TransferTask{
		TaskID:       t.id,
		URL:          t.url,
		Destination:  t.destination,
		TotalBytes:   t.total,
		BytesWritten: t.written,
		State:        string(t.state),
		ErrorMessage: t.errMsg,
		UpdatedAt:    time.Now().UTC(),
	}
}

// start launches a transfer attempt unless one is already running.
func (t *task) start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running || t.e.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancelCause(t.e.ctx)
	t.running = true
	t.cancel = cancel
	t.errMsg = ""

	t.e.wg.Add(1)

	go func() {
		defer t.e.wg.Done()
		defer cancel(nil)

		t.run(ctx)
	}()
}

func (t *task) run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("task_id", t.id)

	err := t.download(ctx)

	cause := context.Cause(ctx)
	if err != nil && cause != nil {
		err = cause
	}

	t.mu.Lock()
	t.running = false

	switch {
	case err == nil:
		t.state = transfer.StateDone
		t.written = t.total
		total := t.total
		t.mu.Unlock()

		logger.Info("transfer finished", "size", humanize.IBytes(uint64(max(total, 0))))

		t.e.forget(t.id)
		t.emit(transfer.Event{Kind: transfer.EventProgress, Percent: 1, BytesWritten: total, BytesTotal: total})
		t.emit(transfer.Event{Kind: transfer.EventDone})

	case errors.Is(err, errShutdown):
		rec := t.recordLocked()
		t.mu.Unlock()

		logger.Debug("transfer interrupted by shutdown", "written", rec.BytesWritten)
		t.e.persist(rec)

	case errors.Is(err, errPaused):
		t.state = transfer.StatePaused
		rec := t.recordLocked()
		t.mu.Unlock()

		logger.Info("transfer paused", "written", rec.BytesWritten)
		t.e.persist(rec)
		t.emit(transfer.Event{Kind: transfer.EventPaused})

	case errors.Is(err, errStopped):
		t.state = transfer.StateStopped
		t.mu.Unlock()

		logger.Info("transfer stopped")
		t.discardPartial()
		t.e.forget(t.id)
		t.emit(transfer.Event{Kind: transfer.EventStopped})

	default:
		t.state = transfer.StateFailed
		t.errMsg = err.Error()
		rec := t.recordLocked()
		t.mu.Unlock()

		logger.Error("transfer failed", "err", err)
		t.e.persist(rec)
		t.emit(transfer.Event{Kind: transfer.EventError, Message: err.Error()})
	}
}

func (t *task) download(ctx context.Context) error {
	if t.e.sem != nil {
		if err := t.e.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer t.e.sem.Release(1)
	}

	if err := os.MkdirAll(filepath.Dir(t.destination), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	partPath := t.destination + PartSuffix

	var offset int64
	if fi, err := os.Stat(partPath); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := t.e.client.Do(req)
	if err != nil {
		return &transfer.NetworkError{Operation: "fetch", URL: t.url, Err: err}
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY

	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// The server ignored the range; start over.
		offset = 0
		flags |= os.O_TRUNC
	case http.StatusRequestedRangeNotSatisfiable:
		if total := totalFromContentRange(resp.Header.Get("Content-Range")); total > 0 && total == offset {
			t.setProgress(offset, total)

			return t.finalize(partPath)
		}

		return &transfer.HTTPStatusError{URL: t.url, StatusCode: resp.StatusCode}
	default:
		return &transfer.HTTPStatusError{URL: t.url, StatusCode: resp.StatusCode}
	}

	total := int64(0)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	if cr := totalFromContentRange(resp.Header.Get("Content-Range")); cr > 0 {
		total = cr
	}

	out, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open target file: %w", err)
	}
	defer out.Close()

	t.mu.Lock()
	t.state = transfer.StateDownloading
	t.total = total
	t.written = offset
	first := !t.begun
	t.begun = true
	rec := t.recordLocked()
	t.mu.Unlock()

	t.e.persist(rec)

	if first {
		t.emit(transfer.Event{Kind: transfer.EventBegin, BytesTotal: total})
	}

	var lastRead atomic.Int64
	lastRead.Store(time.Now().UnixNano())

	if t.e.stallTimeout > 0 {
		go t.watchStall(ctx, &lastRead)
	}

	pr := progress.NewReader(&activityReader{r: resp.Body, last: &lastRead}, offset, total, t.e.progressInterval, func(written, total int64) {
		t.setProgress(written, total)
		t.e.persist(t.record())
		t.emit(transfer.Event{
			Kind:         transfer.EventProgress,
			Percent:      percent(written, total),
			BytesWritten: written,
			BytesTotal:   total,
		})
	})

	if _, err := io.Copy(out, pr); err != nil {
		t.setProgress(pr.Written(), total)

		return &transfer.NetworkError{Operation: "read", URL: t.url, Err: err}
	}

	if total > 0 && pr.Written() != total {
		t.setProgress(pr.Written(), total)

		return &transfer.NetworkError{Operation: "read", URL: t.url, Err: io.ErrUnexpectedEOF}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("failed to flush target file: %w", err)
	}

	t.setProgress(pr.Written(), pr.Written())

	return t.finalize(partPath)
}

func (t *task) finalize(partPath string) error {
	if err := os.Rename(partPath, t.destination); err != nil {
		return fmt.Errorf("failed to move completed file: %w", err)
	}

	return nil
}

// watchStall cancels the attempt when no bytes arrive within the stall timeout.
func (t *task) watchStall(ctx context.Context, lastRead *atomic.Int64) {
	ticker := time.NewTicker(t.e.stallTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, lastRead.Load())) >= t.e.stallTimeout {
				t.mu.Lock()
				if t.cancel != nil {
					t.cancel(&transfer.StalledError{TaskID: t.id, Timeout: t.e.stallTimeout})
				}
				t.mu.Unlock()

				return
			}
		}
	}
}

func (t *task) setProgress(written, total int64) {
	t.mu.Lock()
	t.written = written
	t.total = total
	t.mu.Unlock()
}

func (t *task) discardPartial() {
	if err := os.Remove(t.destination + PartSuffix); err != nil && !os.IsNotExist(err) {
		logctx.LoggerFromContext(t.e.ctx).Warn("failed to remove partial file", "task_id", t.id, "err", err)
	}
}

// emit delivers ev to the attached sink. Progress events are dropped when the
// sink is full; every other event waits for the receiver or for shutdown. A
// sink with room always receives the event, even during shutdown.
func (t *task) emit(ev transfer.Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()

	if sink == nil {
		return
	}

	ev.TaskID = t.id

	select {
	case sink <- ev:
		return
	default:
	}

	if ev.Kind == transfer.EventProgress {
		return
	}

	select {
	case sink <- ev:
	case <-t.e.ctx.Done():
	}
}

// activityReader records the time of the last successful read.
type activityReader struct {
	r    io.Reader
	last *atomic.Int64
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.last.Store(time.Now().UnixNano())
	}

	return n, err
}

func percent(written, total int64) float64 {
	if total <= 0 {
		return 0
	}

	p := float64(written) / float64(total)
	if p > 1 {
		return 1
	}

	return p
}

// totalFromContentRange parses the complete length from a Content-Range
// header such as "bytes 100-199/200" or "bytes */200".
func totalFromContentRange(h string) int64 {
	i := strings.LastIndexByte(h, '/')
	if i < 0 {
		return 0
	}

	n, err := strconv.ParseInt(strings.TrimSpace(h[i+1:]), 10, 64)
	if err != nil {
		return 0
	}

	return n
}

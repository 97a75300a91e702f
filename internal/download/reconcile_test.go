package download

import (
	"context"
	"testing"

	"github.com/italolelis/podcast_downloader/internal/storage"
	"github.com/italolelis/podcast_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRecord(s *fakeStore, id, status string) {
	s.downloading[id] = storage.DownloadingEpisode{
		EpisodeID:       id,
		Title:           "Episode " + id,
		MediaURL:        "https://cdn.example.com/media/" + id + ".mp3",
		Destination:     "/downloads/go-time/" + id + ".mp3",
		PodcastID:       "p1",
		PodcastTitle:    "Go Time",
		PodcastImageURL: "https://cdn.example.com/p1.jpg",
		Status:          status,
	}
}

func TestReconcileReattachesDownloadingTasks(t *testing.T) {
	h := newHarness(t, true, ErrorPolicyRetain)
	seedRecord(h.store, "e2", "DOWNLOADING")
	handle := h.engine.restore(transfer.TaskInfo{
		ID:           "e2",
		TotalBytes:   2097152,
		BytesWritten: 524288,
		Percent:      0.25,
		State:        transfer.StateDownloading,
	})
	h.run(t)

	snapshots, err := h.o.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, snapshots, 1)
	assert.Equal(t, TaskSnapshot{
		EpisodeID:       "e2",
		EpisodeTitle:    "Episode e2",
		PodcastTitle:    "Go Time",
		PodcastImageURL: "https://cdn.example.com/p1.jpg",
		Percent:         0.25,
		BytesWritten:    "512 KiB",
		BytesTotal:      "2.0 MiB",
		Status:          StatusDownloading,
	}, snapshots[0])

	assert.True(t, handle.attached())
	assert.Equal(t, []string{"e2"}, h.o.Tasks())

	_, _, resumes := handle.counts()
	assert.Equal(t, 1, resumes)

	handle.emit(t, transfer.Event{Kind: transfer.EventProgress, Percent: 0.5, BytesWritten: 1048576, BytesTotal: 2097152})

	require.Eventually(t, func() bool {
		return len(h.publisher.progressEvents()) == 1
	}, waitFor, tick)

	got := h.publisher.progressEvents()[0]
	assert.Equal(t, "e2", got.EpisodeID)
	assert.Equal(t, "1.0 MiB", got.BytesWritten)
}

func TestReconcileSkipsStoppedRecords(t *testing.T) {
	h := newHarness(t, true, ErrorPolicyRetain)
	seedRecord(h.store, "e2", "STOPPED")
	handle := h.engine.restore(transfer.TaskInfo{ID: "e2", State: transfer.StateDownloading})
	h.run(t)

	snapshots, err := h.o.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Empty(t, snapshots)
	assert.False(t, handle.attached())
	assert.Empty(t, h.o.Tasks())
}

func TestReconcileExcludesTerminalRecords(t *testing.T) {
	for _, status := range []string{"STOPPED", "UNKNOWN", "FINISHED", "garbage"} {
		t.Run(status, func(t *testing.T) {
			h := newHarness(t, true, ErrorPolicyRetain)
			seedRecord(h.store, "e2", status)
			h.engine.restore(transfer.TaskInfo{ID: "e2", State: transfer.StatePaused})

			snapshots, err := h.o.Reconcile(context.Background())
			require.NoError(t, err)
			assert.Empty(t, snapshots)
		})
	}
}

func TestReconcileLeavesTasksDetachedOnRejectedNetwork(t *testing.T) {
	h := newHarness(t, false, ErrorPolicyRetain)
	seedRecord(h.store, "e2", "DOWNLOADING")
	handle := h.engine.restore(transfer.TaskInfo{ID: "e2", State: transfer.StateDownloading})

	snapshots, err := h.o.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, snapshots, 1)
	assert.Equal(t, "e2", snapshots[0].EpisodeID)
	assert.False(t, handle.attached())
	assert.Empty(t, h.o.Tasks())
}

func TestReconcileOnlyReattachesDownloadingSnapshots(t *testing.T) {
	h := newHarness(t, true, ErrorPolicyRetain)
	seedRecord(h.store, "e2", "DOWNLOADING")
	seedRecord(h.store, "e3", "PAUSED")
	downloading := h.engine.restore(transfer.TaskInfo{ID: "e2", State: transfer.StateDownloading})
	paused := h.engine.restore(transfer.TaskInfo{ID: "e3", State: transfer.StatePaused})

	snapshots, err := h.o.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Len(t, snapshots, 2)
	assert.True(t, downloading.attached())
	assert.False(t, paused.attached())
	assert.Equal(t, []string{"e2"}, h.o.Tasks())
}

func TestReconcileReleasesFailedTransfers(t *testing.T) {
	h := newHarness(t, true, ErrorPolicyRetain)
	seedRecord(h.store, "e2", "DOWNLOADING")
	handle := h.engine.restore(transfer.TaskInfo{ID: "e2", State: transfer.StateFailed, Error: "unexpected HTTP 500"})
	h.run(t)

	snapshots, err := h.o.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, snapshots, 1)
	assert.Equal(t, StatusUnknown, snapshots[0].Status)
	assert.Equal(t, "unexpected HTTP 500", snapshots[0].Error)
	assert.False(t, handle.attached())

	rec, ok := h.store.downloadingRecord("e2")
	require.True(t, ok)
	assert.Equal(t, StatusUnknown.String(), rec.Status)

	// The episode is no longer treated as in flight.
	ep := testEpisode(t, "e2")
	require.NoError(t, h.o.Start(context.Background(), ep, testPodcast(t)))
	assert.Equal(t, 1, h.engine.createdCount())
}

func TestReconcileDropsJoinMisses(t *testing.T) {
	h := newHarness(t, true, ErrorPolicyRetain)
	seedRecord(h.store, "record-only", "DOWNLOADING")
	h.engine.restore(transfer.TaskInfo{ID: "engine-only", State: transfer.StateDownloading})

	snapshots, err := h.o.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Empty(t, snapshots)
	assert.Empty(t, h.o.Tasks())
}

func TestReconcileUsesPlaceholdersForMissingSizes(t *testing.T) {
	h := newHarness(t, false, ErrorPolicyRetain)
	seedRecord(h.store, "e2", "PENDING")
	h.engine.restore(transfer.TaskInfo{ID: "e2", State: transfer.StatePending})

	snapshots, err := h.o.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, snapshots, 1)
	assert.Equal(t, "0 B", snapshots[0].BytesWritten)
	assert.Equal(t, "---", snapshots[0].BytesTotal)
	assert.Equal(t, StatusPending, snapshots[0].Status)
}

func TestReconcileRunsOnce(t *testing.T) {
	h := newHarness(t, true, ErrorPolicyRetain)

	_, err := h.o.Reconcile(context.Background())
	require.NoError(t, err)

	_, err = h.o.Reconcile(context.Background())
	require.ErrorIs(t, err, ErrAlreadyReconciled)
}

func TestReattachedTaskCompletes(t *testing.T) {
	h := newHarness(t, true, ErrorPolicyRetain)
	seedRecord(h.store, "e2", "DOWNLOADING")
	handle := h.engine.restore(transfer.TaskInfo{ID: "e2", State: transfer.StateDownloading})
	h.run(t)

	_, err := h.o.Reconcile(context.Background())
	require.NoError(t, err)

	handle.emit(t, transfer.Event{Kind: transfer.EventDone})

	require.Eventually(t, func() bool {
		_, ok := h.store.downloadedPodcast("p1")
		return ok
	}, waitFor, tick)

	dp, _ := h.store.downloadedPodcast("p1")
	require.Len(t, dp.Episodes, 1)
	assert.Equal(t, "e2", dp.Episodes[0].EpisodeID)
	assert.Equal(t, "/downloads/go-time/e2.mp3", dp.Episodes[0].FilePath)

	_, downloading := h.store.downloadingRecord("e2")
	assert.False(t, downloading)
}

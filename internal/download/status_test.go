package download

import (
	"testing"

	"github.com/italolelis/podcast_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
)

func TestHumanizeBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{-5, "0 B"},
		{900, "900 B"},
		{524288, "512 KiB"},
		{2097152, "2.0 MiB"},
		{1610612736, "1.5 GiB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HumanizeBytes(tt.in), "HumanizeBytes(%d)", tt.in)
	}
}

func TestFormatProgress(t *testing.T) {
	w, total := FormatProgress(0, 0)
	assert.Equal(t, WrittenPlaceholder, w)
	assert.Equal(t, TotalPlaceholder, total)

	w, total = FormatProgress(524288, 0)
	assert.Equal(t, "512 KiB", w)
	assert.Equal(t, "---", total)

	w, total = FormatProgress(0, 2097152)
	assert.Equal(t, "0 B", w)
	assert.Equal(t, "2.0 MiB", total)
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusDownloading, ParseStatus("DOWNLOADING"))
	assert.Equal(t, StatusPaused, ParseStatus(" paused "))
	assert.Equal(t, StatusUnknown, ParseStatus(""))
	assert.Equal(t, StatusUnknown, ParseStatus("nope"))

	assert.True(t, StatusStopped.IsTerminal())
	assert.True(t, StatusUnknown.IsTerminal())
	assert.True(t, StatusFinished.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusDownloading.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
}

func TestStatusFromEngine(t *testing.T) {
	assert.Equal(t, StatusPending, statusFromEngine(transfer.StatePending))
	assert.Equal(t, StatusDownloading, statusFromEngine(transfer.StateDownloading))
	assert.Equal(t, StatusPaused, statusFromEngine(transfer.StatePaused))
	assert.Equal(t, StatusStopped, statusFromEngine(transfer.StateStopped))
	assert.Equal(t, StatusFinished, statusFromEngine(transfer.StateDone))
	assert.Equal(t, StatusUnknown, statusFromEngine(transfer.StateFailed))
}

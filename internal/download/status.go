package download

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/podcast_downloader/internal/transfer"
)

// Status is the user-facing state of a download task.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusDownloading Status = "DOWNLOADING"
	StatusPaused      Status = "PAUSED"
	StatusStopped     Status = "STOPPED"
	StatusUnknown     Status = "UNKNOWN"
	StatusFinished    Status = "FINISHED"
)

const (
	// TotalPlaceholder is shown when the total size is not yet known.
	TotalPlaceholder = "---"
	// WrittenPlaceholder is shown when no bytes have been written yet.
	WrittenPlaceholder = "0 B"
)

// ParseStatus maps a persisted status string to a Status. Unrecognized values
// become StatusUnknown.
func ParseStatus(s string) Status {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusDownloading, StatusPaused, StatusStopped, StatusUnknown, StatusFinished:
		return st
	default:
		return StatusUnknown
	}
}

// IsTerminal reports whether a task in this status will never move again on
// its own. Persisted records in a terminal status are not restored and do not
// block a new download of the same episode.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusUnknown || s == StatusFinished
}

func (s Status) String() string {
	return string(s)
}

func statusFromEngine(st transfer.State) Status {
	switch st {
	case transfer.StatePending:
		return StatusPending
	case transfer.StateDownloading:
		return StatusDownloading
	case transfer.StatePaused:
		return StatusPaused
	case transfer.StateStopped:
		return StatusStopped
	case transfer.StateDone:
		return StatusFinished
	default:
		return StatusUnknown
	}
}

// HumanizeBytes renders n with binary units, e.g. 524288 as "512 KiB".
func HumanizeBytes(n int64) string {
	if n < 0 {
		n = 0
	}

	return humanize.IBytes(uint64(n))
}

// FormatProgress humanizes a written/total pair, substituting placeholders
// for values the engine has not reported yet.
func FormatProgress(written, total int64) (string, string) {
	w := WrittenPlaceholder
	if written > 0 {
		w = HumanizeBytes(written)
	}

	t := TotalPlaceholder
	if total > 0 {
		t = HumanizeBytes(total)
	}

	return w, t
}

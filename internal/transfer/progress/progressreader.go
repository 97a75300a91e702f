package progress

import (
	"io"
	"time"
)

// Reader wraps an io.Reader and reports cumulative progress via a callback at
// most once per interval. The final report is left to the caller, which knows
// when the stream has ended.
type Reader struct {
	reader     io.Reader
	total      int64
	read       int64
	interval   time.Duration
	lastReport time.Time
	now        func() time.Time
	onProgress func(written, total int64)
}

// NewReader starts counting at offset, the number of bytes already on disk
// when a transfer resumes. total is zero when the size is unknown.
func NewReader(r io.Reader, offset, total int64, interval time.Duration, cb func(written, total int64)) *Reader {
	return &Reader{
		reader:     r,
		total:      total,
		read:       offset,
		interval:   interval,
		now:        time.Now,
		onProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)

		if now := pr.now(); now.Sub(pr.lastReport) >= pr.interval {
			pr.lastReport = now
			pr.onProgress(pr.read, pr.total)
		}
	}

	return n, err
}

// Written returns the cumulative number of bytes, including the offset.
func (pr *Reader) Written() int64 {
	return pr.read
}

package transfer

import (
	"errors"
	"fmt"
	"time"
)

// ErrTaskExists is returned when a task with the same id is still live.
var ErrTaskExists = errors.New("task already exists")

// NetworkError represents failures talking to the media host: DNS, connection
// resets and timeouts.
type NetworkError struct {
	Operation string // The operation that failed (e.g., "fetch", "resume")
	URL       string
	Err       error // Underlying error, if any
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s of %s: %v", e.Operation, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is returned when the media host answers with a status the
// engine cannot continue from.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP %d from %s", e.StatusCode, e.URL)
}

// StalledError is returned when a transfer makes no progress within the
// configured stall timeout.
type StalledError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("transfer %s made no progress for %s", e.TaskID, e.Timeout)
}

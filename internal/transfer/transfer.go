package transfer

import (
	"context"
	"strings"
)

// State is the lifecycle state the engine reports for a task.
type State string

const (
	StatePending     State = "PENDING"
	StateDownloading State = "DOWNLOADING"
	StatePaused      State = "PAUSED"
	StateStopped     State = "STOPPED"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// ParseState maps a persisted state string back to a State. Unknown values map
// to StateFailed so they are never resumed.
func ParseState(s string) State {
	switch State(strings.ToUpper(s)) {
	case StatePending:
		return StatePending
	case StateDownloading:
		return StateDownloading
	case StatePaused:
		return StatePaused
	case StateStopped:
		return StateStopped
	case StateDone:
		return StateDone
	default:
		return StateFailed
	}
}

// IsTerminal reports whether no further events will be emitted for the task.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateDone || s == StateFailed
}

// EventKind identifies what happened to a task.
type EventKind int

const (
	EventBegin EventKind = iota
	EventProgress
	EventPaused
	EventResumed
	EventStopped
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "begin"
	case EventProgress:
		return "progress"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventStopped:
		return "stopped"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to the sink attached to a Handle.
type Event struct {
	TaskID       string
	Kind         EventKind
	Percent      float64
	BytesWritten int64
	BytesTotal   int64
	Message      string
}

// Request describes a new transfer. Sink, when set, is attached before the
// transfer starts so no event is missed.
type Request struct {
	ID          string
	URL         string
	Destination string
	Sink        chan<- Event
}

// TaskInfo is the engine's view of a task it knows about, including tasks
// restored from a previous process.
type TaskInfo struct {
	ID           string
	URL          string
	Destination  string
	TotalBytes   int64
	BytesWritten int64
	Percent      float64
	State        State
	// Error is the last failure message of a StateFailed task.
	Error string
}

// Handle controls a single transfer. Control methods are signals: they return
// immediately and the outcome is reported through events.
type Handle interface {
	ID() string
	// Attach routes the task's events to sink, replacing any previous sink.
	// Events emitted while no sink is attached are dropped.
	Attach(sink chan<- Event)
	Stop()
	Pause()
	Resume()
}

// Engine performs the network transfers.
type Engine interface {
	CreateTask(ctx context.Context, req Request) (Handle, error)
	ExistingTasks(ctx context.Context) ([]TaskInfo, error)
	// Lookup returns the handle of a task known to the engine.
	Lookup(id string) (Handle, bool)
}

package transfer

import (
	"context"

	"github.com/italolelis/podcast_downloader/internal/telemetry"
)

// InstrumentedEngine wraps an Engine with telemetry.
type InstrumentedEngine struct {
	engine     Engine
	telemetry  *telemetry.Telemetry
	engineType string
}

var _ Engine = (*InstrumentedEngine)(nil)

// NewInstrumentedEngine creates a new instrumented engine.
func NewInstrumentedEngine(engine Engine, tel *telemetry.Telemetry, engineType string) *InstrumentedEngine {
	return &InstrumentedEngine{
		engine:     engine,
		telemetry:  tel,
		engineType: engineType,
	}
}

// CreateTask creates a task with telemetry.
func (e *InstrumentedEngine) CreateTask(ctx context.Context, req Request) (Handle, error) {
	var result Handle

	err := e.telemetry.InstrumentEngineOperation(ctx, e.engineType, "create_task", func(ctx context.Context) error {
		var err error
		result, err = e.engine.CreateTask(ctx, req)

		return err
	})
	if err != nil {
		return nil, err
	}

	return e.wrap(result), nil
}

// ExistingTasks enumerates tasks with telemetry.
func (e *InstrumentedEngine) ExistingTasks(ctx context.Context) ([]TaskInfo, error) {
	var result []TaskInfo

	err := e.telemetry.InstrumentEngineOperation(ctx, e.engineType, "existing_tasks", func(ctx context.Context) error {
		var err error
		result, err = e.engine.ExistingTasks(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Lookup returns an instrumented handle for a known task.
func (e *InstrumentedEngine) Lookup(id string) (Handle, bool) {
	h, ok := e.engine.Lookup(id)
	if !ok {
		return nil, false
	}

	return e.wrap(h), true
}

func (e *InstrumentedEngine) wrap(h Handle) Handle {
	if h == nil {
		return nil
	}

	return &instrumentedHandle{Handle: h, engine: e}
}

// instrumentedHandle counts control signals sent to a task.
type instrumentedHandle struct {
	Handle
	engine *InstrumentedEngine
}

func (h *instrumentedHandle) Stop() {
	h.engine.telemetry.RecordEngineOperation(context.Background(), h.engine.engineType, "stop", "success")
	h.Handle.Stop()
}

func (h *instrumentedHandle) Pause() {
	h.engine.telemetry.RecordEngineOperation(context.Background(), h.engine.engineType, "pause", "success")
	h.Handle.Pause()
}

func (h *instrumentedHandle) Resume() {
	h.engine.telemetry.RecordEngineOperation(context.Background(), h.engine.engineType, "resume", "success")
	h.Handle.Resume()
}

// Package engine executes event-triggered workflow runs durably: step
// results are memoized per (run, step), sleeps park the run without holding
// a worker, and handler failures are retried with exponential backoff up to
// a bound before the run fails terminally.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelpipe/internal/bus"
	"reelpipe/internal/services"
	"reelpipe/internal/store"
)

// ErrSuspended is returned through a handler when a durable sleep parks the
// run. Handlers propagate it unchanged; the engine records the run as
// sleeping instead of failed.
var ErrSuspended = errors.New("run suspended")

// HandlerFunc is a workflow body. It is re-entered from the top after every
// durable sleep and retry; all prior steps short-circuit via memoization, so
// handlers must route side effects through Step, Sleep, and Emit.
type HandlerFunc func(ctx context.Context, run *Run) error

// RetryPolicy bounds handler retries. MaxAttempts includes the first
// attempt; backoff grows by BackoffMultiplier (default 2.0) per retry and
// is capped at MaxBackoff when that is positive.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryPolicy matches the pipeline config defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        2 * time.Minute,
	}
}

func (p RetryPolicy) backoffFor(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := p.InitialBackoff
	for i := 1; i < retry; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Workflow binds an event trigger to a durable handler.
type Workflow struct {
	Name    string
	Trigger string // event name that starts a run
	Handler HandlerFunc
	Retry   RetryPolicy

	// IdempotencyKey derives a natural key from the triggering event.
	// Two deliveries sharing a key collapse to a single run. Nil or an
	// empty returned key disables collapsing for that delivery.
	IdempotencyKey func(event bus.Event) string
}

// Engine owns workflow registration and run execution.
type Engine struct {
	runs     store.RunStore
	steps    store.StepStore
	idem     store.IdempotencyStore
	queue    store.Queue
	bus      *bus.Bus
	observer Observer
	logger   *slog.Logger

	mu        sync.RWMutex
	workflows map[string]Workflow
}

// Config wires an Engine's collaborators.
type Config struct {
	Runs        store.RunStore
	Steps       store.StepStore
	Idempotency store.IdempotencyStore
	Queue       store.Queue
	Bus         *bus.Bus
	Observer    Observer
	Logger      *slog.Logger
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		runs:      cfg.Runs,
		steps:     cfg.Steps,
		idem:      cfg.Idempotency,
		queue:     cfg.Queue,
		bus:       cfg.Bus,
		observer:  obs,
		logger:    logger,
		workflows: make(map[string]Workflow),
	}
}

// Register adds a workflow and subscribes it to its trigger event.
func (e *Engine) Register(wf Workflow) error {
	if wf.Name == "" {
		return errors.New("workflow name is required")
	}
	if wf.Trigger == "" {
		return fmt.Errorf("workflow %s: trigger event is required", wf.Name)
	}
	if wf.Handler == nil {
		return fmt.Errorf("workflow %s: handler is required", wf.Name)
	}
	if wf.Retry.MaxAttempts <= 0 {
		wf.Retry = DefaultRetryPolicy()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[wf.Name]; exists {
		return fmt.Errorf("workflow already registered: %s", wf.Name)
	}
	e.workflows[wf.Name] = wf
	e.bus.Subscribe(wf.Trigger, wf.Name)
	return nil
}

// MustRegister is like Register but panics on error. Useful during wiring
// in main().
func (e *Engine) MustRegister(wf Workflow) {
	if err := e.Register(wf); err != nil {
		panic(err)
	}
}

func (e *Engine) workflow(name string) (Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[name]
	return wf, ok
}

// ProcessOne pulls a single task from the queue and processes it. Returns
// (processed, error); processed is false only when the context ended before
// a task was obtained.
func (e *Engine) ProcessOne(ctx context.Context) (bool, error) {
	task, err := e.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case store.TaskTypeEvent:
		return true, e.startRun(ctx, task)
	case store.TaskTypeResume:
		return true, e.resumeRun(ctx, task.RunID)
	default:
		return true, fmt.Errorf("unknown task type: %s", task.Type)
	}
}

func (e *Engine) startRun(ctx context.Context, task *store.Task) error {
	wf, ok := e.workflow(task.Workflow)
	if !ok {
		return fmt.Errorf("unknown workflow: %s", task.Workflow)
	}

	event, err := bus.Decode(task.Payload)
	if err != nil {
		return fmt.Errorf("workflow %s: decode event: %w", wf.Name, err)
	}

	runID := uuid.NewString()

	// Collapse duplicate deliveries before any run state exists. Step
	// memoization only protects re-entry of the same run; this is the
	// defense against the transport redelivering the event itself.
	if wf.IdempotencyKey != nil {
		if key := wf.IdempotencyKey(event); key != "" {
			existing, claimed, err := e.idem.Claim(ctx, wf.Name, key, runID)
			if err != nil {
				return fmt.Errorf("workflow %s: claim idempotency key: %w", wf.Name, err)
			}
			if !claimed {
				e.logger.Info("duplicate event delivery collapsed",
					slog.String("workflow", wf.Name),
					slog.String("event", event.Name()),
					slog.String("key", key),
					slog.String("run_id", existing),
				)
				return nil
			}
		}
	}

	now := time.Now()
	run := &store.Run{
		ID:        runID,
		Workflow:  wf.Name,
		EventName: event.Name(),
		Event:     task.Payload,
		Status:    store.RunRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := e.runs.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("workflow %s: save run: %w", wf.Name, err)
	}

	return e.executeRun(ctx, wf, run, event)
}

func (e *Engine) resumeRun(ctx context.Context, runID string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case store.RunCompleted, store.RunFailed:
		// A duplicate resume task; the run already finished.
		return nil
	}

	wf, ok := e.workflow(run.Workflow)
	if !ok {
		return fmt.Errorf("workflow definition not found for run %s (workflow=%s)", runID, run.Workflow)
	}

	event, err := bus.Decode(run.Event)
	if err != nil {
		return fmt.Errorf("run %s: decode event: %w", runID, err)
	}

	run.Status = store.RunRunning
	run.WakeAt = nil
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return err
	}

	return e.executeRun(ctx, wf, run, event)
}

func (e *Engine) executeRun(ctx context.Context, wf Workflow, run *store.Run, event bus.Event) error {
	e.observer.OnRunStart(ctx, run.ID, wf.Name, run.Attempts+1)

	r := &Run{
		id:       run.ID,
		workflow: wf.Name,
		attempt:  run.Attempts + 1,
		event:    event,
		engine:   e,
	}

	err := wf.Handler(ctx, r)

	switch {
	case err == nil:
		run.Status = store.RunCompleted
		run.Error = ""
		run.WakeAt = nil
		if uerr := e.runs.UpdateRun(ctx, run); uerr != nil {
			return uerr
		}
		e.observer.OnRunCompleted(ctx, run.ID, wf.Name)
		return nil

	case errors.Is(err, ErrSuspended):
		wake := r.wakeAt
		run.Status = store.RunSleeping
		run.Error = ""
		run.WakeAt = &wake
		if uerr := e.runs.UpdateRun(ctx, run); uerr != nil {
			return uerr
		}
		e.observer.OnRunSleeping(ctx, run.ID, wf.Name, wake)
		return nil

	default:
		return e.failOrRetry(ctx, wf, run, err)
	}
}

func (e *Engine) failOrRetry(ctx context.Context, wf Workflow, run *store.Run, cause error) error {
	run.Attempts++
	run.Error = cause.Error()

	if services.Retriable(cause) && run.Attempts < wf.Retry.MaxAttempts {
		delay := wf.Retry.backoffFor(run.Attempts)
		wake := time.Now().Add(delay)
		run.Status = store.RunSleeping
		run.WakeAt = &wake
		if err := e.runs.UpdateRun(ctx, run); err != nil {
			return err
		}
		if err := e.queue.Enqueue(ctx, store.Task{
			Type:      store.TaskTypeResume,
			Workflow:  wf.Name,
			RunID:     run.ID,
			Attempts:  run.Attempts,
			NotBefore: wake,
		}); err != nil {
			return err
		}
		e.logger.Warn("run attempt failed, retrying",
			slog.String("workflow", wf.Name),
			slog.String("run_id", run.ID),
			slog.Int("attempt", run.Attempts),
			slog.Duration("backoff", delay),
			slog.Any("error", cause),
		)
		e.observer.OnRunSleeping(ctx, run.ID, wf.Name, wake)
		return nil
	}

	run.Status = store.RunFailed
	run.WakeAt = nil
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.observer.OnRunFailed(ctx, run.ID, wf.Name, cause)
	return nil
}

// Retry re-enqueues a failed run for another attempt cycle. Operator
// surface; the attempt counter is reset so the full retry budget applies.
func (e *Engine) Retry(ctx context.Context, runID string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunFailed {
		return fmt.Errorf("cannot retry run %s in status %s", runID, run.Status)
	}
	run.Status = store.RunSleeping
	run.Attempts = 0
	run.Error = ""
	now := time.Now()
	run.WakeAt = &now
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, store.Task{
		Type:     store.TaskTypeResume,
		Workflow: run.Workflow,
		RunID:    run.ID,
	})
}

// RecoverStuckRuns re-enqueues runs left in running state by a crashed
// process and sleeping runs whose wake time passed without a resume task
// (crash between recording the sleep and enqueuing the wake-up). Call on
// startup before starting workers.
func (e *Engine) RecoverStuckRuns(ctx context.Context) (int, error) {
	recovered := 0

	running, err := e.runs.ListRuns(ctx, store.RunFilter{Status: store.RunRunning})
	if err != nil {
		return 0, err
	}
	for _, run := range running {
		if err := e.queue.Enqueue(ctx, store.Task{
			Type:     store.TaskTypeResume,
			Workflow: run.Workflow,
			RunID:    run.ID,
		}); err != nil {
			return recovered, err
		}
		recovered++
	}

	sleeping, err := e.runs.ListRuns(ctx, store.RunFilter{Status: store.RunSleeping})
	if err != nil {
		return recovered, err
	}
	now := time.Now()
	for _, run := range sleeping {
		if run.WakeAt == nil || run.WakeAt.After(now) {
			continue
		}
		if err := e.queue.Enqueue(ctx, store.Task{
			Type:      store.TaskTypeResume,
			Workflow:  run.Workflow,
			RunID:     run.ID,
			NotBefore: *run.WakeAt,
		}); err != nil {
			return recovered, err
		}
		recovered++
	}

	return recovered, nil
}

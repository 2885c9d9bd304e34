package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reelpipe/internal/bus"
	"reelpipe/internal/store"
)

// Run is the handler-side view of one durable workflow run. Steps within a
// run execute in program order; unrelated runs execute fully in parallel
// with no shared in-process state.
type Run struct {
	id       string
	workflow string
	attempt  int
	event    bus.Event
	engine   *Engine

	// wakeAt is set when Sleep parks the run during this entry.
	wakeAt time.Time
}

// ID returns the durable run identifier, stable across re-entries.
func (r *Run) ID() string { return r.id }

// Workflow returns the owning workflow name.
func (r *Run) Workflow() string { return r.workflow }

// Attempt returns the 1-based attempt number of this entry.
func (r *Run) Attempt() int { return r.attempt }

// Event returns the triggering event.
func (r *Run) Event() bus.Event { return r.event }

// Step executes fn exactly once per (run, name): the first successful
// execution stores the result, and every later entry of the run returns the
// stored value without invoking fn. Step bodies that perform external side
// effects must themselves be idempotent or guarded by a natural key, because
// a redelivered *event* starts a fresh run that bypasses memoization.
//
// Result types beyond the builtin ones must be registered with gob.Register.
func Step[T any](ctx context.Context, run *Run, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	// Cancellation is only honored at step boundaries so a mid-step
	// shutdown cannot leave a half-recorded result.
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	rec, err := run.engine.steps.GetStep(ctx, run.id, name)
	if err == nil {
		run.engine.observer.OnStepMemoized(ctx, run.id, run.workflow, name)
		value, derr := store.DecodeValue(rec.Result)
		if derr != nil {
			return zero, fmt.Errorf("step %s: decode stored result: %w", name, derr)
		}
		if value == nil {
			return zero, nil
		}
		typed, ok := value.(T)
		if !ok {
			return zero, fmt.Errorf("step %s: stored result is %T, want %T", name, value, zero)
		}
		return typed, nil
	}
	if !errors.Is(err, store.ErrStepNotFound) {
		return zero, err
	}

	run.engine.observer.OnStepStart(ctx, run.id, run.workflow, name)
	started := time.Now()
	out, err := fn(ctx)
	run.engine.observer.OnStepCompleted(ctx, run.id, run.workflow, name, err, time.Since(started))
	if err != nil {
		return zero, err
	}

	encoded, err := store.EncodeValue(out)
	if err != nil {
		return zero, fmt.Errorf("step %s: encode result: %w", name, err)
	}
	if err := run.engine.steps.PutStep(ctx, &store.StepRecord{
		RunID:       run.id,
		Step:        name,
		Result:      encoded,
		CompletedAt: time.Now(),
	}); err != nil {
		return zero, err
	}
	return out, nil
}

// Sleep durably parks the run for d. The first call records the wake time
// as a completed step, schedules a resume task, and returns ErrSuspended,
// which the handler must propagate. After the scheduler re-enters the run,
// the same call returns nil immediately and the handler continues.
func (r *Run) Sleep(ctx context.Context, name string, d time.Duration) error {
	if _, err := r.engine.steps.GetStep(ctx, r.id, name); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrStepNotFound) {
		return err
	}

	wake := time.Now().Add(d)
	encoded, err := store.EncodeValue(wake)
	if err != nil {
		return fmt.Errorf("sleep %s: encode wake time: %w", name, err)
	}
	if err := r.engine.steps.PutStep(ctx, &store.StepRecord{
		RunID:       r.id,
		Step:        name,
		Result:      encoded,
		CompletedAt: time.Now(),
	}); err != nil {
		return err
	}
	if err := r.engine.queue.Enqueue(ctx, store.Task{
		Type:      store.TaskTypeResume,
		Workflow:  r.workflow,
		RunID:     r.id,
		NotBefore: wake,
	}); err != nil {
		return err
	}

	r.wakeAt = wake
	return ErrSuspended
}

// Emit publishes an event exactly once per run: delivery is recorded as a
// completed step so crash-resume cannot re-publish it.
func (r *Run) Emit(ctx context.Context, name string, event bus.Event) error {
	_, err := Step(ctx, r, name, func(ctx context.Context) (string, error) {
		if err := r.engine.bus.Publish(ctx, event); err != nil {
			return "", err
		}
		return event.Name(), nil
	})
	return err
}

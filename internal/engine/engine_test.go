package engine_test

import (
	"context"
	"encoding/gob"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelpipe/internal/bus"
	"reelpipe/internal/engine"
	"reelpipe/internal/services"
	"reelpipe/internal/store"
)

type alphaEvent struct{ Key string }

func (alphaEvent) Name() string    { return "test.alpha" }
func (alphaEvent) Validate() error { return nil }

type betaEvent struct{ Key string }

func (betaEvent) Name() string    { return "test.beta" }
func (betaEvent) Validate() error { return nil }

func init() {
	gob.Register(alphaEvent{})
	gob.Register(betaEvent{})
}

type harness struct {
	store  *store.MemoryStore
	queue  *store.MemoryQueue
	bus    *bus.Bus
	engine *engine.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	q := store.NewMemoryQueue()
	b := bus.New(q, nil)
	eng := engine.New(engine.Config{
		Runs:        st,
		Steps:       st,
		Idempotency: st,
		Queue:       q,
		Bus:         b,
	})
	return &harness{store: st, queue: q, bus: b, engine: eng}
}

func fastRetry(maxAttempts int) engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Millisecond,
	}
}

// drain processes queued tasks, waiting out NotBefore delays, until the
// queue is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.queue.Len() > 0 {
		require.True(t, time.Now().Before(deadline), "queue never drained")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := h.engine.ProcessOne(ctx)
		cancel()
		require.NoError(t, err)
	}
}

func (h *harness) singleRun(t *testing.T, workflow string) *store.Run {
	t.Helper()
	runs, err := h.store.ListRuns(context.Background(), store.RunFilter{Workflow: workflow})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func TestStepMemoizationAcrossSleep(t *testing.T) {
	h := newHarness(t)
	var before, after atomic.Int32

	h.engine.MustRegister(engine.Workflow{
		Name:    "napper",
		Trigger: "test.alpha",
		Retry:   fastRetry(3),
		Handler: func(ctx context.Context, run *engine.Run) error {
			_, err := engine.Step(ctx, run, "before", func(ctx context.Context) (int, error) {
				before.Add(1)
				return 1, nil
			})
			if err != nil {
				return err
			}
			if err := run.Sleep(ctx, "nap", 5*time.Millisecond); err != nil {
				return err
			}
			_, err = engine.Step(ctx, run, "after", func(ctx context.Context) (int, error) {
				after.Add(1)
				return 2, nil
			})
			return err
		},
	})

	require.NoError(t, h.bus.Publish(context.Background(), alphaEvent{Key: "k"}))

	// First entry runs up to the sleep and parks.
	ctx := context.Background()
	_, err := h.engine.ProcessOne(ctx)
	require.NoError(t, err)

	run := h.singleRun(t, "napper")
	assert.Equal(t, store.RunSleeping, run.Status)
	require.NotNil(t, run.WakeAt)
	assert.Equal(t, int32(1), before.Load())
	assert.Equal(t, int32(0), after.Load())

	// The resume re-enters the handler; the first step short-circuits.
	h.drain(t)

	run = h.singleRun(t, "napper")
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, int32(1), before.Load())
	assert.Equal(t, int32(1), after.Load())
}

func TestTransientFailureRetriesUntilBound(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32

	h.engine.MustRegister(engine.Workflow{
		Name:    "flaky",
		Trigger: "test.alpha",
		Retry:   fastRetry(3),
		Handler: func(ctx context.Context, run *engine.Run) error {
			attempts.Add(1)
			return errors.New("downstream hiccup")
		},
	})

	require.NoError(t, h.bus.Publish(context.Background(), alphaEvent{}))
	h.drain(t)

	run := h.singleRun(t, "flaky")
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, 3, run.Attempts)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Contains(t, run.Error, "downstream hiccup")
}

func TestTerminalErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32

	h.engine.MustRegister(engine.Workflow{
		Name:    "doomed",
		Trigger: "test.alpha",
		Retry:   fastRetry(5),
		Handler: func(ctx context.Context, run *engine.Run) error {
			attempts.Add(1)
			return services.Wrap(services.ErrTerminal, "doomed", "explode", "no point retrying", nil)
		},
	})

	require.NoError(t, h.bus.Publish(context.Background(), alphaEvent{}))
	_, err := h.engine.ProcessOne(context.Background())
	require.NoError(t, err)

	run := h.singleRun(t, "doomed")
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, 1, run.Attempts)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Zero(t, h.queue.Len(), "terminal failure must not schedule a retry")
}

func TestDuplicateDeliveriesCollapse(t *testing.T) {
	h := newHarness(t)
	var handled atomic.Int32

	h.engine.MustRegister(engine.Workflow{
		Name:    "collapser",
		Trigger: "test.alpha",
		Retry:   fastRetry(3),
		Handler: func(ctx context.Context, run *engine.Run) error {
			handled.Add(1)
			return nil
		},
		IdempotencyKey: func(event bus.Event) string {
			return event.(alphaEvent).Key
		},
	})

	event := alphaEvent{Key: "session-42"}
	require.NoError(t, h.bus.Publish(context.Background(), event))
	require.NoError(t, h.bus.Publish(context.Background(), event))
	h.drain(t)

	runs, err := h.store.ListRuns(context.Background(), store.RunFilter{Workflow: "collapser"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, int32(1), handled.Load())
}

func TestEmitDeliversOncePerRunAcrossRetries(t *testing.T) {
	h := newHarness(t)
	var received, failures atomic.Int32

	h.engine.MustRegister(engine.Workflow{
		Name:    "emitter",
		Trigger: "test.alpha",
		Retry:   fastRetry(3),
		Handler: func(ctx context.Context, run *engine.Run) error {
			if err := run.Emit(ctx, "announce", betaEvent{Key: "b"}); err != nil {
				return err
			}
			// Fail once after the emit; the retry must not re-publish.
			if failures.Add(1) == 1 {
				return errors.New("crash after emit")
			}
			return nil
		},
	})
	h.engine.MustRegister(engine.Workflow{
		Name:    "receiver",
		Trigger: "test.beta",
		Retry:   fastRetry(3),
		Handler: func(ctx context.Context, run *engine.Run) error {
			received.Add(1)
			return nil
		},
	})

	require.NoError(t, h.bus.Publish(context.Background(), alphaEvent{}))
	h.drain(t)

	run := h.singleRun(t, "emitter")
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, int32(1), received.Load())
}

func TestOperatorRetryResetsAttemptBudget(t *testing.T) {
	h := newHarness(t)
	var healthy atomic.Bool

	h.engine.MustRegister(engine.Workflow{
		Name:    "recoverable",
		Trigger: "test.alpha",
		Retry:   fastRetry(2),
		Handler: func(ctx context.Context, run *engine.Run) error {
			if !healthy.Load() {
				return errors.New("dependency down")
			}
			return nil
		},
	})

	require.NoError(t, h.bus.Publish(context.Background(), alphaEvent{}))
	h.drain(t)

	run := h.singleRun(t, "recoverable")
	require.Equal(t, store.RunFailed, run.Status)

	// Retrying a run that is not failed is rejected.
	require.Error(t, h.engine.Retry(context.Background(), "no-such-run"))

	healthy.Store(true)
	require.NoError(t, h.engine.Retry(context.Background(), run.ID))
	h.drain(t)

	run = h.singleRun(t, "recoverable")
	assert.Equal(t, store.RunCompleted, run.Status)
}

func TestRecoverStuckRuns(t *testing.T) {
	h := newHarness(t)
	var handled atomic.Int32

	h.engine.MustRegister(engine.Workflow{
		Name:    "restartable",
		Trigger: "test.alpha",
		Retry:   fastRetry(3),
		Handler: func(ctx context.Context, run *engine.Run) error {
			handled.Add(1)
			return nil
		},
	})

	payload, err := bus.Encode(alphaEvent{Key: "stuck"})
	require.NoError(t, err)

	// Simulate a worker that died mid-run.
	now := time.Now()
	require.NoError(t, h.store.SaveRun(context.Background(), &store.Run{
		ID:        "stuck-run",
		Workflow:  "restartable",
		EventName: "test.alpha",
		Event:     payload,
		Status:    store.RunRunning,
		StartedAt: now,
		UpdatedAt: now,
	}))

	recovered, err := h.engine.RecoverStuckRuns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	h.drain(t)

	run, err := h.store.GetRun(context.Background(), "stuck-run")
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, int32(1), handled.Load())
}

func TestBasicMetricsSnapshot(t *testing.T) {
	metrics := &engine.BasicMetrics{}

	st := store.NewMemoryStore()
	q := store.NewMemoryQueue()
	b := bus.New(q, nil)
	eng := engine.New(engine.Config{
		Runs:        st,
		Steps:       st,
		Idempotency: st,
		Queue:       q,
		Bus:         b,
		Observer:    metrics,
	})
	h := &harness{store: st, queue: q, bus: b, engine: eng}

	eng.MustRegister(engine.Workflow{
		Name:    "measured",
		Trigger: "test.alpha",
		Retry:   fastRetry(3),
		Handler: func(ctx context.Context, run *engine.Run) error {
			_, err := engine.Step(ctx, run, "work", func(ctx context.Context) (string, error) {
				return "done", nil
			})
			return err
		},
	})

	require.NoError(t, b.Publish(context.Background(), alphaEvent{}))
	h.drain(t)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.RunsStarted)
	assert.Equal(t, int64(1), snap.RunsCompleted)
	assert.Equal(t, int64(1), snap.StepsCompleted)
	assert.Zero(t, snap.RunsFailed)
}

package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay run execution.
type Observer interface {
	// OnRunStart is called each time a run enters a handler, including
	// re-entries after a durable sleep or retry.
	OnRunStart(ctx context.Context, runID, workflow string, attempt int)

	// OnRunCompleted is called when a run reaches completed status.
	OnRunCompleted(ctx context.Context, runID, workflow string)

	// OnRunSleeping is called when a run durably parks until wakeAt.
	OnRunSleeping(ctx context.Context, runID, workflow string, wakeAt time.Time)

	// OnRunFailed is called when a run fails terminally (explicit terminal
	// error or retry budget exhausted).
	OnRunFailed(ctx context.Context, runID, workflow string, err error)

	// OnStepStart is called before a step body executes.
	OnStepStart(ctx context.Context, runID, workflow, step string)

	// OnStepCompleted is called after a step body returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, runID, workflow, step string, err error, duration time.Duration)

	// OnStepMemoized is called when a step short-circuits to its stored
	// result instead of executing its body.
	OnStepMemoized(ctx context.Context, runID, workflow, step string)
}

// NoopObserver is an Observer that does nothing; it is the default when no
// observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, runID, workflow string, attempt int)     {}
func (NoopObserver) OnRunCompleted(ctx context.Context, runID, workflow string)              {}
func (NoopObserver) OnRunSleeping(ctx context.Context, runID, workflow string, t time.Time)  {}
func (NoopObserver) OnRunFailed(ctx context.Context, runID, workflow string, err error)      {}
func (NoopObserver) OnStepStart(ctx context.Context, runID, workflow, step string)           {}
func (NoopObserver) OnStepCompleted(ctx context.Context, runID, workflow, step string, err error, d time.Duration) {
}
func (NoopObserver) OnStepMemoized(ctx context.Context, runID, workflow, step string) {}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, runID, workflow string, attempt int) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, runID, workflow, attempt)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, runID, workflow string) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, runID, workflow)
	}
}

func (c *CompositeObserver) OnRunSleeping(ctx context.Context, runID, workflow string, wakeAt time.Time) {
	for _, o := range c.observers {
		o.OnRunSleeping(ctx, runID, workflow, wakeAt)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, runID, workflow string, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, runID, workflow, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, runID, workflow, step string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, runID, workflow, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, runID, workflow, step string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, runID, workflow, step, err, d)
	}
}

func (c *CompositeObserver) OnStepMemoized(ctx context.Context, runID, workflow, step string) {
	for _, o := range c.observers {
		o.OnStepMemoized(ctx, runID, workflow, step)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run and step lifecycle
// events. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, runID, workflow string, attempt int) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("workflow", workflow),
		slog.String("run_id", runID),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, runID, workflow string) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("workflow", workflow),
		slog.String("run_id", runID),
	)
}

func (o *LoggingObserver) OnRunSleeping(ctx context.Context, runID, workflow string, wakeAt time.Time) {
	o.Logger.InfoContext(ctx, "run_sleeping",
		slog.String("workflow", workflow),
		slog.String("run_id", runID),
		slog.Time("wake_at", wakeAt),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, runID, workflow string, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("workflow", workflow),
		slog.String("run_id", runID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, runID, workflow, step string) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow", workflow),
		slog.String("run_id", runID),
		slog.String("step", step),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, runID, workflow, step string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow", workflow),
		slog.String("run_id", runID),
		slog.String("step", step),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepMemoized(ctx context.Context, runID, workflow, step string) {
	o.Logger.DebugContext(ctx, "step_memoized",
		slog.String("workflow", workflow),
		slog.String("run_id", runID),
		slog.String("step", step),
	)
}

// BasicMetrics collects simple counters and aggregate step durations. It
// implements Observer and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted    atomic.Int64
	runsCompleted  atomic.Int64
	runsFailed     atomic.Int64
	runsSleeping   atomic.Int64
	stepsCompleted atomic.Int64
	stepsMemoized  atomic.Int64
	totalStepNanos atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsSleeping  int64

	StepsCompleted  int64
	StepsMemoized   int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, runID, workflow string, attempt int) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, runID, workflow string) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunSleeping(ctx context.Context, runID, workflow string, wakeAt time.Time) {
	m.runsSleeping.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, runID, workflow string, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, runID, workflow, step string, err error, d time.Duration) {
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepNanos.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnStepMemoized(ctx context.Context, runID, workflow, step string) {
	m.stepsMemoized.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepNanos.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     m.runsStarted.Load(),
		RunsCompleted:   m.runsCompleted.Load(),
		RunsFailed:      m.runsFailed.Load(),
		RunsSleeping:    m.runsSleeping.Load(),
		StepsCompleted:  steps,
		StepsMemoized:   m.stepsMemoized.Load(),
		AvgStepDuration: avg,
	}
}

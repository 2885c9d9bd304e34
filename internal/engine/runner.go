package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Runner drives a pool of workers over the engine's task queue. Each worker
// loops on ProcessOne; handler outcomes are recorded by the engine itself,
// so the runner only has to log infrastructure failures and keep going.
type Runner struct {
	engine *Engine
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewRunner creates a Runner over the given engine.
func NewRunner(engine *Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{engine: engine, logger: logger}
}

// Start launches concurrency workers. It returns immediately; workers run
// until Stop is called or ctx is cancelled. Calling Start twice without an
// intervening Stop is an error.
func (r *Runner) Start(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = true

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.work(ctx, worker)
		}(i)
	}

	done := r.done
	go func() {
		wg.Wait()
		close(done)
	}()
	return nil
}

// Stop cancels the workers and blocks until they drain.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.started = false
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runner) work(ctx context.Context, worker int) {
	logger := r.logger.With(slog.Int("worker", worker))
	for {
		processed, err := r.engine.ProcessOne(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			logger.Debug("worker stopping")
			return
		case err != nil:
			// Dequeue or bookkeeping failure. Handler errors never
			// surface here; the engine converts them into run state.
			logger.Error("task processing failed", slog.Any("error", err))
		case !processed:
			if ctx.Err() != nil {
				logger.Debug("worker stopping")
				return
			}
		}
	}
}

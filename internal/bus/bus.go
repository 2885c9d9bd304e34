package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"reelpipe/internal/store"
)

// Bus fans events out to subscribed workflows through the durable task
// queue. Delivery is at-least-once; ordering across event names is not
// guaranteed. Malformed payloads are rejected here, before any run exists.
type Bus struct {
	queue  store.Queue
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string][]string // event name -> workflow names
}

// New constructs a Bus over the given queue.
func New(queue store.Queue, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		queue:       queue,
		logger:      logger,
		subscribers: make(map[string][]string),
	}
}

// Subscribe routes future deliveries of eventName to the named workflow.
// The engine calls this while registering workflows.
func (b *Bus) Subscribe(eventName, workflow string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.subscribers[eventName] {
		if existing == workflow {
			return
		}
	}
	b.subscribers[eventName] = append(b.subscribers[eventName], workflow)
}

// Publish validates the event and enqueues one delivery task per
// subscriber. Events with no subscribers are dropped with a warning.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	return b.PublishAt(ctx, event, time.Time{})
}

// PublishAt is Publish with delayed visibility: no subscriber sees the
// event before notBefore.
func (b *Bus) PublishAt(ctx context.Context, event Event, notBefore time.Time) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Name(), err)
	}

	payload, err := Encode(event)
	if err != nil {
		return fmt.Errorf("publish %s: encode: %w", event.Name(), err)
	}

	b.mu.RLock()
	workflows := append([]string(nil), b.subscribers[event.Name()]...)
	b.mu.RUnlock()

	if len(workflows) == 0 {
		b.logger.Warn("event has no subscribers", slog.String("event", event.Name()))
		return nil
	}

	for _, workflow := range workflows {
		task := store.Task{
			Type:      store.TaskTypeEvent,
			Workflow:  workflow,
			EventName: event.Name(),
			Payload:   payload,
			NotBefore: notBefore,
		}
		if err := b.queue.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("publish %s to %s: %w", event.Name(), workflow, err)
		}
	}

	b.logger.Debug("event published",
		slog.String("event", event.Name()),
		slog.Int("subscribers", len(workflows)),
	)
	return nil
}

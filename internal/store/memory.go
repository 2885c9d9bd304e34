package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of every store interface,
// used by tests and by the engine's unit harness. It mirrors the SQL
// stores' semantics including first-write-wins step records.
type MemoryStore struct {
	mu        sync.Mutex
	runs      map[string]*Run
	steps     map[string]map[string]*StepRecord
	claims    map[string]string // workflow+"\x00"+key -> runID
	resources map[string]*Resource
}

var (
	_ RunStore         = (*MemoryStore)(nil)
	_ StepStore        = (*MemoryStore)(nil)
	_ IdempotencyStore = (*MemoryStore)(nil)
	_ ResourceStore    = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		steps:     make(map[string]map[string]*StepRecord),
		claims:    make(map[string]string),
		resources: make(map[string]*Resource),
	}
}

func (m *MemoryStore) SaveRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	run.UpdatedAt = time.Now()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []*Run
	for _, run := range m.runs {
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		cp := *run
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs, nil
}

func (m *MemoryStore) GetStep(ctx context.Context, runID, step string) (*StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.steps[runID][step]
	if !ok {
		return nil, ErrStepNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) PutStep(ctx context.Context, rec *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[rec.RunID] == nil {
		m.steps[rec.RunID] = make(map[string]*StepRecord)
	}
	if _, ok := m.steps[rec.RunID][rec.Step]; ok {
		return nil
	}
	cp := *rec
	m.steps[rec.RunID][rec.Step] = &cp
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context, workflow, key, runID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ck := workflow + "\x00" + key
	if existing, ok := m.claims[ck]; ok {
		return existing, false, nil
	}
	m.claims[ck] = runID
	return runID, true, nil
}

func (m *MemoryStore) CreateResource(ctx context.Context, res *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[res.ID]; ok {
		return ErrResourceExists
	}
	now := time.Now()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now
	cp := *res
	m.resources[res.ID] = &cp
	return nil
}

func (m *MemoryStore) GetResource(ctx context.Context, id string) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	cp := *res
	return &cp, nil
}

func (m *MemoryStore) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	// Validate names the same way the SQL stores do.
	if _, _, err := buildFieldUpdate(fields); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[id]
	if !ok {
		return ErrResourceNotFound
	}
	for column, value := range fields {
		switch column {
		case "title":
			res.Title = value.(string)
		case "state":
			if s, ok := value.(ResourceState); ok {
				res.State = s
			} else {
				res.State = ResourceState(value.(string))
			}
		case "media_url":
			res.MediaURL = value.(string)
		case "host_asset_id":
			res.HostAssetID = value.(string)
		case "host_playback_id":
			res.HostPlaybackID = value.(string)
		case "transcript":
			res.Transcript = value.(string)
		case "srt":
			res.SRT = value.(string)
		case "word_level_srt":
			res.WordLevelSRT = value.(string)
		case "transcript_with_screenshots":
			res.TranscriptWithScreenshots = value.(string)
		}
	}
	res.UpdatedAt = time.Now()
	return nil
}

// MemoryQueue is an in-memory Queue honoring NotBefore scheduling. It polls
// like the SQL queues so durable-sleep semantics behave identically in
// tests.
type MemoryQueue struct {
	mu           sync.Mutex
	tasks        []Task
	pollInterval time.Duration
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{pollInterval: 2 * time.Millisecond}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	t.EnqueuedAt = now
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if task := q.claim(); task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *MemoryQueue) claim() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	best := -1
	for i, t := range q.tasks {
		if t.NotBefore.After(now) {
			continue
		}
		if best == -1 || t.NotBefore.Before(q.tasks[best].NotBefore) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	task := q.tasks[best]
	q.tasks = append(q.tasks[:best], q.tasks[best+1:]...)
	return &task
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

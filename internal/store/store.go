// Package store persists workflow runs, step records, idempotency keys,
// scheduled tasks, and video resources. SQLite is the default backend;
// Postgres and Redis (idempotency only) variants are provided for
// multi-node deployments.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRunNotFound      = errors.New("run not found")
	ErrStepNotFound     = errors.New("step record not found")
	ErrResourceNotFound = errors.New("resource not found")
	ErrResourceExists   = errors.New("resource already exists")
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSleeping  RunStatus = "sleeping"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one durable execution attempt of a workflow handler for one event
// occurrence. A run re-entered after a durable sleep keeps its ID.
type Run struct {
	ID        string
	Workflow  string
	EventName string
	Event     []byte // gob-encoded triggering event payload
	Status    RunStatus
	Attempts  int
	Error     string
	WakeAt    *time.Time
	StartedAt time.Time
	UpdatedAt time.Time
}

// StepRecord memoizes a completed step, keyed by (RunID, Step). It is
// written exactly once; re-entry of the run returns the stored result.
type StepRecord struct {
	RunID       string
	Step        string
	Result      []byte
	CompletedAt time.Time
}

// RunFilter narrows ListRuns. Zero values mean no filter.
type RunFilter struct {
	Workflow string
	Status   RunStatus
}

// RunStore persists workflow runs.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// StepStore persists memoized step results.
type StepStore interface {
	// GetStep returns ErrStepNotFound when the step has not completed yet.
	GetStep(ctx context.Context, runID, step string) (*StepRecord, error)
	// PutStep records a completed step. Writing the same (runID, step)
	// twice is a no-op so replays cannot clobber the stored result.
	PutStep(ctx context.Context, rec *StepRecord) error
}

// IdempotencyStore collapses duplicate event deliveries: the first Claim for
// (workflow, key) wins and binds the key to runID; later claims return the
// original run ID with claimed=false.
type IdempotencyStore interface {
	Claim(ctx context.Context, workflow, key, runID string) (existingRunID string, claimed bool, err error)
}

// TaskType identifies what a dequeued task asks the worker to do.
type TaskType string

const (
	TaskTypeEvent  TaskType = "event"  // start a run for an event delivery
	TaskTypeResume TaskType = "resume" // re-enter an existing run
)

// Task is a unit of scheduled work. NotBefore implements both durable sleep
// and retry backoff: a task is invisible until that instant.
type Task struct {
	Type      TaskType
	Workflow  string
	EventName string
	Payload   []byte // gob-encoded event (event tasks)
	RunID     string // resume tasks
	Attempts  int
	EnqueuedAt time.Time
	NotBefore  time.Time
}

// Queue is the durable scheduled task queue consumed by workers.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	// Dequeue blocks until a task whose NotBefore has passed is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)
	Len() int
}

// ResourceState is the pipeline position of a video resource.
type ResourceState string

const (
	StateProcessing       ResourceState = "processing"
	StateTranscribing     ResourceState = "transcribing"
	StateTranscriptReady  ResourceState = "transcript_ready"
	StateSubtitleAttached ResourceState = "subtitle_attached"
	StateEnriched         ResourceState = "enriched"
)

// Resource is the per-video content record the pipeline reads and writes.
// Transcript artifacts are immutable once set; re-transcription writes a
// fresh set rather than patching in place.
type Resource struct {
	ID                        string
	Title                     string
	State                     ResourceState
	MediaURL                  string
	HostAssetID               string
	HostPlaybackID            string
	Transcript                string
	SRT                       string
	WordLevelSRT              string
	TranscriptWithScreenshots string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// resourceColumns whitelists the fields UpdateFields may touch.
var resourceColumns = map[string]struct{}{
	"title":                       {},
	"state":                       {},
	"media_url":                   {},
	"host_asset_id":               {},
	"host_playback_id":            {},
	"transcript":                  {},
	"srt":                         {},
	"word_level_srt":              {},
	"transcript_with_screenshots": {},
}

// ResourceStore is the keyed CRUD surface of the content store. No
// multi-row transactional guarantees are assumed by the workflows.
type ResourceStore interface {
	CreateResource(ctx context.Context, res *Resource) error
	GetResource(ctx context.Context, id string) (*Resource, error)
	// UpdateFields applies a partial update. Keys are column names from the
	// whitelist; unknown keys are an error.
	UpdateFields(ctx context.Context, id string, fields map[string]any) error
}

package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"reelpipe/internal/store"
)

func openSQLite(t *testing.T) (*store.SQLiteStore, *store.SQLiteQueue) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.NewSQLiteStore(db)
	require.NoError(t, err)
	q, err := store.NewSQLiteQueue(db)
	require.NoError(t, err)
	return st, q
}

func TestSQLiteRunLifecycle(t *testing.T) {
	st, _ := openSQLite(t)
	ctx := context.Background()

	now := time.Now()
	run := &store.Run{
		ID:        "run-1",
		Workflow:  "video-ingestion",
		EventName: "asset.uploaded",
		Event:     []byte("payload"),
		Status:    store.RunRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.SaveRun(ctx, run))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, got.Status)
	assert.Equal(t, []byte("payload"), got.Event)
	assert.Nil(t, got.WakeAt)

	wake := now.Add(time.Minute)
	run.Status = store.RunSleeping
	run.Attempts = 1
	run.WakeAt = &wake
	require.NoError(t, st.UpdateRun(ctx, run))

	got, err = st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunSleeping, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.WakeAt)
	assert.Equal(t, wake.UnixNano(), got.WakeAt.UnixNano())

	sleeping, err := st.ListRuns(ctx, store.RunFilter{Status: store.RunSleeping})
	require.NoError(t, err)
	assert.Len(t, sleeping, 1)

	_, err = st.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrRunNotFound)
	assert.ErrorIs(t, st.UpdateRun(ctx, &store.Run{ID: "missing"}), store.ErrRunNotFound)
}

func TestSQLiteStepFirstWriteWins(t *testing.T) {
	st, _ := openSQLite(t)
	ctx := context.Background()

	_, err := st.GetStep(ctx, "run-1", "create-resource")
	assert.ErrorIs(t, err, store.ErrStepNotFound)

	require.NoError(t, st.PutStep(ctx, &store.StepRecord{
		RunID: "run-1", Step: "create-resource", Result: []byte("first"), CompletedAt: time.Now(),
	}))
	// A replayed write must not clobber the stored result.
	require.NoError(t, st.PutStep(ctx, &store.StepRecord{
		RunID: "run-1", Step: "create-resource", Result: []byte("second"), CompletedAt: time.Now(),
	}))

	rec, err := st.GetStep(ctx, "run-1", "create-resource")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), rec.Result)
}

func TestSQLiteIdempotencyClaim(t *testing.T) {
	st, _ := openSQLite(t)
	ctx := context.Background()

	existing, claimed, err := st.Claim(ctx, "purchase-welcome", "cs-1", "run-a")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "run-a", existing)

	existing, claimed, err = st.Claim(ctx, "purchase-welcome", "cs-1", "run-b")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "run-a", existing)

	// Same key under another workflow is independent.
	_, claimed, err = st.Claim(ctx, "role-grant", "cs-1", "run-c")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSQLiteResourceUpdateFields(t *testing.T) {
	st, _ := openSQLite(t)
	ctx := context.Background()

	res := &store.Resource{ID: "intro-to-go", State: store.StateProcessing, MediaURL: "https://cdn.test/v.mp4"}
	require.NoError(t, st.CreateResource(ctx, res))
	assert.ErrorIs(t, st.CreateResource(ctx, res), store.ErrResourceExists)

	require.NoError(t, st.UpdateFields(ctx, "intro-to-go", map[string]any{
		"state":         store.StateTranscribing,
		"host_asset_id": "asset-1",
	}))

	got, err := st.GetResource(ctx, "intro-to-go")
	require.NoError(t, err)
	assert.Equal(t, store.StateTranscribing, got.State)
	assert.Equal(t, "asset-1", got.HostAssetID)

	assert.Error(t, st.UpdateFields(ctx, "intro-to-go", map[string]any{"id": "nope"}))
	assert.ErrorIs(t, st.UpdateFields(ctx, "missing", map[string]any{"state": "processing"}), store.ErrResourceNotFound)
}

func TestSQLiteQueueHonorsNotBefore(t *testing.T) {
	_, q := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, store.Task{
		Type:      store.TaskTypeResume,
		Workflow:  "later",
		RunID:     "run-later",
		NotBefore: time.Now().Add(30 * time.Millisecond),
	}))
	require.NoError(t, q.Enqueue(ctx, store.Task{
		Type:     store.TaskTypeEvent,
		Workflow: "now",
		Payload:  []byte("evt"),
	}))
	assert.Equal(t, 2, q.Len())

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "now", first.Workflow)

	// The delayed task becomes visible only after its NotBefore.
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-later", second.RunID)
	assert.False(t, time.Now().Before(second.NotBefore))
	assert.Zero(t, q.Len())
}

func TestSQLiteQueueDequeueStopsOnCancel(t *testing.T) {
	_, q := openSQLite(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelpipe/internal/bus"
	"reelpipe/internal/engine"
	"reelpipe/internal/pipeline"
	"reelpipe/internal/services/videohost"
	"reelpipe/internal/store"
	"reelpipe/internal/transcript"
)

// fakeHost scripts asset status responses and tracks subtitle mutations.
type fakeHost struct {
	mu sync.Mutex

	statuses []string // consumed per GetAsset; last value repeats
	asset    videohost.Asset

	createCalls int
	getCalls    int
	addCalls    int
	delCalls    int
	nextTrack   int
}

func newFakeHost(statuses ...string) *fakeHost {
	return &fakeHost{
		statuses: statuses,
		asset:    videohost.Asset{ID: "asset-1", PlaybackID: "play-1"},
	}
}

func (f *fakeHost) CreateAsset(ctx context.Context, mediaURL string) (videohost.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.asset.Status = videohost.StatusPreparing
	return f.asset, nil
}

func (f *fakeHost) GetAsset(ctx context.Context, assetID string) (videohost.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if len(f.statuses) > 0 {
		f.asset.Status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return f.asset, nil
}

func (f *fakeHost) AddSubtitleTrack(ctx context.Context, assetID, subtitleURL, name, languageCode string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	f.nextTrack++
	f.asset.SubtitleTrackID = fmt.Sprintf("track-%d", f.nextTrack)
	return f.asset.SubtitleTrackID, nil
}

func (f *fakeHost) DeleteSubtitleTrack(ctx context.Context, assetID, trackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delCalls++
	if f.asset.SubtitleTrackID == trackID {
		f.asset.SubtitleTrackID = ""
	}
	return nil
}

type fakeSpeech struct {
	mu       sync.Mutex
	requests []string // callback URLs
}

func (f *fakeSpeech) RequestTranscription(ctx context.Context, mediaURL, callbackURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, callbackURL)
	return fmt.Sprintf("job-%d", len(f.requests)), nil
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []string // "to|subject"
}

func (f *fakeEmail) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+"|"+subject)
	return nil
}

func (f *fakeEmail) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	store  *store.MemoryStore
	queue  *store.MemoryQueue
	bus    *bus.Bus
	engine *engine.Engine
	host   *fakeHost
	speech *fakeSpeech
	email  *fakeEmail
}

func newFixture(t *testing.T, host *fakeHost, pollLimit int) *fixture {
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

	sp := &fakeSpeech{}
	mail := &fakeEmail{}
	p := pipeline.New(pipeline.Config{
		PublicBaseURL: "http://pipe.test",
		HostBaseURL:   "http://host.test",
		PollCooldown:  time.Millisecond,
		PollLimit:     pollLimit,
		OperatorEmail: "ops@pipe.test",
		Retry: engine.RetryPolicy{
			MaxAttempts:       2,
			InitialBackoff:    time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxBackoff:        5 * time.Millisecond,
		},
	}, st, host, sp, mail, nil)
	require.NoError(t, p.Register(eng))

	return &fixture{store: st, queue: q, bus: b, engine: eng, host: host, speech: sp, email: mail}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.queue.Len() > 0 {
		require.True(t, time.Now().Before(deadline), "queue never drained")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := f.engine.ProcessOne(ctx)
		cancel()
		require.NoError(t, err)
	}
}

func (f *fixture) seedResource(t *testing.T, state store.ResourceState) {
	t.Helper()
	require.NoError(t, f.store.CreateResource(context.Background(), &store.Resource{
		ID:             "intro-to-go",
		Title:          "intro to go",
		State:          state,
		MediaURL:       "https://cdn.test/intro-to-go.mp4",
		HostAssetID:    "asset-1",
		HostPlaybackID: "play-1",
		Transcript:     "[0:00] Hello there.",
		SRT:            "1\n00:00:00,000 --> 00:00:01,000\nHello there.\n",
		WordLevelSRT:   "1\n00:00:00,000 --> 00:00:00,500\nHello\n",
	}))
}

func (f *fixture) resource(t *testing.T) *store.Resource {
	t.Helper()
	res, err := f.store.GetResource(context.Background(), "intro-to-go")
	require.NoError(t, err)
	return res
}

func (f *fixture) runsOf(t *testing.T, workflow string) []*store.Run {
	t.Helper()
	runs, err := f.store.ListRuns(context.Background(), store.RunFilter{Workflow: workflow})
	require.NoError(t, err)
	return runs
}

func TestIngestionCreatesResourceAndRequestsTranscription(t *testing.T) {
	host := newFakeHost()
	f := newFixture(t, host, 3)

	require.NoError(t, f.bus.Publish(context.Background(), bus.AssetUploaded{
		MediaURL: "https://cdn.test/Intro To Go.mp4",
		FileName: "Intro To Go.mp4",
	}))
	f.drain(t)

	res := f.resource(t)
	assert.Equal(t, store.StateTranscribing, res.State)
	assert.Equal(t, "asset-1", res.HostAssetID)
	assert.Equal(t, "play-1", res.HostPlaybackID)
	assert.Equal(t, 1, host.createCalls)

	require.Len(t, f.speech.requests, 1)
	assert.Equal(t, "http://pipe.test/webhooks/transcription?resourceId=intro-to-go", f.speech.requests[0])
}

func TestTranscriptionPersistsArtifactsAndKicksAttachment(t *testing.T) {
	host := newFakeHost(videohost.StatusReady)
	f := newFixture(t, host, 3)
	f.seedResource(t, store.StateTranscribing)

	require.NoError(t, f.bus.Publish(context.Background(), bus.TranscriptionReceived{
		VideoResourceID: "intro-to-go",
		Result: transcript.Result{Words: []transcript.Word{
			{Text: "Hello", Start: 0, End: 0.5},
			{Text: "there.", Start: 0.6, End: 1.0},
		}},
	}))
	f.drain(t)

	res := f.resource(t)
	assert.Equal(t, store.StateEnriched, res.State)
	assert.Contains(t, res.SRT, "Hello there.")
	assert.Contains(t, res.WordLevelSRT, "00:00:00,600 --> 00:00:01,000")
	assert.Equal(t, "[0:00] Hello there.", res.Transcript)
	assert.Contains(t, res.TranscriptWithScreenshots, "http://host.test/video/v1/thumbnails/play-1.jpg?time=0")

	// The full chain ran: attach, enrich, operator mail.
	assert.Equal(t, 1, host.addCalls)
	assert.Equal(t, 1, f.email.count())
}

func TestAttachmentConvergesUnderDuplicateDelivery(t *testing.T) {
	host := newFakeHost(videohost.StatusReady)
	f := newFixture(t, host, 3)
	f.seedResource(t, store.StateTranscriptReady)

	event := bus.TranscriptReady{VideoResourceID: "intro-to-go"}
	require.NoError(t, f.bus.Publish(context.Background(), event))
	require.NoError(t, f.bus.Publish(context.Background(), event))
	f.drain(t)

	// Delete-then-add per run: two runs attached, but exactly one track
	// is active at the end.
	assert.Equal(t, 2, host.addCalls)
	assert.Equal(t, "track-2", host.asset.SubtitleTrackID)
	// Enrichment rode the emitted VideoProcessed past subtitle_attached.
	assert.Equal(t, store.StateEnriched, f.resource(t).State)

	for _, run := range f.runsOf(t, pipeline.WorkflowAttachment) {
		assert.Equal(t, store.RunCompleted, run.Status)
	}
}

func TestAttachmentPollsUntilAssetReady(t *testing.T) {
	host := newFakeHost(
		videohost.StatusPreparing,
		videohost.StatusPreparing,
		videohost.StatusReady,
	)
	f := newFixture(t, host, 5)
	f.seedResource(t, store.StateTranscriptReady)

	require.NoError(t, f.bus.Publish(context.Background(), bus.TranscriptReady{
		VideoResourceID: "intro-to-go",
	}))
	f.drain(t)

	// Two not-ready observations re-emit, the third run attaches.
	runs := f.runsOf(t, pipeline.WorkflowAttachment)
	assert.Len(t, runs, 3)
	for _, run := range runs {
		assert.Equal(t, store.RunCompleted, run.Status)
	}
	assert.Equal(t, 1, host.addCalls)
	assert.Equal(t, store.StateEnriched, f.resource(t).State)
}

func TestAttachmentGivesUpAtPollLimit(t *testing.T) {
	host := newFakeHost(videohost.StatusPreparing)
	f := newFixture(t, host, 2)
	f.seedResource(t, store.StateTranscriptReady)

	require.NoError(t, f.bus.Publish(context.Background(), bus.TranscriptReady{
		VideoResourceID: "intro-to-go",
	}))
	f.drain(t)

	runs := f.runsOf(t, pipeline.WorkflowAttachment)
	require.Len(t, runs, 3)

	var failed int
	for _, run := range runs {
		if run.Status == store.RunFailed {
			failed++
			assert.Contains(t, run.Error, "gave up")
		}
	}
	assert.Equal(t, 1, failed)
	assert.Zero(t, host.addCalls)
	assert.Equal(t, store.StateTranscriptReady, f.resource(t).State)
}

func TestErroredAssetFailsTerminally(t *testing.T) {
	host := newFakeHost(videohost.StatusErrored)
	f := newFixture(t, host, 3)
	f.seedResource(t, store.StateTranscriptReady)

	require.NoError(t, f.bus.Publish(context.Background(), bus.TranscriptReady{
		VideoResourceID: "intro-to-go",
	}))

	_, err := f.engine.ProcessOne(context.Background())
	require.NoError(t, err)

	runs := f.runsOf(t, pipeline.WorkflowAttachment)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunFailed, runs[0].Status)
	assert.Equal(t, 1, runs[0].Attempts)
	assert.Zero(t, f.queue.Len(), "terminal failure must not schedule retries or polls")
	assert.Zero(t, host.addCalls)
	assert.Equal(t, store.StateTranscriptReady, f.resource(t).State)
}

func TestDuplicatePurchaseSendsOneWelcome(t *testing.T) {
	f := newFixture(t, newFakeHost(), 3)

	event := bus.NewPurchaseCreated{
		PurchaseID:        "p-1",
		CheckoutSessionID: "cs-1",
		Email:             "new@user.test",
	}
	require.NoError(t, f.bus.Publish(context.Background(), event))
	require.NoError(t, f.bus.Publish(context.Background(), event))
	f.drain(t)

	assert.Equal(t, 1, f.email.count())
	assert.Len(t, f.runsOf(t, pipeline.WorkflowPurchaseWelcome), 1)
}

func TestRoleGrantNotifiesOnce(t *testing.T) {
	f := newFixture(t, newFakeHost(), 3)

	event := bus.RoleGranted{Email: "member@user.test", Role: "member"}
	require.NoError(t, f.bus.Publish(context.Background(), event))
	require.NoError(t, f.bus.Publish(context.Background(), event))
	f.drain(t)

	assert.Equal(t, 1, f.email.count())
}

func TestResourceIDFromFile(t *testing.T) {
	cases := map[string]string{
		"Intro To Go.mp4":       "intro-to-go",
		"lesson_01 (final).mov": "lesson-01-final",
		"/uploads/Clip.MP4":     "clip",
		"weird---name..mp4":     "weird-name",
	}
	for in, want := range cases {
		assert.Equal(t, want, pipeline.ResourceIDFromFile(in), "ResourceIDFromFile(%q)", in)
	}
}

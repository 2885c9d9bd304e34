package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelpipe/internal/bus"
	"reelpipe/internal/engine"
	"reelpipe/internal/httpapi"
	"reelpipe/internal/store"
)

type fixture struct {
	store  *store.MemoryStore
	queue  *store.MemoryQueue
	bus    *bus.Bus
	server *httpapi.Server
}

func newFixture(t *testing.T) *fixture {
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

	// Intake endpoints publish; subscriptions make deliveries observable
	// on the queue without running workers.
	b.Subscribe(bus.EventTranscriptionReceived, "transcription-intake")
	b.Subscribe(bus.EventAssetUploaded, "video-ingestion")

	return &fixture{
		store:  st,
		queue:  q,
		bus:    b,
		server: httpapi.New(b, eng, st, st, nil),
	}
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func TestTranscriptionWebhookRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/webhooks/transcription", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.queue.Len(), "malformed payloads must be rejected before any run exists")
}

func TestTranscriptionWebhookRequiresResourceID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/webhooks/transcription", `{"words":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.queue.Len())
}

func TestTranscriptionWebhookAcceptsQueryResourceID(t *testing.T) {
	f := newFixture(t)

	body := `{"words":[{"text":"Hi","start":0,"end":0.4}]}`
	rec := f.do(http.MethodPost, "/webhooks/transcription?resourceId=intro-to-go", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.queue.Len())
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/uploads", `{"fileName":"clip.mp4","mediaUrl":"not-a-url"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/uploads", `{"fileName":"clip.mp4","mediaUrl":"https://cdn.test/clip.mp4"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.queue.Len())
}

func TestSubtitleEndpoints(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateResource(context.Background(), &store.Resource{
		ID:           "intro-to-go",
		SRT:          "1\n00:00:00,000 --> 00:00:01,000\nHello.\n",
		WordLevelSRT: "1\n00:00:00,000 --> 00:00:00,500\nHello\n",
	}))

	rec := f.do(http.MethodGet, "/subtitles/intro-to-go.srt", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-subrip; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Hello.")

	rec = f.do(http.MethodGet, "/subtitles/intro-to-go.words.srt", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "00:00:00,500")

	rec = f.do(http.MethodGet, "/subtitles/missing.srt", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubtitleEndpointEmptyArtifactIs404(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateResource(context.Background(), &store.Resource{ID: "bare"}))

	rec := f.do(http.MethodGet, "/subtitles/bare.srt", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunEndpoints(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	require.NoError(t, f.store.SaveRun(context.Background(), &store.Run{
		ID:        "run-1",
		Workflow:  "video-ingestion",
		EventName: bus.EventAssetUploaded,
		Status:    store.RunFailed,
		Attempts:  5,
		Error:     "downstream hiccup",
		StartedAt: now,
		UpdatedAt: now,
	}))

	rec := f.do(http.MethodGet, "/runs?status=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "run-1", listed[0]["id"])

	rec = f.do(http.MethodGet, "/runs/run-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/runs/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Failed run: retry accepted and a resume task lands on the queue.
	rec = f.do(http.MethodPost, "/runs/run-1/retry", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.queue.Len())

	// Now sleeping, no longer retriable.
	rec = f.do(http.MethodPost, "/runs/run-1/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/runs/unknown/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

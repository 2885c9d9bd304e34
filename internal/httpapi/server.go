// Package httpapi exposes the service's HTTP surface: the transcription
// webhook, upload intake, the subtitle content endpoints the video host
// pulls from, and a small operator API over workflow runs.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"reelpipe/internal/bus"
	"reelpipe/internal/engine"
	"reelpipe/internal/store"
	"reelpipe/internal/transcript"
)

// Server routes HTTP traffic to the bus and stores. All intake endpoints
// validate synchronously and reject malformed payloads with 400 before any
// run exists.
type Server struct {
	bus       *bus.Bus
	engine    *engine.Engine
	runs      store.RunStore
	resources store.ResourceStore
	logger    *slog.Logger
	router    *mux.Router
}

// New constructs a Server and builds its routes.
func New(b *bus.Bus, e *engine.Engine, runs store.RunStore, resources store.ResourceStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bus:       b,
		engine:    e,
		runs:      runs,
		resources: resources,
		logger:    logger,
		router:    mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/webhooks/transcription", s.handleTranscriptionWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/uploads", s.handleUpload).Methods(http.MethodPost)
	s.router.HandleFunc("/subtitles/{id:[^.]+}.words.srt", s.handleWordSubtitles).Methods(http.MethodGet)
	s.router.HandleFunc("/subtitles/{id:[^.]+}.srt", s.handleSubtitles).Methods(http.MethodGet)
	s.router.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	s.router.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	s.router.HandleFunc("/runs/{id}/retry", s.handleRetryRun).Methods(http.MethodPost)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// NewHTTPServer wraps the Server in an http.Server with sane timeouts.
func NewHTTPServer(addr string, s *Server) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

type transcriptionWebhookRequest struct {
	VideoResourceID string                 `json:"videoResourceId"`
	Words           []transcript.Word      `json:"words"`
	Paragraphs      []transcript.Paragraph `json:"paragraphs"`
}

func (s *Server) handleTranscriptionWebhook(w http.ResponseWriter, r *http.Request) {
	var req transcriptionWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	// The callback URL given to the speech provider carries the resource
	// id as a query parameter; a body field takes precedence when set.
	resourceID := strings.TrimSpace(req.VideoResourceID)
	if resourceID == "" {
		resourceID = strings.TrimSpace(r.URL.Query().Get("resourceId"))
	}

	event := bus.TranscriptionReceived{
		VideoResourceID: resourceID,
		Result: transcript.Result{
			Words:      req.Words,
			Paragraphs: req.Paragraphs,
		},
	}
	if err := event.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.bus.Publish(r.Context(), event); err != nil {
		s.logger.Error("webhook publish failed", slog.Any("error", err))
		s.respondError(w, http.StatusInternalServerError, "could not accept transcription")
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type uploadRequest struct {
	MediaURL         string `json:"mediaUrl"`
	FileName         string `json:"fileName"`
	ParentResourceID string `json:"parentResourceId"`
	UserID           string `json:"userId"`
	Email            string `json:"email"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	event := bus.AssetUploaded{
		MediaURL:         req.MediaURL,
		FileName:         req.FileName,
		ParentResourceID: req.ParentResourceID,
		Actor:            bus.Actor{UserID: req.UserID, Email: req.Email},
	}
	if err := event.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.bus.Publish(r.Context(), event); err != nil {
		s.logger.Error("upload publish failed", slog.Any("error", err))
		s.respondError(w, http.StatusInternalServerError, "could not accept upload")
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleSubtitles(w http.ResponseWriter, r *http.Request) {
	s.serveSubtitleText(w, r, func(res *store.Resource) string { return res.SRT })
}

func (s *Server) handleWordSubtitles(w http.ResponseWriter, r *http.Request) {
	s.serveSubtitleText(w, r, func(res *store.Resource) string { return res.WordLevelSRT })
}

func (s *Server) serveSubtitleText(w http.ResponseWriter, r *http.Request, pick func(*store.Resource) string) {
	id := mux.Vars(r)["id"]
	res, err := s.resources.GetResource(r.Context(), id)
	if errors.Is(err, store.ErrResourceNotFound) {
		s.respondError(w, http.StatusNotFound, "unknown resource")
		return
	}
	if err != nil {
		s.logger.Error("resource lookup failed", slog.String("id", id), slog.Any("error", err))
		s.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	text := pick(res)
	if text == "" {
		s.respondError(w, http.StatusNotFound, "no subtitles for resource")
		return
	}
	w.Header().Set("Content-Type", "application/x-subrip; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}

type runView struct {
	ID        string     `json:"id"`
	Workflow  string     `json:"workflow"`
	Event     string     `json:"event"`
	Status    string     `json:"status"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	WakeAt    *time.Time `json:"wakeAt,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func viewOf(run *store.Run) runView {
	return runView{
		ID:        run.ID,
		Workflow:  run.Workflow,
		Event:     run.EventName,
		Status:    string(run.Status),
		Attempts:  run.Attempts,
		Error:     run.Error,
		WakeAt:    run.WakeAt,
		StartedAt: run.StartedAt,
		UpdatedAt: run.UpdatedAt,
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Workflow: r.URL.Query().Get("workflow"),
		Status:   store.RunStatus(r.URL.Query().Get("status")),
	}
	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.logger.Error("run listing failed", slog.Any("error", err))
		s.respondError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, viewOf(run))
	}
	s.respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		s.respondError(w, http.StatusNotFound, "unknown run")
		return
	}
	if err != nil {
		s.logger.Error("run lookup failed", slog.String("id", id), slog.Any("error", err))
		s.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.respondJSON(w, http.StatusOK, viewOf(run))
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.engine.Retry(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		s.respondError(w, http.StatusNotFound, "unknown run")
	case err != nil:
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "retry scheduled"})
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	// Providers add fields without notice; unknown fields are ignored.
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 10<<20))
	return dec.Decode(v)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", slog.Any("error", err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

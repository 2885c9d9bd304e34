// Package pipeline defines the media-processing workflows: ingestion,
// transcription intake, subtitle attachment, enrichment, and notification
// fan-out. Each workflow is a durable handler registered with the engine;
// handlers route every side effect through steps so crash re-entry and
// duplicate event delivery converge on a single effective outcome.
package pipeline

import (
	"encoding/gob"
	"log/slog"
	"strings"
	"time"

	"reelpipe/internal/bus"
	"reelpipe/internal/engine"
	"reelpipe/internal/services/email"
	"reelpipe/internal/services/speech"
	"reelpipe/internal/services/videohost"
	"reelpipe/internal/store"
)

func init() {
	// Step results cross the gob codec as interface values.
	gob.Register(videohost.Asset{})
	gob.Register(subtitleArtifacts{})
}

// Workflow names.
const (
	WorkflowIngestion       = "video-ingestion"
	WorkflowTranscription   = "transcription-intake"
	WorkflowAttachment      = "subtitle-attachment"
	WorkflowEnrichment      = "enrichment"
	WorkflowPurchaseWelcome = "purchase-welcome"
	WorkflowRoleGrant       = "role-grant"
	WorkflowOperatorNotify  = "operator-notify"
)

// Config carries the pipeline tunables.
type Config struct {
	// PublicBaseURL is the externally reachable base of this service; the
	// speech provider calls back to it and the video host pulls subtitle
	// content from it.
	PublicBaseURL string

	// HostBaseURL is the video host's API base, used to build frame-grab
	// URLs for transcript enrichment.
	HostBaseURL string

	// PollCooldown is the durable sleep between host asset status checks.
	PollCooldown time.Duration

	// PollLimit bounds the attachment workflow's status-check loop; a run
	// whose event arrives at this cycle count fails terminally.
	PollLimit int

	// OperatorEmail receives processing notifications when set.
	OperatorEmail string

	// Retry applies to every pipeline workflow.
	Retry engine.RetryPolicy
}

func (c *Config) applyDefaults() {
	if c.PollCooldown <= 0 {
		c.PollCooldown = 20 * time.Second
	}
	if c.PollLimit <= 0 {
		c.PollLimit = 30
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = engine.DefaultRetryPolicy()
	}
	c.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
}

// Pipeline bundles the collaborators shared by the workflow handlers.
type Pipeline struct {
	cfg       Config
	resources store.ResourceStore
	host      videohost.Service
	speech    speech.Service
	email     email.Sender
	logger    *slog.Logger
}

// New constructs a Pipeline. Zero-valued config fields fall back to the
// documented defaults.
func New(cfg Config, resources store.ResourceStore, host videohost.Service, sp speech.Service, mail email.Sender, logger *slog.Logger) *Pipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		resources: resources,
		host:      host,
		speech:    sp,
		email:     mail,
		logger:    logger,
	}
}

// Register wires every workflow into the engine.
func (p *Pipeline) Register(e *engine.Engine) error {
	workflows := []engine.Workflow{
		{
			Name:           WorkflowIngestion,
			Trigger:        bus.EventAssetUploaded,
			Handler:        p.ingest,
			Retry:          p.cfg.Retry,
			IdempotencyKey: ingestionKey,
		},
		{
			Name:    WorkflowTranscription,
			Trigger: bus.EventTranscriptionReceived,
			Handler: p.receiveTranscription,
			Retry:   p.cfg.Retry,
		},
		{
			Name:    WorkflowAttachment,
			Trigger: bus.EventTranscriptReady,
			Handler: p.attachSubtitles,
			Retry:   p.cfg.Retry,
		},
		{
			Name:    WorkflowEnrichment,
			Trigger: bus.EventVideoProcessed,
			Handler: p.enrich,
			Retry:   p.cfg.Retry,
		},
		{
			Name:           WorkflowPurchaseWelcome,
			Trigger:        bus.EventNewPurchaseCreated,
			Handler:        p.welcomePurchase,
			Retry:          p.cfg.Retry,
			IdempotencyKey: purchaseKey,
		},
		{
			Name:           WorkflowRoleGrant,
			Trigger:        bus.EventRoleGranted,
			Handler:        p.grantRole,
			Retry:          p.cfg.Retry,
			IdempotencyKey: roleGrantKey,
		},
		{
			Name:    WorkflowOperatorNotify,
			Trigger: bus.EventVideoProcessed,
			Handler: p.notifyOperator,
			Retry:   p.cfg.Retry,
		},
	}
	for _, wf := range workflows {
		if err := e.Register(wf); err != nil {
			return err
		}
	}
	return nil
}

// subtitleURL is the content URL the video host pulls subtitle text from.
func (p *Pipeline) subtitleURL(resourceID string) string {
	return p.cfg.PublicBaseURL + "/subtitles/" + resourceID + ".srt"
}

// callbackURL is where the speech provider posts the finished transcript.
func (p *Pipeline) callbackURL(resourceID string) string {
	return p.cfg.PublicBaseURL + "/webhooks/transcription?resourceId=" + resourceID
}

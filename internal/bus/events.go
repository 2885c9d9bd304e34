// Package bus defines the typed events flowing through the pipeline and a
// durable publisher delivering them to subscribed workflows at least once.
package bus

import (
	"encoding/gob"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"reelpipe/internal/store"
	"reelpipe/internal/transcript"
)

func init() {
	gob.Register(AssetUploaded{})
	gob.Register(TranscriptionReceived{})
	gob.Register(TranscriptReady{})
	gob.Register(VideoProcessed{})
	gob.Register(NewPurchaseCreated{})
	gob.Register(RoleGranted{})
}

// Event is a named, immutable occurrence. Identity for idempotency purposes
// is derived from payload fields by the consuming workflow, never from a
// bus-assigned id, because the bus may redeliver.
type Event interface {
	Name() string
	Validate() error
}

// Actor identifies the user on whose behalf an event was published.
type Actor struct {
	UserID string
	Email  string
}

// Event names.
const (
	EventAssetUploaded         = "asset.uploaded"
	EventTranscriptionReceived = "transcription.received"
	EventTranscriptReady       = "transcript.ready"
	EventVideoProcessed        = "video.processed"
	EventNewPurchaseCreated    = "purchase.created"
	EventRoleGranted           = "role.granted"
)

// AssetUploaded announces a freshly uploaded media file.
type AssetUploaded struct {
	MediaURL         string
	FileName         string
	ParentResourceID string
	Actor            Actor
}

func (AssetUploaded) Name() string { return EventAssetUploaded }

func (e AssetUploaded) Validate() error {
	if strings.TrimSpace(e.FileName) == "" {
		return errors.New("asset.uploaded: fileName is required")
	}
	u, err := url.Parse(e.MediaURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("asset.uploaded: mediaUrl %q is not an absolute URL", e.MediaURL)
	}
	return nil
}

// TranscriptionReceived carries the speech provider's completed result,
// published by the webhook handler after synchronous validation.
type TranscriptionReceived struct {
	VideoResourceID string
	Result          transcript.Result
}

func (TranscriptionReceived) Name() string { return EventTranscriptionReceived }

func (e TranscriptionReceived) Validate() error {
	if strings.TrimSpace(e.VideoResourceID) == "" {
		return errors.New("transcription.received: videoResourceId is required")
	}
	return nil
}

// TranscriptReady announces persisted subtitle artifacts for a resource.
// PollCycles counts how many cooldown loops the attachment workflow has
// already spent waiting for the host asset; it travels in the payload so
// each re-emitted delivery starts a fresh bounded run.
type TranscriptReady struct {
	VideoResourceID string
	SubtitleText    string
	WordLevelText   string
	PollCycles      int
}

func (TranscriptReady) Name() string { return EventTranscriptReady }

func (e TranscriptReady) Validate() error {
	if strings.TrimSpace(e.VideoResourceID) == "" {
		return errors.New("transcript.ready: videoResourceId is required")
	}
	if e.PollCycles < 0 {
		return errors.New("transcript.ready: pollCycles must not be negative")
	}
	return nil
}

// VideoProcessed announces that a resource's subtitle track is attached and
// the pipeline may enrich and notify.
type VideoProcessed struct {
	VideoResourceID string
}

func (VideoProcessed) Name() string { return EventVideoProcessed }

func (e VideoProcessed) Validate() error {
	if strings.TrimSpace(e.VideoResourceID) == "" {
		return errors.New("video.processed: videoResourceId is required")
	}
	return nil
}

// NewPurchaseCreated announces a completed checkout.
type NewPurchaseCreated struct {
	PurchaseID        string
	CheckoutSessionID string
	UserID            string
	Email             string
}

func (NewPurchaseCreated) Name() string { return EventNewPurchaseCreated }

func (e NewPurchaseCreated) Validate() error {
	if strings.TrimSpace(e.CheckoutSessionID) == "" {
		return errors.New("purchase.created: checkoutSessionId is required")
	}
	if strings.TrimSpace(e.Email) == "" {
		return errors.New("purchase.created: email is required")
	}
	return nil
}

// RoleGranted announces that a user should receive an external role.
type RoleGranted struct {
	Email string
	Role  string
}

func (RoleGranted) Name() string { return EventRoleGranted }

func (e RoleGranted) Validate() error {
	if strings.TrimSpace(e.Email) == "" {
		return errors.New("role.granted: email is required")
	}
	if strings.TrimSpace(e.Role) == "" {
		return errors.New("role.granted: role is required")
	}
	return nil
}

// Encode serializes an event for queue transport.
func Encode(event Event) ([]byte, error) {
	return store.EncodeValue(event)
}

// Decode deserializes an event produced by Encode.
func Decode(data []byte) (Event, error) {
	v, err := store.DecodeValue(data)
	if err != nil {
		return nil, err
	}
	event, ok := v.(Event)
	if !ok {
		return nil, fmt.Errorf("decoded payload of type %T is not an event", v)
	}
	return event, nil
}

// Package videohost talks to the external video hosting provider: asset
// creation from an uploaded media URL, asset status polling, and subtitle
// track management.
package videohost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"reelpipe/internal/services"
)

// Asset status values reported by the host.
const (
	StatusPreparing = "preparing"
	StatusReady     = "ready"
	StatusErrored   = "errored"
)

// Asset is the host-side representation of an uploaded video.
type Asset struct {
	ID              string `json:"id"`
	PlaybackID      string `json:"playback_id"`
	Status          string `json:"status"`
	SubtitleTrackID string `json:"subtitle_track_id,omitempty"`
}

// Ready reports whether the asset finished preparing and can accept tracks.
func (a Asset) Ready() bool { return a.Status == StatusReady }

// Service is the host operation surface the workflows depend on.
type Service interface {
	// CreateAsset registers mediaURL for ingestion and returns the new
	// asset, normally still in preparing state.
	CreateAsset(ctx context.Context, mediaURL string) (Asset, error)

	// GetAsset fetches current asset state, including any existing
	// subtitle track.
	GetAsset(ctx context.Context, assetID string) (Asset, error)

	// AddSubtitleTrack attaches a text track sourced from subtitleURL and
	// returns the new track id.
	AddSubtitleTrack(ctx context.Context, assetID, subtitleURL, name, languageCode string) (string, error)

	// DeleteSubtitleTrack removes an existing track. Deleting a track that
	// is already gone is not an error.
	DeleteSubtitleTrack(ctx context.Context, assetID, trackID string) error
}

// HTTPDoer describes the HTTP client used by the host service.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type httpService struct {
	baseURL string
	token   string
	client  HTTPDoer
}

// NewHTTPService constructs an HTTP-backed host service. A nil client falls
// back to http.DefaultClient.
func NewHTTPService(baseURL, token string, client HTTPDoer) Service {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpService{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  client,
	}
}

func (s *httpService) CreateAsset(ctx context.Context, mediaURL string) (Asset, error) {
	body := map[string]any{
		"input":           mediaURL,
		"playback_policy": []string{"public"},
	}
	var out struct {
		Data Asset `json:"data"`
	}
	if err := s.call(ctx, http.MethodPost, "/video/v1/assets", body, &out); err != nil {
		return Asset{}, services.Wrap(classify(err), "", "create asset", mediaURL, err)
	}
	return out.Data, nil
}

func (s *httpService) GetAsset(ctx context.Context, assetID string) (Asset, error) {
	var out struct {
		Data Asset `json:"data"`
	}
	path := fmt.Sprintf("/video/v1/assets/%s", assetID)
	if err := s.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Asset{}, services.Wrap(classify(err), "", "get asset", assetID, err)
	}
	return out.Data, nil
}

func (s *httpService) AddSubtitleTrack(ctx context.Context, assetID, subtitleURL, name, languageCode string) (string, error) {
	body := map[string]any{
		"url":           subtitleURL,
		"type":          "text",
		"text_type":     "subtitles",
		"name":          name,
		"language_code": languageCode,
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/video/v1/assets/%s/tracks", assetID)
	if err := s.call(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", services.Wrap(classify(err), "", "add subtitle track", assetID, err)
	}
	return out.Data.ID, nil
}

func (s *httpService) DeleteSubtitleTrack(ctx context.Context, assetID, trackID string) error {
	path := fmt.Sprintf("/video/v1/assets/%s/tracks/%s", assetID, trackID)
	err := s.call(ctx, http.MethodDelete, path, nil, nil)
	if err == nil {
		return nil
	}
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		// Track already gone; the delete-then-add sequence stays
		// idempotent across replays.
		return nil
	}
	return services.Wrap(classify(err), "", "delete subtitle track", trackID, err)
}

func (s *httpService) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(detail))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("host returned %d", e.code)
	}
	return fmt.Sprintf("host returned %d: %s", e.code, e.body)
}

// ThumbnailURL builds the public frame-grab URL the host serves for a
// playback id at the given offset. Fractional seconds are truncated.
func ThumbnailURL(baseURL, playbackID string, seconds float64) string {
	return fmt.Sprintf("%s/video/v1/thumbnails/%s.jpg?time=%d",
		strings.TrimRight(baseURL, "/"), playbackID, int(seconds))
}

// classify maps transport and status failures onto the retry taxonomy:
// client errors are permanent, everything else is worth retrying.
func classify(err error) error {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code == http.StatusNotFound:
			return services.ErrNotFound
		case se.code == http.StatusRequestTimeout, se.code == http.StatusTooManyRequests:
			return services.ErrTransient
		case se.code >= 400 && se.code < 500:
			return services.ErrValidation
		}
	}
	return services.ErrTransient
}

// Package speech submits media to the external transcription provider. The
// provider works asynchronously: a submission returns a job id immediately
// and the finished transcript arrives later on the callback URL.
package speech

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

// Service requests transcriptions.
type Service interface {
	// RequestTranscription submits mediaURL for word-level transcription.
	// The provider posts the finished result to callbackURL.
	RequestTranscription(ctx context.Context, mediaURL, callbackURL string) (jobID string, err error)
}

// HTTPDoer describes the HTTP client used by the speech service.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type httpService struct {
	baseURL string
	apiKey  string
	client  HTTPDoer
}

// NewHTTPService constructs an HTTP-backed speech service. A nil client
// falls back to http.DefaultClient.
func NewHTTPService(baseURL, apiKey string, client HTTPDoer) Service {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpService{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  client,
	}
}

func (s *httpService) RequestTranscription(ctx context.Context, mediaURL, callbackURL string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"audio_url":   mediaURL,
		"webhook_url": callbackURL,
		"word_boost":  []string{},
		"punctuate":   true,
	})
	if err != nil {
		return "", fmt.Errorf("encode transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "", "request transcription", mediaURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("speech provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		marker := services.ErrTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			marker = services.ErrValidation
		}
		return "", services.Wrap(marker, "", "request transcription", mediaURL, err)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", services.Wrap(services.ErrTransient, "", "request transcription", "decode response", err)
	}
	if out.ID == "" {
		return "", services.Wrap(services.ErrTransient, "", "request transcription", "provider returned no job id", errors.New("empty id"))
	}
	return out.ID, nil
}

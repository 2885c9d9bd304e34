// Package email delivers transactional mail through an HTTP relay. When the
// relay is not configured the sender degrades to a logged no-op so the
// notification workflows stay runnable in development.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"reelpipe/internal/services"
)

// Sender delivers mail.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// HTTPDoer describes the HTTP client used by the relay sender.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type relaySender struct {
	endpoint string
	token    string
	from     string
	client   HTTPDoer
}

type noopSender struct {
	logger *slog.Logger
}

// NewSender constructs a relay-backed Sender, or a no-op sender when
// endpoint is empty.
func NewSender(endpoint, token, from string, client HTTPDoer, logger *slog.Logger) Sender {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return &noopSender{logger: logger}
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &relaySender{
		endpoint: endpoint,
		token:    strings.TrimSpace(token),
		from:     strings.TrimSpace(from),
		client:   client,
	}
}

func (s *relaySender) Send(ctx context.Context, to, subject, body string) error {
	payload, err := json.Marshal(map[string]string{
		"from":    s.from,
		"to":      to,
		"subject": subject,
		"text":    body,
	})
	if err != nil {
		return fmt.Errorf("encode mail: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "", "send email", to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("mail relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		marker := services.ErrTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			marker = services.ErrTerminal
		}
		return services.Wrap(marker, "", "send email", to, err)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *noopSender) Send(ctx context.Context, to, subject, body string) error {
	s.logger.Info("email relay not configured, dropping mail",
		slog.String("to", to),
		slog.String("subject", subject),
	)
	return nil
}

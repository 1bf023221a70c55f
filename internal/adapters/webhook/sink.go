package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// Options configures the webhook sink
type Options struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// Sink posts alert events as JSON to a webhook URL
type Sink struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger
}

// NewSink creates a new webhook alert sink
func NewSink(opts Options, logger *zap.Logger) (*Sink, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		url:     opts.URL,
		headers: opts.Headers,
		client:  &http.Client{Timeout: opts.Timeout},
		logger:  logger,
	}, nil
}

type payload struct {
	Source string          `json:"source"`
	Event  core.AlertEvent `json:"event"`
}

// Send delivers one event. Non-2xx responses are errors.
func (s *Sink) Send(ctx context.Context, event core.AlertEvent) error {
	body, err := json.Marshal(payload{Source: "mail-triage", Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return core.Transient(fmt.Errorf("failed to post alert: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return core.WrapKind(core.HTTPStatusKind(resp.StatusCode),
			fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}

	s.logger.Debug("Alert delivered",
		zap.String("rule", event.RuleID),
		zap.String("state", string(event.State)))
	return nil
}

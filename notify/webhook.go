package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aegis/core"
	"aegis/soar"

	"go.uber.org/zap"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	userAgent             = "Aegis-SOAR/1.0"
)

// WebhookConfig configures outbound notification delivery
type WebhookConfig struct {
	WebhookURL      string
	SlackWebhookURL string
	Headers         map[string]string
	Policy          soar.OutboundPolicy
	Breakers        *core.BreakerSet
	Retry           soar.RetryPolicy
	Timeout         time.Duration
}

// WebhookSender implements soar.NotificationSender. Slack notifications go to
// the Slack incoming webhook; every other channel goes to the generic JSON
// webhook.
type WebhookSender struct {
	cfg      WebhookConfig
	client   *http.Client
	breakers *core.BreakerSet
	logger   *zap.SugaredLogger
}

// NewWebhookSender validates the configured URLs against the outbound policy
func NewWebhookSender(cfg WebhookConfig, logger *zap.SugaredLogger) (*WebhookSender, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.WebhookURL == "" && cfg.SlackWebhookURL == "" {
		return nil, fmt.Errorf("no notification webhook configured")
	}
	for _, u := range []string{cfg.WebhookURL, cfg.SlackWebhookURL} {
		if u == "" {
			continue
		}
		if _, err := cfg.Policy.ValidateURL(u); err != nil {
			return nil, fmt.Errorf("invalid notification webhook: %w", err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	breakers := cfg.Breakers
	if breakers == nil {
		var err error
		breakers, err = core.NewBreakerSet(core.CircuitBreakerConfig{
			MaxFailures:         3,
			Timeout:             time.Minute,
			MaxHalfOpenRequests: 1,
		})
		if err != nil {
			return nil, err
		}
	}
	cfg.Retry.Logger = logger
	return &WebhookSender{
		cfg:      cfg,
		client:   cfg.Policy.NewClient(cfg.Timeout),
		breakers: breakers,
		logger:   logger,
	}, nil
}

// Send delivers n, retrying transient failures behind a per-endpoint breaker
func (s *WebhookSender) Send(ctx context.Context, n *soar.Notification) error {
	target, payload, err := s.route(n)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", n.Channel, err)
	}

	cb := s.breakers.Get("notify:" + target)
	err = soar.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return cb.Call(ctx, func(ctx context.Context) error {
			return s.post(ctx, target, body)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to deliver %s notification: %w", n.Channel, err)
	}
	s.logger.Infow("Notification delivered",
		"channel", n.Channel,
		"recipients", len(n.Recipients))
	return nil
}

func (s *WebhookSender) route(n *soar.Notification) (string, interface{}, error) {
	if strings.EqualFold(n.Channel, "slack") || strings.HasPrefix(n.Channel, "#") {
		if s.cfg.SlackWebhookURL != "" {
			return s.cfg.SlackWebhookURL, slackPayload(n), nil
		}
	}
	if s.cfg.WebhookURL == "" {
		return "", nil, fmt.Errorf("no webhook configured for channel %q", n.Channel)
	}
	return s.cfg.WebhookURL, map[string]interface{}{
		"type":       "playbook_notification",
		"channel":    n.Channel,
		"recipients": n.Recipients,
		"subject":    n.Subject,
		"message":    n.Message,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func slackPayload(n *soar.Notification) map[string]interface{} {
	payload := map[string]interface{}{
		"text": fmt.Sprintf("*%s*\n%s", n.Subject, n.Message),
	}
	if strings.HasPrefix(n.Channel, "#") {
		payload["channel"] = n.Channel
	}
	return payload
}

func (s *WebhookSender) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		if err := resp.Body.Close(); err != nil {
			s.logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &soar.HTTPStatusError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}
	return nil
}

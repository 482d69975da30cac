package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/chanescrow/internal/circuitbreaker"
)

const webhookBreakerKey = "notify_webhook"

// WebhookSink POSTs each notification to the bot service. Bodies are signed
// with HMAC-SHA256 when a secret is set. Repeated failures open a circuit
// so an unreachable bot does not slow down every committed transition.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url, secret string, breaker *circuitbreaker.Breaker) *WebhookSink {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &WebhookSink{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: breaker,
	}
}

// Deliver implements Sink.
func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.breaker.Do(webhookBreakerKey, func() error {
		return s.post(ctx, n, payload)
	})
}

func (s *WebhookSink) post(ctx context.Context, n Notification, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Chanescrow-Event", string(n.Type))
	req.Header.Set("X-Chanescrow-Timestamp", strconv.FormatInt(n.CreatedAt.Unix(), 10))
	if s.secret != "" {
		req.Header.Set("X-Chanescrow-Signature", Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

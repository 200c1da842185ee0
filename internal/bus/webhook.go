package bus

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
)

// WebhookDriver delivers bus events via signed HTTP POST. A single call
// performs one delivery attempt; retry and backoff are the dispatcher's
// responsibility.
type WebhookDriver struct {
	client *http.Client
}

func NewWebhookDriver(timeout time.Duration) *WebhookDriver {
	return &WebhookDriver{client: &http.Client{Timeout: timeout}}
}

func (d *WebhookDriver) Kind() string { return "webhook" }

// Send posts event as JSON to target, signing the body with secret via
// HMAC-SHA256 when a secret is configured.
func (d *WebhookDriver) Send(ctx context.Context, target string, secret string, event models.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rcrt-substrate-webhook/1.0")
	req.Header.Set("X-RCRT-Event", string(event.Kind))
	req.Header.Set("X-RCRT-Owner", event.OwnerID)

	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set("X-RCRT-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, target)
	}
	return nil
}

var _ contracts.ChannelDriver = (*WebhookDriver)(nil)

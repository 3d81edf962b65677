// CLAUDE:SUMMARY Signed webhook delivery of terminal job events to registered subscriptions.
package jobs

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/mdwb/store"
)

// SignatureHeader carries the HMAC of the delivery body.
const SignatureHeader = "X-MDWB-Signature"

// Notifier posts job completion payloads to webhook subscriptions. Each
// delivery body is signed with the subscription secret.
type Notifier struct {
	store   *store.Store
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewNotifier creates a Notifier over the store's subscription table.
func NewNotifier(st *store.Store, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:   st,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

// Delivery is the body posted to subscribers.
type Delivery struct {
	Event    string          `json:"event"`
	Job      Job             `json:"job"`
	Manifest *store.Manifest `json:"manifest,omitempty"`
}

// Sign computes the signature header value for a body: a versioned
// hex-encoded HMAC-SHA256.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against a body.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// Deliver posts the event to every subscription whose scope and event filter
// match. Failures are logged per subscription; one consumer being down never
// blocks another or the pipeline.
func (n *Notifier) Deliver(ctx context.Context, event string, snap Job, manifest *store.Manifest) {
	hooks, err := n.store.MatchingWebhooks(ctx, snap.ID)
	if err != nil {
		n.logger.Warn("webhooks: list failed", "error", err)
		return
	}
	if len(hooks) == 0 {
		return
	}

	body, err := json.Marshal(Delivery{Event: event, Job: snap, Manifest: manifest})
	if err != nil {
		n.logger.Warn("webhooks: encode failed", "job", snap.ID, "error", err)
		return
	}

	for _, h := range hooks {
		if !subscribed(h.Events, event) {
			continue
		}
		if err := n.post(ctx, h, body); err != nil {
			n.logger.Warn("webhooks: delivery failed",
				"job", snap.ID, "webhook", h.ID, "url", h.URL, "event", event, "error", err)
			continue
		}
		n.logger.Info("webhooks: delivered", "job", snap.ID, "webhook", h.ID, "event", event)
	}
}

func (n *Notifier) post(ctx context.Context, h *store.Webhook, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(h.Secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func subscribed(events []string, event string) bool {
	for _, e := range events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// notify ships the job's terminal event to subscribers. Runs in the job
// goroutine after the terminal state is set; a nil notifier is a no-op.
func (m *Manager) notify(j *job, manifest *store.Manifest) {
	if m.notifier == nil {
		return
	}
	snap := j.snapshot()
	m.notifier.Deliver(context.Background(), string(snap.State), snap, manifest)
}

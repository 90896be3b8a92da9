// Package notify pushes job and task status changes to an external delivery
// channel. Delivery is fire-and-forget: it never blocks the pipeline and
// failures are swallowed after logging.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Notifier delivers status-change events. Implementations must not block the
// caller and must swallow delivery failures.
type Notifier interface {
	Send(eventType string, payload any, userID uuid.UUID)
}

// LogNotifier writes events to the structured log. Used when no webhook is
// configured.
type LogNotifier struct{}

func (LogNotifier) Send(eventType string, payload any, userID uuid.UUID) {
	slog.Info("notification", "event", eventType, "user_id", userID, "payload", payload)
}

// WebhookNotifier POSTs events to a configured URL with a bounded timeout.
type WebhookNotifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type webhookEnvelope struct {
	Event   string    `json:"event"`
	UserID  uuid.UUID `json:"user_id"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

func (n *WebhookNotifier) Send(eventType string, payload any, userID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		body, err := json.Marshal(webhookEnvelope{
			Event:   eventType,
			UserID:  userID,
			Payload: payload,
			SentAt:  time.Now().UTC(),
		})
		if err != nil {
			slog.Warn("notification encode failed", "event", eventType, "error", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			slog.Warn("notification request failed", "event", eventType, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			slog.Warn("notification delivery failed", "event", eventType, "error", err)
			return
		}
		resp.Body.Close()
	}()
}

var _ Notifier = (*LogNotifier)(nil)
var _ Notifier = (*WebhookNotifier)(nil)

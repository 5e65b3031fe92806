package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// Notifier receives committed order events. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, ev models.Event) error
}

// Fanout delivers an event to every notifier and returns the first error.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ev models.Event) error {
	var first error
	for _, n := range f {
		if err := n.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WebhookNotifier posts events as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", w.Endpoint, resp.StatusCode)
	}
	return nil
}

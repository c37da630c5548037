// Package notify delivers alarm batches to an outbound webhook.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook posts each notification as {"text": ...} JSON, the shape most
// chat-ops webhooks accept.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook builds a notifier for the given URL.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts one message. Non-2xx responses are errors; the alarm engine
// logs and discards on failure.
func (w *Webhook) Notify(message string) error {
	body, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return err
	}
	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

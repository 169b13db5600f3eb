// Package webhook implements the outbound delivery adapter (HTTP POST
// of an event, retried through the dead-letter queue on failure) and
// the inbound translator for external integration-merge notifications.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dockhand-dev/conveyor/internal/eventbus"
)

// Target is one configured outbound webhook.
type Target struct {
	Name    string
	URL     string
	Secret  string
	Events  []eventbus.Kind // empty means "all"
	Timeout time.Duration
}

// Adapter delivers events to a single Target over HTTP.
type Adapter struct {
	target Target
	client *http.Client
}

// NewAdapter creates an Adapter for target. A zero Timeout defaults to
// 10s per the external interfaces contract.
func NewAdapter(target Target) *Adapter {
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{target: target, client: &http.Client{Timeout: timeout}}
}

// Accepts reports whether target's event-type filter lets event through.
func (a *Adapter) Accepts(kind eventbus.Kind) bool {
	if len(a.target.Events) == 0 {
		return true
	}
	for _, k := range a.target.Events {
		if k == kind {
			return true
		}
	}
	return false
}

// AdapterName is the dlq-registered name for this adapter, derived from
// the target's URL so each webhook gets its own retry directory.
func (a *Adapter) AdapterName() string {
	return "webhook:" + a.target.URL
}

// Deliver POSTs event as JSON to the target, setting Content-Type and,
// if configured, X-Webhook-Secret. A non-2xx response is an error.
func (a *Adapter) Deliver(event eventbus.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, a.target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.target.Secret != "" {
		req.Header.Set("X-Webhook-Secret", a.target.Secret)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

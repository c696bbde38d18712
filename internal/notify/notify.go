// Package notify posts run completion webhooks to an external endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/slipway-sh/slipway/internal/run"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrRejected indicates the notification endpoint refused the payload.
var ErrRejected = errors.New("notify: endpoint rejected payload")

// Notifier delivers terminal run outcomes to a configured webhook URL.
// A nil Notifier is valid and drops every notification.
type Notifier struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// New returns a Notifier for the given webhook URL. An empty URL disables
// notifications and yields a nil Notifier.
func New(url string, client *http.Client) *Notifier {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Notifier{url: trimmed, client: client, now: time.Now}
}

// Notify posts the run outcome. Runs that have not reached a terminal status
// are skipped.
func (n *Notifier) Notify(ctx context.Context, r run.Run) error {
	if n == nil {
		return nil
	}
	if r.ID == "" {
		return errors.New("notify: run id required")
	}
	if !run.Terminal(r.Status) {
		return nil
	}

	body, err := json.Marshal(n.buildPayload(r))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		limited := io.LimitReader(resp.Body, maxErrorBodySize)
		buf, _ := io.ReadAll(limited)
		summary := strings.TrimSpace(string(buf))
		if summary == "" {
			summary = resp.Status
		}
		return fmt.Errorf("%w: %s", ErrRejected, summary)
	}
	return nil
}

func (n *Notifier) buildPayload(r run.Run) map[string]any {
	completed := ""
	if r.CompletedAt != nil {
		completed = r.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{
		"run_id":       r.ID,
		"commit":       r.Commit,
		"branch":       r.Branch,
		"tag":          r.Tag,
		"image_ref":    r.ImageRef,
		"status":       r.Status,
		"stage":        r.Stage,
		"error":        r.Error,
		"started_at":   r.StartedAt.UTC().Format(time.RFC3339Nano),
		"completed_at": completed,
		"notified_at":  n.now().UTC().Format(time.RFC3339Nano),
	}
}

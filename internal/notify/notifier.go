// Package notify is the engine's boundary to the notification fan-out
// collaborator. Delivery is fire-and-forget: a failed notification is
// logged and never blocks or fails event application.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Options tune how a notification is presented.
type Options struct {
	Priority   string `json:"priority,omitempty"`
	ActionURL  string `json:"actionUrl,omitempty"`
	ActionText string `json:"actionText,omitempty"`
}

// Notifier tells a principal something happened.
type Notifier interface {
	Notify(ctx context.Context, principal, kind, title, body string, metadata map[string]string, opts Options)
}

// Config holds fan-out endpoint settings.
type Config struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPNotifier posts notifications to the fan-out service.
type HTTPNotifier struct {
	url  string
	http *http.Client
}

// NewHTTPNotifier creates a notifier for the fan-out endpoint.
func NewHTTPNotifier(cfg Config) *HTTPNotifier {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &HTTPNotifier{
		url:  cfg.URL,
		http: &http.Client{Timeout: timeout},
	}
}

type payload struct {
	Principal string            `json:"principal"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Options   Options           `json:"options"`
}

func (n *HTTPNotifier) Notify(ctx context.Context, principal, kind, title, body string, metadata map[string]string, opts Options) {
	buf, err := json.Marshal(payload{
		Principal: principal,
		Kind:      kind,
		Title:     title,
		Body:      body,
		Metadata:  metadata,
		Options:   opts,
	})
	if err != nil {
		slog.Error("failed to encode notification", "error", err)
		return
	}

	// Detach from the request context so a delivery deadline doesn't cut
	// off fan-out, but keep our own bound.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.http.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(buf))
		if err != nil {
			slog.Warn("failed to build notification request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.http.Do(req)
		if err != nil {
			slog.Warn("notification delivery failed", "principal", principal, "kind", kind, "error", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			slog.Warn("notification rejected", "principal", principal, "kind", kind, "status", resp.StatusCode)
		}
	}()
}

// NopNotifier drops notifications. Used when no fan-out URL is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, principal, kind, title, body string, metadata map[string]string, opts Options) {
}

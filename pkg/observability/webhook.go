package observability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/substratelabs/maestro/internal/httpclient"
)

// WebhookSink posts each event as a JSON body to a fixed endpoint.
// Transient failures are retried by the underlying client; whatever still
// fails surfaces as a sink error and becomes a failure count.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *httpclient.Client
}

type WebhookOption func(*WebhookSink)

// WithWebhookHeader adds a static header to every delivery, e.g. an
// Authorization bearer.
func WithWebhookHeader(key, value string) WebhookOption {
	return func(s *WebhookSink) { s.headers[key] = value }
}

func WithWebhookClient(client *httpclient.Client) WebhookOption {
	return func(s *WebhookSink) { s.client = client }
}

func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		url:     url,
		headers: make(map[string]string),
		client: httpclient.New(
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(500*time.Millisecond),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebhookSink) Deliver(event StructuredEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("delivering to %s: %w", s.url, err)
	}
	return nil
}

func (s *WebhookSink) Close() error { return nil }

// NewWebhookExporter is a queued exporter over a WebhookSink.
func NewWebhookExporter(url string, opts ...WebhookOption) Exporter {
	return NewQueuedExporter("webhook", NewWebhookSink(url, opts...), DefaultQueueSize)
}

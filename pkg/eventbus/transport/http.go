package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modkit/eventbus/pkg/eventbus/event"
)

// DefaultHTTPTimeout bounds a single callback request when the delivery
// context carries no deadline of its own.
const DefaultHTTPTimeout = 10 * time.Second

// HTTPCallback posts events to subscriber callback URLs as JSON. A 2xx
// response acknowledges the event; anything else fails the attempt.
type HTTPCallback struct {
	client *http.Client
}

// NewHTTPCallback creates a callback client. A nil client uses a default
// with DefaultHTTPTimeout.
func NewHTTPCallback(client *http.Client) *HTTPCallback {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &HTTPCallback{client: client}
}

func (c *HTTPCallback) post(ctx context.Context, url string, evt any) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

// callbackTransport binds the callback client to one subscriber URL.
type callbackTransport struct {
	client *HTTPCallback
	url    string
}

func (t *callbackTransport) Deliver(ctx context.Context, evt event.Event) error {
	return t.client.post(ctx, t.url, evt)
}

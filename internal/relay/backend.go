package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// ErrBackendUnavailable marks any failure to obtain a reply from the backend.
// It never reaches the end user; the pipeline answers with the fallback reply.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Request is what the backend receives for one inbound message.
type Request struct {
	Phone    string `json:"phone"`
	Text     string `json:"text"`
	PushName string `json:"pushName"`
}

type replyBody struct {
	Reply string `json:"reply"`
}

// Backend produces a reply for an inbound message.
type Backend interface {
	Reply(ctx context.Context, req Request) (string, error)
}

// HTTPBackend calls the dashboard message endpoint.
type HTTPBackend struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPBackend creates a backend client. Timeouts come from the caller's
// context, one per message.
func NewHTTPBackend(url, apiKey string) *HTTPBackend {
	return &HTTPBackend{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{},
	}
}

// Reply posts req and decodes {"reply": "..."}.
func (b *HTTPBackend) Reply(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", b.apiKey)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", ErrBackendUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: backend returned %s", ErrBackendUnavailable, resp.Status)
	}

	var out replyBody
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("%w: decode reply: %w", ErrBackendUnavailable, err)
	}
	return out.Reply, nil
}

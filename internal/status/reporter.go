// Package status pushes session health snapshots to the dashboard.
// Reports are best-effort: a failed report is logged and superseded by the
// next one, never retried.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	. "github.com/roelfdiedericks/wabridge/internal/metrics"
)

// RuntimeTag identifies this bridge implementation to the dashboard.
const RuntimeTag = "wabridge-go/whatsmeow"

// Report is the status payload.
type Report struct {
	State       string `json:"state"`
	Phone       string `json:"phone"`
	Error       string `json:"error"`
	Hostname    string `json:"hostname"`
	Runtime     string `json:"runtime"`
	QRDataURL   string `json:"qrDataUrl,omitempty"`
	PairingCode string `json:"pairingCode,omitempty"`
}

// Reporter sends reports to the dashboard status endpoint.
type Reporter struct {
	url      string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
	hostname string

	pending chan Report
}

// NewReporter creates a reporter for the given endpoint.
func NewReporter(url, apiKey string, timeout time.Duration) *Reporter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Reporter{
		url:      url,
		apiKey:   apiKey,
		timeout:  timeout,
		client:   &http.Client{},
		hostname: hostname,
		pending:  make(chan Report, 1),
	}
}

// Run delivers published reports until ctx is cancelled. Only the newest
// undelivered report is kept.
func (r *Reporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep := <-r.pending:
			if err := r.Send(ctx, rep); err != nil {
				MetricFail("status", "report", rep.State)
				r.logFailure(rep, err)
				continue
			}
			MetricSuccess("status", "report")
		}
	}
}

// Publish queues rep for delivery without blocking, replacing any report
// still waiting to be sent.
func (r *Reporter) Publish(rep Report) {
	for {
		select {
		case r.pending <- rep:
			return
		default:
		}
		// Drop the stale one and try again.
		select {
		case old := <-r.pending:
			L_trace("status: superseded report", "state", old.State)
		default:
		}
	}
}

// Send delivers rep synchronously, bounded by the reporter timeout.
func (r *Reporter) Send(ctx context.Context, rep Report) error {
	rep.Hostname = r.hostname
	rep.Runtime = RuntimeTag

	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", r.apiKey)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post status: dashboard returned %s", resp.Status)
	}

	L_debug("status: reported", "state", rep.State, "phone", rep.Phone, "error", rep.Error)
	return nil
}

// logFailure is quiet while connecting, where failures are expected.
func (r *Reporter) logFailure(rep Report, err error) {
	if rep.State == "connecting" {
		L_debug("status: report failed", "state", rep.State, "error", err)
		return
	}
	L_warn("status: report failed", "state", rep.State, "error", err)
}

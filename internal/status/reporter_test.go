package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/wabridge/internal/logging"
)

type recorder struct {
	mu      sync.Mutex
	reports []Report
	headers []http.Header
	got     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 16)}
}

func (rec *recorder) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rep Report
		_ = json.NewDecoder(r.Body).Decode(&rep)
		rec.mu.Lock()
		rec.reports = append(rec.reports, rep)
		rec.headers = append(rec.headers, r.Header.Clone())
		rec.mu.Unlock()
		w.WriteHeader(status)
		rec.got <- struct{}{}
	}
}

func TestSendPayloadAndHeaders(t *testing.T) {
	rec := newRecorder()
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	r := NewReporter(srv.URL+"/api/whatsapp/status", "k-123", time.Second)
	err := r.Send(context.Background(), Report{
		State:     "pairing",
		QRDataURL: "data:image/png;base64,AAAA",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(rec.reports))
	}
	got := rec.reports[0]
	if got.State != "pairing" || got.QRDataURL == "" {
		t.Errorf("unexpected payload: %+v", got)
	}
	if got.Runtime != RuntimeTag || got.Hostname == "" {
		t.Errorf("runtime/hostname not filled: %+v", got)
	}
	h := rec.headers[0]
	if h.Get("X-API-Key") != "k-123" {
		t.Errorf("X-API-Key = %q", h.Get("X-API-Key"))
	}
	if h.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if h.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", h.Get("Content-Type"))
	}
}

func TestSendNon2xxIsError(t *testing.T) {
	rec := newRecorder()
	srv := httptest.NewServer(rec.handler(http.StatusUnauthorized))
	defer srv.Close()

	r := NewReporter(srv.URL, "bad", time.Second)
	if err := r.Send(context.Background(), Report{State: "connected"}); err == nil {
		t.Error("expected error for 401")
	}
}

func TestSendTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := NewReporter(srv.URL, "k", 50*time.Millisecond)
	start := time.Now()
	if err := r.Send(context.Background(), Report{State: "connected"}); err == nil {
		t.Error("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send blocked for %v", elapsed)
	}
}

func TestPublishCoalescesAndNeverBlocks(t *testing.T) {
	rec := newRecorder()
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	r := NewReporter(srv.URL, "k", time.Second)

	// Worker not running yet: publishes must not block and only the newest survives.
	r.Publish(Report{State: "connecting", Error: "first"})
	r.Publish(Report{State: "connecting", Error: "second"})
	r.Publish(Report{State: "connected", Phone: "15551234567"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatal("report not delivered")
	}
	select {
	case <-rec.got:
		t.Fatal("superseded reports were delivered")
	case <-time.After(100 * time.Millisecond):
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.reports[0].State != "connected" || rec.reports[0].Phone != "15551234567" {
		t.Errorf("delivered %+v, want newest report", rec.reports[0])
	}
}

func TestRunSwallowsFailures(t *testing.T) {
	r := NewReporter("http://127.0.0.1:1/unreachable", "k", 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.Publish(Report{State: "connecting"})
	r.Publish(Report{State: "connected"})
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) take() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf.String()
	b.buf.Reset()
	return out
}

func TestFailureLogLevelDependsOnState(t *testing.T) {
	out := &logBuffer{}
	logging.Init(&logging.Config{Level: logging.LevelInfo, TimeFormat: "15:04:05", Output: out})
	logging.SetOutput(out)
	logging.SetLevel(logging.LevelInfo)
	t.Cleanup(func() {
		logging.SetOutput(nil)
		logging.SetLevel(logging.LevelInfo)
	})

	r := NewReporter("http://unused", "k", time.Second)
	errDown := errors.New("dashboard down")

	tests := []struct {
		state string
		level int
		want  string // empty means nothing logged
	}{
		{"connecting", logging.LevelInfo, ""},
		{"connecting", logging.LevelDebug, "DEBU"},
		{"connected", logging.LevelInfo, "WARN"},
		{"disconnected", logging.LevelInfo, "WARN"},
		{"pairing", logging.LevelWarn, "WARN"},
	}
	for _, tt := range tests {
		logging.SetLevel(tt.level)
		out.take()
		r.logFailure(Report{State: tt.state}, errDown)
		got := out.take()

		if tt.want == "" {
			if strings.Contains(got, "report failed") {
				t.Errorf("%s at level %d: unexpected log %q", tt.state, tt.level, got)
			}
			continue
		}
		if !strings.Contains(got, "report failed") || !strings.Contains(got, tt.want) {
			t.Errorf("%s at level %d: log %q, want %s line", tt.state, tt.level, got, tt.want)
		}
	}
}

// Package heartbeat is a stateless companion that tells the dashboard the
// host is alive, independent of the session bridge.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/wabridge/internal/logging"
)

// DefaultInterval applies when no interval is configured.
const DefaultInterval = 60 * time.Second

const requestTimeout = 10 * time.Second

// ErrNotConfigured means the heartbeat URL or key is missing.
var ErrNotConfigured = errors.New("heartbeat url and api key are required")

// Payload is the JSON body of one heartbeat.
type Payload struct {
	Hostname      string    `json:"hostname"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	SentAt        time.Time `json:"sentAt"`
}

// Config selects the endpoint and cadence.
type Config struct {
	URL      string
	APIKey   string
	Interval time.Duration
}

// Beater sends heartbeats.
type Beater struct {
	cfg      Config
	client   *http.Client
	hostname string
	started  time.Time
}

// New validates cfg and returns a Beater.
func New(cfg Config) (*Beater, error) {
	if strings.TrimSpace(cfg.URL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Beater{
		cfg:      cfg,
		client:   &http.Client{Timeout: requestTimeout},
		hostname: hostname,
		started:  time.Now(),
	}, nil
}

// Beat sends one heartbeat.
func (b *Beater) Beat(ctx context.Context) error {
	now := time.Now()
	body, err := json.Marshal(Payload{
		Hostname:      b.hostname,
		UptimeSeconds: int64(now.Sub(b.started).Seconds()),
		SentAt:        now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("heartbeat: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("heartbeat: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", b.cfg.APIKey)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat: request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat: server returned %d", resp.StatusCode)
	}
	return nil
}

// Run beats once immediately, then on an @every schedule until ctx is done.
// Failures are logged and never stop the loop.
func (b *Beater) Run(ctx context.Context) error {
	beat := func() {
		if err := b.Beat(ctx); err != nil {
			logging.L_warn("heartbeat: send failed", "error", err)
			return
		}
		logging.L_debug("heartbeat: sent")
	}

	c := cronlib.New()
	if _, err := c.AddFunc("@every "+b.cfg.Interval.String(), beat); err != nil {
		return fmt.Errorf("heartbeat: invalid interval %s: %w", b.cfg.Interval, err)
	}

	logging.L_info("heartbeat: started", "url", b.cfg.URL, "interval", b.cfg.Interval)
	beat()
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	logging.L_info("heartbeat: stopped")
	return nil
}

// ParseInterval parses human-friendly durations: "30s", "5m", "2h", "1d".
// Empty means DefaultInterval.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return DefaultInterval, nil
	}

	var d time.Duration
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid days: %w", err)
		}
		d = time.Duration(days) * 24 * time.Hour
	} else {
		var err error
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", s, err)
		}
	}

	if d < time.Second {
		return 0, fmt.Errorf("interval %s is shorter than 1s", d)
	}
	return d, nil
}

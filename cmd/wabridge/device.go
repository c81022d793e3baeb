package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/roelfdiedericks/wabridge/internal/heartbeat"
	"github.com/roelfdiedericks/wabridge/internal/metrics"
	"github.com/roelfdiedericks/wabridge/internal/whatsapp"
)

// UnlinkCmd deletes the stored device credentials.
type UnlinkCmd struct {
	DB string `help:"WhatsApp device store (default ~/.wabridge/whatsapp.db)." type:"path"`
}

func (c *UnlinkCmd) Run() error {
	path, err := dbPath(c.DB)
	if err != nil {
		return err
	}
	return whatsapp.Unlink(context.Background(), path, os.Stdout)
}

// DeviceCmd shows what is linked.
type DeviceCmd struct {
	DB string `help:"WhatsApp device store (default ~/.wabridge/whatsapp.db)." type:"path"`
}

func (c *DeviceCmd) Run() error {
	path, err := dbPath(c.DB)
	if err != nil {
		return err
	}
	return whatsapp.DeviceStatus(context.Background(), path, os.Stdout)
}

// HeartbeatCmd runs the stateless heartbeat companion.
type HeartbeatCmd struct {
	URL      string `help:"Heartbeat endpoint." env:"WABRIDGE_HEARTBEAT_URL"`
	APIKey   string `help:"Dashboard API key." env:"WABRIDGE_API_KEY" name:"api-key"`
	Interval string `help:"Interval between beats (30s, 5m, 1d)." env:"WABRIDGE_HEARTBEAT_INTERVAL"`
}

func (c *HeartbeatCmd) Run() error {
	interval, err := heartbeat.ParseInterval(c.Interval)
	if err != nil {
		return err
	}
	b, err := heartbeat.New(heartbeat.Config{URL: c.URL, APIKey: c.APIKey, Interval: interval})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	go watchSignals(cancel)

	return b.Run(ctx)
}

// MetricsCmd prints the metrics saved by previous runs.
type MetricsCmd struct{}

func (c *MetricsCmd) Run() error {
	path, err := metrics.DefaultDBPath()
	if err != nil {
		return err
	}
	m := metrics.GetInstance()
	if err := m.Open(path); err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(m.Snapshot())
}

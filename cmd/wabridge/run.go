package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sevlyar/go-daemon"
	"golang.org/x/term"

	"github.com/roelfdiedericks/wabridge/internal/backoff"
	"github.com/roelfdiedericks/wabridge/internal/bus"
	"github.com/roelfdiedericks/wabridge/internal/config"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/metrics"
	"github.com/roelfdiedericks/wabridge/internal/pairing"
	"github.com/roelfdiedericks/wabridge/internal/paths"
	"github.com/roelfdiedericks/wabridge/internal/relay"
	"github.com/roelfdiedericks/wabridge/internal/session"
	"github.com/roelfdiedericks/wabridge/internal/status"
	"github.com/roelfdiedericks/wabridge/internal/whatsapp"
)

// Shutdown causes carried into the final status report.
var (
	errManualShutdown = errors.New("manual shutdown")
	errServiceStopped = errors.New("service stopped")
)

// RunCmd runs the bridge until a signal arrives.
type RunCmd struct {
	Detach bool   `help:"Run in the background (pid and log files under ~/.wabridge)." short:"d"`
	DB     string `help:"WhatsApp device store (default ~/.wabridge/whatsapp.db)." type:"path"`
}

func (r *RunCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}

	if r.Detach {
		dctx, child, err := daemonize()
		if err != nil {
			return err
		}
		if child != nil {
			fmt.Printf("wabridge started in background (pid %d)\n", child.Pid)
			return nil
		}
		defer dctx.Release() //nolint:errcheck
	}

	if g.LogLevel == "" {
		SetLevel(ParseLevel(cfg.LogLevel))
	}
	L_info("wabridge %s starting", version)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	go watchSignals(cancel)

	db, err := dbPath(r.DB)
	if err != nil {
		return err
	}
	store, err := whatsapp.OpenStore(ctx, db)
	if err != nil {
		return err
	}
	defer store.Close()

	if mpath, err := metrics.DefaultDBPath(); err == nil {
		if err := metrics.GetInstance().Open(mpath); err != nil {
			L_warn("metrics persistence disabled", "error", err)
		}
	}
	defer metrics.GetInstance().Close() //nolint:errcheck

	pol := cfg.Policy()

	// The reporter outlives the supervisor so the final report is delivered.
	reportCtx, stopReports := context.WithCancel(context.Background())
	defer stopReports()
	reporter := status.NewReporter(cfg.StatusURL(), cfg.APIKey, pol.StatusTimeout)
	go reporter.Run(reportCtx)

	pipeline := relay.New(relay.Options{
		Backend:  relay.NewBreakerBackend(relay.NewHTTPBackend(cfg.MessageURL(), cfg.APIKey), relay.BreakerOptions{}),
		Timeout:  pol.BackendTimeout,
		Fallback: cfg.FallbackReply,
	})

	if term.IsTerminal(int(os.Stdout.Fd())) {
		id := bus.SubscribeEvent(session.TopicPairing, func(e bus.Event) {
			if shown, ok := e.Data.(session.PairingShown); ok {
				pairing.PrintTerminal(os.Stdout, shown.Rendered, shown.Cycle, shown.Max)
			}
		})
		defer bus.UnsubscribeEvent(id)
	}

	sup := session.New(session.Options{
		Factory: store.Factory(whatsapp.ClientOptions{
			DisplayName:  cfg.BotName,
			PairingPhone: cfg.PairingPhone,
		}),
		Reporter: reporter,
		Pipeline: pipeline,
		Backoff: backoff.Policy{
			Base:    pol.ReconnectBase,
			Growth:  pol.ReconnectGrowth,
			Cap:     pol.ReconnectCap,
			Restart: pol.RestartDelay,
		},
		KeepaliveInterval: pol.KeepaliveInterval,
		StatusInterval:    pol.StatusInterval,
		MaxPairingCycles:  pol.MaxPairingCycles,
		AutoRestart:       cfg.AutoRestart,
	})

	L_info("bridge configured", "dashboard", cfg.DashboardURL, "bot", cfg.BotName, "store", store.Path())
	return sup.Run(ctx)
}

// watchSignals cancels ctx on SIGINT or SIGTERM with a cause naming it.
func watchSignals(cancel context.CancelCauseFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)

	SetShuttingDown()
	if sig == syscall.SIGINT {
		cancel(errManualShutdown)
		return
	}
	cancel(errServiceStopped)
}

func loadConfig(g *Globals) (*config.Config, error) {
	path, err := paths.ConfigPath(g.Config)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func dbPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return whatsapp.DefaultDBPath()
}

// daemonize re-executes the process detached. In the parent it returns the
// child process; in the child it returns nil and the context to release.
func daemonize() (*daemon.Context, *os.Process, error) {
	pidFile, err := paths.DataPath("wabridge.pid")
	if err != nil {
		return nil, nil, err
	}
	logFile, err := paths.DataPath("wabridge.log")
	if err != nil {
		return nil, nil, err
	}
	if err := paths.EnsureParentDir(pidFile); err != nil {
		return nil, nil, err
	}

	dctx := &daemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0644,
		LogFileName: logFile,
		LogFilePerm: 0640,
		Umask:       027,
		Args:        os.Args,
	}
	child, err := dctx.Reborn()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to daemonize: %w", err)
	}
	return dctx, child, nil
}

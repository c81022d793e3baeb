package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/wabridge/internal/config"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/session"
)

const version = "0.3.0"

// Globals are flags shared by every command.
type Globals struct {
	Config   string `help:"Config file (default ./wabridge.json, then ~/.wabridge/wabridge.json)." short:"c" type:"path"`
	LogLevel string `help:"Override the configured log level (trace, debug, info, warn, error)." name:"log-level"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Run       RunCmd       `cmd:"" default:"withargs" help:"Run the bridge (default)."`
	Unlink    UnlinkCmd    `cmd:"" help:"Forget the linked WhatsApp device."`
	Device    DeviceCmd    `cmd:"" help:"Show the linked device."`
	Heartbeat HeartbeatCmd `cmd:"" help:"Send host heartbeats to the dashboard."`
	Metrics   MetricsCmd   `cmd:"" help:"Print persisted bridge metrics as JSON."`
	Version   VersionCmd   `cmd:"" help:"Print the version."`
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("wabridge %s\n", version)
	return nil
}

func main() {
	Init(&Config{
		Level:      LevelInfo,
		TimeFormat: "2006-01-02 15:04:05",
	})

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("wabridge"),
		kong.Description("Keeps a WhatsApp session linked and relays messages to the dashboard backend."),
		kong.UsageOnError(),
	)

	if cli.LogLevel != "" {
		SetLevel(ParseLevel(cli.LogLevel))
	}

	err := kctx.Run(&cli.Globals)
	os.Exit(exitCode(err))
}

// exitCode reports err to the operator and maps it to a process status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrTemplateCreated):
		fmt.Fprintf(os.Stderr, "%v\nEdit it: set dashboardUrl and apiKey, then start wabridge again.\n", err)
		return 0
	case errors.Is(err, config.ErrPlaceholderKey):
		fmt.Fprintf(os.Stderr, "%v\nReplace %q in the config with the dashboard API key.\n", err, config.PlaceholderAPIKey)
		return 1
	case errors.Is(err, config.ErrInvalid):
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	case errors.Is(err, session.ErrCrashed):
		L_error("bridge stopped after a crash (autoRestart is off)", "error", err)
		return 1
	default:
		L_error("wabridge failed", "error", err)
		return 1
	}
}

package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/wagate/internal/config"
	. "github.com/roelfdiedericks/wagate/internal/logging"
)

const version = "0.1.0"

// Context is passed to every command's Run.
type Context struct {
	ConfigPath string
	Debug      bool
}

// loadConfig loads the configuration and applies its logging settings.
// --debug wins over the configured level.
func (c *Context) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.Debug {
		SetLevel(LevelDebug)
	} else {
		SetLevel(ParseLevel(cfg.Logging.Level))
	}
	SetShowCaller(cfg.Logging.ShowCaller)
	return cfg, nil
}

// CLI is the wagate command line.
type CLI struct {
	Config string `help:"Path to wagate.json." short:"c" type:"path"`
	Debug  bool   `help:"Enable debug logging." short:"d"`

	Gateway  GatewayCmd  `cmd:"" default:"withargs" help:"Run the gateway (default)."`
	Stop     StopCmd     `cmd:"" help:"Stop a daemonized gateway."`
	Sessions SessionsCmd `cmd:"" help:"Inspect and remove persisted sessions."`
	Pair     PairCmd     `cmd:"" help:"Link an account with a phone pairing code."`
	Link     LinkCmd     `cmd:"" help:"Link an account by scanning a QR code."`
	Settings SettingsCmd `cmd:"" help:"Manage per-tenant settings."`
	Cfg      ConfigCmd   `cmd:"" name:"config" help:"Manage the configuration file."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Printf("wagate %s\n", version)
	return nil
}

func main() {
	Init(&LogConfig{Level: LevelInfo})

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("wagate"),
		kong.Description("Multi-tenant WhatsApp bot gateway."),
		kong.UsageOnError(),
	)

	if cli.Debug {
		SetLevel(LevelDebug)
	}

	err := kctx.Run(&Context{ConfigPath: cli.Config, Debug: cli.Debug})
	if err != nil {
		L_fatal("wagate: command failed", "command", kctx.Command(), "error", err)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sevlyar/go-daemon"

	"github.com/roelfdiedericks/wagate/internal/gateway"
	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/paths"
)

// GatewayCmd runs the gateway in the foreground, or in the background
// with --daemon.
type GatewayCmd struct {
	Daemon bool `help:"Detach and run in the background." short:"D"`
}

func daemonContext() (*daemon.Context, error) {
	pidFile, err := paths.DataPath("wagate.pid")
	if err != nil {
		return nil, err
	}
	logFile, err := paths.DataPath("wagate.log")
	if err != nil {
		return nil, err
	}
	return &daemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0644,
		LogFileName: logFile,
		LogFilePerm: 0640,
		WorkDir:     "./",
		Umask:       027,
		Args:        os.Args,
	}, nil
}

func (g *GatewayCmd) Run(ctx *Context) error {
	cfg, err := ctx.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if g.Daemon {
		dctx, err := daemonContext()
		if err != nil {
			return err
		}
		child, err := dctx.Reborn()
		if err != nil {
			return fmt.Errorf("failed to daemonize: %w", err)
		}
		if child != nil {
			fmt.Printf("wagate started in background (pid %d), logging to %s\n", child.Pid, dctx.LogFileName)
			return nil
		}
		defer dctx.Release()
		L_info("wagate: running as daemon", "pid", os.Getpid())
	}

	L_info("wagate: starting", "version", version, "dataDir", cfg.DataDir)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(sigCtx, cfg, gateway.Options{})
	if err != nil {
		return err
	}
	return gw.Run(sigCtx)
}

// StopCmd signals a daemonized gateway to shut down.
type StopCmd struct{}

func (s *StopCmd) Run(ctx *Context) error {
	if _, err := ctx.loadConfig(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	dctx, err := daemonContext()
	if err != nil {
		return err
	}
	proc, err := dctx.Search()
	if err != nil || proc == nil {
		return fmt.Errorf("no running gateway found (pid file %s)", dctx.PidFileName)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", proc.Pid, err)
	}
	fmt.Printf("sent SIGTERM to wagate (pid %d)\n", proc.Pid)
	return nil
}

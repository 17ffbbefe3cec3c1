package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/roelfdiedericks/wagate/internal/config"
	"github.com/roelfdiedericks/wagate/internal/paths"
)

// ConfigCmd groups the config subcommands.
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a wagate.json with the defaults."`
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration."`
}

// ConfigInitCmd writes the default configuration.
type ConfigInitCmd struct {
	Path  string `arg:"" optional:"" help:"Where to write (default ~/.wagate/wagate.json)." type:"path"`
	Force bool   `help:"Overwrite an existing file (the old one is kept as .bak)."`
}

func (c *ConfigInitCmd) Run(ctx *Context) error {
	path := c.Path
	if path == "" {
		var err error
		if path, err = paths.DefaultConfigPath(); err != nil {
			return err
		}
	}

	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

// ConfigShowCmd prints the merged configuration with the admin token
// masked.
type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run(ctx *Context) error {
	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}
	if cfg.HTTP.AdminToken != "" {
		cfg.HTTP.AdminToken = "********"
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

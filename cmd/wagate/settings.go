package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/roelfdiedericks/wagate/internal/paths"
	"github.com/roelfdiedericks/wagate/internal/settings"
)

// SettingsCmd groups the settings subcommands.
type SettingsCmd struct {
	Show SettingsShowCmd `cmd:"" help:"Show a tenant's persisted and resolved settings."`
	Set  SettingsSetCmd  `cmd:"" help:"Persist settings for a tenant."`
}

// SettingsShowCmd prints a tenant's settings as JSON.
type SettingsShowCmd struct {
	Tenant string `arg:"" help:"Tenant id."`
}

func (s *SettingsShowCmd) Run(ctx *Context) error {
	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bg := context.Background()
	o, err := st.GetSettings(bg, s.Tenant)
	if err != nil {
		return err
	}
	cache := settings.NewCache(st, cfg.SettingsDefaults())

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"tenantId":  s.Tenant,
		"overrides": o,
		"resolved":  cache.Resolve(bg, s.Tenant),
	})
}

// SettingsSetCmd updates the given fields and keeps the others. The
// running gateway sees the change after a restart, or immediately when
// set through PUT /api/sessions/{tenant}/settings.
type SettingsSetCmd struct {
	Tenant     string `arg:"" help:"Tenant id."`
	Prefix     string `help:"Command prefix."`
	BotName    string `help:"Bot display name."`
	Announce   string `help:"Send the online announcement (on|off)."`
	StatusRead string `help:"Mark status broadcasts read (on|off)."`
}

func toggle(name, v string) (*bool, error) {
	switch v {
	case "":
		return nil, nil
	case "on", "true", "yes":
		b := true
		return &b, nil
	case "off", "false", "no":
		b := false
		return &b, nil
	}
	return nil, fmt.Errorf("--%s must be on or off, got %q", name, v)
}

func (s *SettingsSetCmd) Run(ctx *Context) error {
	if err := paths.ValidateTenantID(s.Tenant); err != nil {
		return err
	}
	if strings.ContainsAny(s.Prefix, " \t\n") {
		return fmt.Errorf("prefix must not contain whitespace")
	}
	announce, err := toggle("announce", s.Announce)
	if err != nil {
		return err
	}
	statusRead, err := toggle("status-read", s.StatusRead)
	if err != nil {
		return err
	}

	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bg := context.Background()
	o, err := st.GetSettings(bg, s.Tenant)
	if err != nil {
		return err
	}
	if o == nil {
		o = &settings.Overrides{}
	}
	if s.Prefix != "" {
		o.Prefix = &s.Prefix
	}
	if s.BotName != "" {
		o.BotName = &s.BotName
	}
	if announce != nil {
		o.ConnectionAnnounce = announce
	}
	if statusRead != nil {
		o.AutoMarkStatusRead = statusRead
	}

	if err := st.SaveSettings(bg, s.Tenant, o); err != nil {
		return err
	}
	fmt.Printf("Saved settings for %s\n", s.Tenant)
	return nil
}

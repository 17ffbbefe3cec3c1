package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/roelfdiedericks/wagate/internal/config"
	"github.com/roelfdiedericks/wagate/internal/credentials"
	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/store"
	"github.com/roelfdiedericks/wagate/internal/transport"
	"github.com/roelfdiedericks/wagate/internal/transport/whatsapp"
)

// SessionsCmd groups the session subcommands.
type SessionsCmd struct {
	List   SessionsListCmd   `cmd:"" default:"1" help:"List persisted sessions."`
	Remove SessionsRemoveCmd `cmd:"" help:"Delete a session and its credentials."`
}

func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(store.Config{Path: cfg.Store.Path, PollInterval: cfg.PollInterval()})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// SessionsListCmd prints every persisted session.
type SessionsListCmd struct{}

func (s *SessionsListCmd) Run(ctx *Context) error {
	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := st.FindAllSessions(context.Background())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No sessions. Link one with 'wagate pair <number>' or 'wagate link'.")
		return nil
	}

	// A row without a device in the device store can never connect.
	devices := map[string]bool{}
	if d, err := whatsapp.NewDialer(context.Background(), whatsapp.Config{DevicePath: cfg.Transport.DevicePath}); err != nil {
		L_warn("sessions: device store unavailable", "error", err)
	} else {
		jids, err := d.Devices(context.Background())
		d.Close()
		if err != nil {
			L_warn("sessions: listing devices failed", "error", err)
		}
		for _, jid := range jids {
			devices[jid] = true
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTENANT\tACCOUNT\tDEVICE\tCREATED")
	for _, row := range rows {
		account, device := "-", "missing"
		if blob, _, err := whatsapp.ParseBlob(row.Creds); err == nil {
			account = blob.JID
			if devices[blob.JID] {
				device = "ok"
			}
			if blob.PushName != "" {
				account += " (" + blob.PushName + ")"
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", row.Seq, row.TenantID, account, device, row.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// SessionsRemoveCmd deletes a session offline. A running gateway keeps its
// connection until restarted; use DELETE /api/sessions/{tenant} instead.
type SessionsRemoveCmd struct {
	Tenant string `arg:"" help:"Tenant id (the account's phone number)."`
}

func (s *SessionsRemoveCmd) Run(ctx *Context) error {
	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := st.GetSession(bg, s.Tenant)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no session for tenant %s", s.Tenant)
	}
	if err != nil {
		return err
	}

	if err := st.DeleteSession(bg, s.Tenant); err != nil {
		return err
	}
	if err := credentials.New().Remove(s.Tenant); err != nil {
		L_warn("sessions: removing credentials failed", "tenant", s.Tenant, "error", err)
	}

	dialer, err := whatsapp.NewDialer(bg, whatsapp.Config{DevicePath: cfg.Transport.DevicePath, Verbose: cfg.Transport.Verbose})
	if err != nil {
		L_warn("sessions: device store unavailable, device left behind", "tenant", s.Tenant, "error", err)
	} else {
		defer dialer.Close()
		if err := dialer.Forget(bg, transport.Credentials{TenantID: s.Tenant, Blob: sess.Creds}); err != nil {
			L_warn("sessions: forgetting device failed", "tenant", s.Tenant, "error", err)
		}
	}

	fmt.Printf("Removed session %s\n", s.Tenant)
	return nil
}

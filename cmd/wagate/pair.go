package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/roelfdiedericks/wagate/internal/config"
	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/store"
	"github.com/roelfdiedericks/wagate/internal/transport/whatsapp"
)

// PairCmd links an account with a pairing code entered on the phone.
type PairCmd struct {
	Number string `arg:"" help:"Phone number in international format, e.g. +94771234567."`
}

func (p *PairCmd) Run(ctx *Context) error {
	number := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, p.Number)
	if len(number) < 8 || len(number) > 15 {
		return fmt.Errorf("%q is not a phone number in international format", p.Number)
	}

	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}
	return withDialer(cfg, func(st *store.Store, d *whatsapp.Dialer) error {
		if _, err := st.GetSession(context.Background(), number); err == nil {
			return fmt.Errorf("a session for %s already exists", number)
		}

		done := make(chan struct{})
		var paired whatsapp.Paired
		var pairErr error
		code, err := d.PairPhone(number, func(res whatsapp.Paired, err error) {
			paired, pairErr = res, err
			close(done)
		})
		if err != nil {
			return err
		}

		fmt.Printf("Pairing code: %s\n", code)
		fmt.Println("On your phone: WhatsApp > Settings > Linked Devices > Link a Device > Link with phone number instead")
		fmt.Printf("Waiting up to %s...\n", whatsapp.PairTimeout)
		<-done
		if pairErr != nil {
			return pairErr
		}
		return savePaired(st, paired)
	})
}

// LinkCmd links an account by QR code rendered in the terminal.
type LinkCmd struct{}

func (l *LinkCmd) Run(ctx *Context) error {
	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}
	return withDialer(cfg, func(st *store.Store, d *whatsapp.Dialer) error {
		paired, err := d.LinkQR(context.Background(), os.Stdout)
		if err != nil {
			return err
		}
		return savePaired(st, paired)
	})
}

func withDialer(cfg *config.Config, fn func(*store.Store, *whatsapp.Dialer) error) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	d, err := whatsapp.NewDialer(context.Background(), whatsapp.Config{
		DevicePath: cfg.Transport.DevicePath,
		Verbose:    cfg.Transport.Verbose,
	})
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(st, d)
}

// savePaired inserts the session row; a running gateway picks it up from
// the insertion feed.
func savePaired(st *store.Store, p whatsapp.Paired) error {
	_, err := st.InsertSession(context.Background(), p.TenantID, p.Blob)
	if errors.Is(err, store.ErrSessionExists) {
		L_warn("pair: session already existed, credentials unchanged", "tenant", p.TenantID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	fmt.Printf("Linked %s. A running gateway connects it automatically.\n", p.TenantID)
	return nil
}

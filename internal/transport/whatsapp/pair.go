package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	. "github.com/roelfdiedericks/wagate/internal/logging"
)

// PairTimeout bounds a pairing attempt from first code to completed sync.
const PairTimeout = 3 * time.Minute

// Paired describes a freshly linked account.
type Paired struct {
	TenantID string
	Blob     json.RawMessage
}

// pairing is one in-progress link of a new device.
type pairing struct {
	client    *whatsmeow.Client
	qr        <-chan whatsmeow.QRChannelItem
	connected chan struct{}
}

func (d *Dialer) startPairing(ctx context.Context, label string) (*pairing, error) {
	device := d.container.NewDevice()
	client := whatsmeow.NewClient(device, WALogger("pair/"+label, d.verbose))

	p := &pairing{client: client, connected: make(chan struct{}, 1)}

	// The QR "success" item only means the scan was accepted; Connected
	// fires once the initial sync is done.
	client.AddEventHandler(func(evt interface{}) {
		if _, ok := evt.(*events.Connected); ok {
			select {
			case p.connected <- struct{}{}:
			default:
			}
		}
	})

	qr, err := client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get QR channel: %w", err)
	}
	p.qr = qr

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return p, nil
}

// firstCode waits for the first QR code item.
func (p *pairing) firstCode(ctx context.Context) (string, error) {
	select {
	case item, ok := <-p.qr:
		if !ok {
			return "", errors.New("QR channel closed unexpectedly")
		}
		if item.Event != whatsmeow.QRChannelEventCode {
			return "", fmt.Errorf("pairing failed: %s", item.Event)
		}
		return item.Code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// wait consumes the QR channel until pairing succeeds and the client has
// synced. onCode is called for every refreshed QR code.
func (p *pairing) wait(ctx context.Context, onCode func(string)) (Paired, error) {
	defer p.client.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return Paired{}, fmt.Errorf("pairing timed out: %w", ctx.Err())
		case item, ok := <-p.qr:
			if !ok {
				return Paired{}, errors.New("QR channel closed unexpectedly")
			}
			switch item.Event {
			case whatsmeow.QRChannelEventCode:
				if onCode != nil {
					onCode(item.Code)
				}
			case whatsmeow.QRChannelSuccess.Event:
				select {
				case <-p.connected:
				case <-time.After(30 * time.Second):
					return Paired{}, errors.New("timed out waiting for initial sync")
				}
				if p.client.Store.ID == nil {
					return Paired{}, errors.New("paired device has no id")
				}
				return Paired{
					TenantID: TenantID(*p.client.Store.ID),
					Blob:     blobFor(p.client.Store),
				}, nil
			case whatsmeow.QRChannelTimeout.Event:
				return Paired{}, errors.New("pairing code expired")
			default:
				return Paired{}, fmt.Errorf("pairing failed: %s", item.Event)
			}
		}
	}
}

// PairPhone starts pairing by phone number and returns the code the user
// enters under Linked Devices. onDone is called from a background
// goroutine once pairing completes or fails.
func (d *Dialer) PairPhone(phone string, onDone func(Paired, error)) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), PairTimeout)

	p, err := d.startPairing(ctx, phone)
	if err != nil {
		cancel()
		return "", err
	}
	if _, err := p.firstCode(ctx); err != nil {
		p.client.Disconnect()
		cancel()
		return "", err
	}

	code, err := p.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		p.client.Disconnect()
		cancel()
		return "", fmt.Errorf("pair phone: %w", err)
	}
	L_info("whatsapp: pairing code issued", "phone", phone)

	go func() {
		defer cancel()
		res, err := p.wait(ctx, nil)
		if err != nil {
			L_warn("whatsapp: phone pairing failed", "phone", phone, "error", err)
		} else {
			L_info("whatsapp: phone paired", "tenant", res.TenantID)
		}
		onDone(res, err)
	}()
	return code, nil
}

// LinkQR pairs a new device by QR code rendered to out and blocks until
// pairing completes.
func (d *Dialer) LinkQR(ctx context.Context, out io.Writer) (Paired, error) {
	ctx, cancel := context.WithTimeout(ctx, PairTimeout)
	defer cancel()

	p, err := d.startPairing(ctx, "qr")
	if err != nil {
		return Paired{}, err
	}

	render := func(code string) {
		fmt.Fprintln(out, "Scan the QR code below with your WhatsApp app:")
		fmt.Fprintln(out, "  WhatsApp > Settings > Linked Devices > Link a Device")
		fmt.Fprintln(out)
		qrterminal.GenerateHalfBlock(code, qrterminal.L, out)
		fmt.Fprintln(out)
	}

	code, err := p.firstCode(ctx)
	if err != nil {
		p.client.Disconnect()
		return Paired{}, err
	}
	render(code)
	return p.wait(ctx, render)
}

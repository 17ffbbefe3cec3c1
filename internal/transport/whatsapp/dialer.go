// Package whatsapp implements the wagate transport on top of whatsmeow.
// All tenants share one device store; each tenant's credential blob names
// the device (JID) to load from it.
package whatsapp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/paths"
	"github.com/roelfdiedericks/wagate/internal/transport"
)

// Blob is the credential blob persisted in the sessions table.
type Blob struct {
	JID      string `json:"jid"`
	PushName string `json:"pushName,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ParseBlob decodes a credential blob and its JID.
func ParseBlob(raw json.RawMessage) (Blob, types.JID, error) {
	var b Blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, types.EmptyJID, fmt.Errorf("%w: %v", transport.ErrInvalidCredentials, err)
	}
	if b.JID == "" {
		return b, types.EmptyJID, fmt.Errorf("%w: missing jid", transport.ErrInvalidCredentials)
	}
	jid, err := types.ParseJID(b.JID)
	if err != nil {
		return b, types.EmptyJID, fmt.Errorf("%w: %v", transport.ErrInvalidCredentials, err)
	}
	return b, jid, nil
}

// blobFor builds the credential blob for a paired device.
func blobFor(device *store.Device) json.RawMessage {
	b := Blob{PushName: device.PushName, Platform: device.Platform}
	if device.ID != nil {
		b.JID = device.ID.String()
	}
	data, _ := json.Marshal(b)
	return data
}

// TenantID derives the tenant id from a device JID: the phone number.
func TenantID(jid types.JID) string {
	return jid.ToNonAD().User
}

// Config for the whatsmeow dialer
type Config struct {
	DevicePath string
	Verbose    bool // forward whatsmeow debug logs
}

// Dialer opens whatsmeow connections for tenants.
type Dialer struct {
	db        *sql.DB
	container *sqlstore.Container
	verbose   bool
}

// NewDialer opens (and upgrades) the shared device store.
func NewDialer(ctx context.Context, cfg Config) (*Dialer, error) {
	if err := paths.EnsureParentDir(cfg.DevicePath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", cfg.DevicePath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsapp db: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", WALogger("store", cfg.Verbose))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade whatsapp store: %w", err)
	}

	L_debug("whatsapp: device store ready", "path", cfg.DevicePath)
	return &Dialer{db: db, container: container, verbose: cfg.Verbose}, nil
}

// Close closes the device store.
func (d *Dialer) Close() error {
	return d.db.Close()
}

// Open loads the tenant's device and connects it. Event handlers are
// registered before Connect so no event is missed.
func (d *Dialer) Open(ctx context.Context, creds transport.Credentials, events chan<- transport.Event) (transport.Conn, error) {
	_, jid, err := ParseBlob(creds.Blob)
	if err != nil {
		return nil, err
	}

	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", jid, err)
	}
	if device == nil {
		return nil, fmt.Errorf("%w: no device for %s", transport.ErrInvalidCredentials, jid)
	}

	client := whatsmeow.NewClient(device, WALogger("client/"+creds.TenantID, d.verbose))
	// Reconnects are owned by the supervisor.
	client.EnableAutoReconnect = false

	c := newConn(creds.TenantID, client, events)
	client.AddEventHandler(c.handleEvent)

	c.emit(transport.StateChange{State: transport.StateConnecting})
	if err := client.Connect(); err != nil {
		c.Close()
		return nil, fmt.Errorf("whatsapp: failed to connect: %w", err)
	}

	L_debug("whatsapp: connecting", "tenant", creds.TenantID, "handle", c.id, "jid", jid)
	return c, nil
}

// Forget deletes the tenant's device from the shared store.
func (d *Dialer) Forget(ctx context.Context, creds transport.Credentials) error {
	_, jid, err := ParseBlob(creds.Blob)
	if err != nil {
		return err
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("failed to load device %s: %w", jid, err)
	}
	if device == nil {
		return nil
	}
	if err := device.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", jid, err)
	}
	L_info("whatsapp: device removed", "tenant", creds.TenantID, "jid", jid)
	return nil
}

// Devices lists every paired device JID in the store.
func (d *Dialer) Devices(ctx context.Context) ([]string, error) {
	devices, err := d.container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	var out []string
	for _, dev := range devices {
		if dev.ID != nil {
			out = append(out, dev.ID.String())
		}
	}
	return out, nil
}

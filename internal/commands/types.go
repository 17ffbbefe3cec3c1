package commands

import (
	"context"
	"strings"

	"github.com/roelfdiedericks/wagate/internal/correlation"
	"github.com/roelfdiedericks/wagate/internal/settings"
	"github.com/roelfdiedericks/wagate/internal/transport"
)

// Handler is the function signature for command handlers
type Handler func(ctx context.Context, c *Context) error

// Descriptor is a registered command. It must not be modified after
// registration.
type Descriptor struct {
	Pattern     string   // e.g. "ping"
	Aliases     []string // e.g. ["p"]
	Category    string   // menu category, "other" when empty
	Description string
	Handler     Handler
	Disabled    bool
}

// IsEnabled reports whether the command appears in menus.
func (d *Descriptor) IsEnabled() bool {
	return !d.Disabled
}

// CategoryName returns the category, defaulting to "other".
func (d *Descriptor) CategoryName() string {
	if d.Category == "" {
		return "other"
	}
	return strings.ToLower(d.Category)
}

// Context is what a handler sees of the message that invoked it.
type Context struct {
	Tenant    string
	Chat      string
	Sender    string
	PushName  string
	Body      string
	Command   string   // lowercased command name, empty for menu selections
	Args      []string // whitespace-split arguments
	IsCommand bool
	Prefix    string
	Settings  settings.Settings

	Message     *transport.Message
	Conn        transport.Conn
	Registry    *Registry
	Correlation *correlation.Store
}

// Query returns the arguments joined by a single space.
func (c *Context) Query() string {
	return strings.Join(c.Args, " ")
}

// Reply sends text to the originating conversation, quoting the message
// that invoked the command. Returns the sent message id.
func (c *Context) Reply(ctx context.Context, text string) (string, error) {
	return c.Send(ctx, transport.Outgoing{Text: text})
}

// Send sends msg to the originating conversation, quoting the invoking
// message.
func (c *Context) Send(ctx context.Context, msg transport.Outgoing) (string, error) {
	return c.Conn.Send(ctx, c.Chat, msg, transport.SendOptions{Quoted: c.Message})
}

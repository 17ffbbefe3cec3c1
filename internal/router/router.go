// Package router decides, for each inbound message, whether it is a menu
// selection, a status to mark read, a command, or nothing, and invokes at
// most one handler.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/wagate/internal/commands"
	"github.com/roelfdiedericks/wagate/internal/correlation"
	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/metrics"
	"github.com/roelfdiedericks/wagate/internal/settings"
	"github.com/roelfdiedericks/wagate/internal/transport"
)

// MenuCommand is the command that receives replies to a menu.
const MenuCommand = "menu"

// Outcome is what Route did with a message.
type Outcome int

const (
	Discarded Outcome = iota
	MenuSelection
	StatusRead
	NotCommand
	Dispatched
	UnknownCommand
	HandlerFailed
)

func (o Outcome) String() string {
	switch o {
	case Discarded:
		return "discarded"
	case MenuSelection:
		return "menu_selection"
	case StatusRead:
		return "status_read"
	case NotCommand:
		return "not_command"
	case Dispatched:
		return "dispatched"
	case UnknownCommand:
		return "unknown_command"
	case HandlerFailed:
		return "handler_failed"
	}
	return "unknown"
}

// Router routes messages for every tenant. It is safe for concurrent use.
type Router struct {
	settings    *settings.Cache
	registry    *commands.Registry
	correlation *correlation.Store
}

// New creates a router over the shared settings cache, registry and
// correlation store.
func New(s *settings.Cache, reg *commands.Registry, corr *correlation.Store) *Router {
	return &Router{settings: s, registry: reg, correlation: corr}
}

// Dispatch routes msg and discards the outcome.
func (r *Router) Dispatch(ctx context.Context, tenant string, conn transport.Conn, msg *transport.Message) {
	r.Route(ctx, tenant, conn, msg)
}

// Route processes one message received by tenant on conn.
func (r *Router) Route(ctx context.Context, tenant string, conn transport.Conn, msg *transport.Message) Outcome {
	outcome := r.route(ctx, tenant, conn, msg)
	metrics.MetricOutcome("router", "route", outcome.String())
	return outcome
}

func (r *Router) route(ctx context.Context, tenant string, conn transport.Conn, msg *transport.Message) Outcome {
	if msg == nil || msg.Content == nil {
		return Discarded
	}

	st := r.settings.Resolve(ctx, tenant)
	body := msg.Content.Body()
	isCommand := strings.HasPrefix(body, st.Prefix)

	if !isCommand && msg.Content.IsReply() && r.correlation.Matches(msg.Ref.Chat, msg.Content.QuotedID) {
		return r.menuSelection(ctx, tenant, conn, msg, st, body)
	}

	if msg.Ref.Chat == transport.StatusBroadcast && st.AutoMarkStatusRead {
		if err := conn.MarkRead(ctx, msg.Ref); err != nil {
			L_warn("router: mark status read failed", "tenant", tenant, "id", msg.Ref.ID, "error", err)
		}
		return StatusRead
	}

	if !isCommand {
		return NotCommand
	}

	fields := strings.Fields(strings.TrimPrefix(body, st.Prefix))
	if len(fields) == 0 {
		return UnknownCommand
	}
	name := strings.ToLower(fields[0])

	d, ok := r.registry.Lookup(name)
	if !ok {
		L_debug("router: unknown command", "tenant", tenant, "command", name)
		return UnknownCommand
	}

	c := r.newContext(tenant, conn, msg, st, body)
	c.Command = name
	c.Args = fields[1:]
	c.IsCommand = true

	L_info("router: command", "tenant", tenant, "command", d.Pattern, "chat", msg.Ref.Chat, "sender", msg.Ref.Sender)
	if err := r.invoke(ctx, d, c); err != nil {
		return HandlerFailed
	}
	return Dispatched
}

// menuSelection hands a reply to the last menu over to the menu command.
func (r *Router) menuSelection(ctx context.Context, tenant string, conn transport.Conn, msg *transport.Message, st settings.Settings, body string) Outcome {
	d, ok := r.registry.Lookup(MenuCommand)
	if !ok {
		L_warn("router: menu reply but no menu command registered", "tenant", tenant)
		return MenuSelection
	}

	c := r.newContext(tenant, conn, msg, st, body)
	c.IsCommand = true
	c.Args = []string{strings.TrimSpace(body)}

	L_debug("router: menu selection", "tenant", tenant, "chat", msg.Ref.Chat, "selection", c.Args[0])
	if err := r.invoke(ctx, d, c); err != nil {
		return HandlerFailed
	}
	return MenuSelection
}

func (r *Router) newContext(tenant string, conn transport.Conn, msg *transport.Message, st settings.Settings, body string) *commands.Context {
	return &commands.Context{
		Tenant:      tenant,
		Chat:        msg.Ref.Chat,
		Sender:      msg.Ref.Sender,
		PushName:    msg.PushName,
		Body:        body,
		Prefix:      st.Prefix,
		Settings:    st,
		Message:     msg,
		Conn:        conn,
		Registry:    r.registry,
		Correlation: r.correlation,
	}
}

// invoke runs the handler, converting panics to errors. Failures are
// logged here and never propagate.
func (r *Router) invoke(ctx context.Context, d *commands.Descriptor, c *commands.Context) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			metrics.MetricFailWithReason("commands", d.Pattern, "panic")
		}
		metrics.MetricSince("commands", d.Pattern+"/duration", start)
		if err != nil {
			L_error("router: command failed", "tenant", c.Tenant, "command", d.Pattern, "error", err)
		}
	}()

	if err = d.Handler(ctx, c); err != nil {
		metrics.MetricFailWithReason("commands", d.Pattern, "error")
		return err
	}
	metrics.MetricSuccess("commands", d.Pattern)
	return nil
}

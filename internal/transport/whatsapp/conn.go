package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/transport"
)

// Conn is one whatsmeow client connection.
type Conn struct {
	id     string
	tenant string
	client *whatsmeow.Client
	events chan<- transport.Event

	mu     sync.Mutex
	closed bool // a close was emitted or Close was called
	done   chan struct{}
}

func newConn(tenant string, client *whatsmeow.Client, events chan<- transport.Event) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		tenant: tenant,
		client: client,
		events: events,
		done:   make(chan struct{}),
	}
}

// ID returns the unique handle id.
func (c *Conn) ID() string { return c.id }

// Self returns the account's own chat JID.
func (c *Conn) Self() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.ToNonAD().String()
}

// Close disconnects and stops event delivery. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.done == nil {
		c.mu.Unlock()
		return
	}
	done := c.done
	c.done = nil
	c.closed = true
	c.mu.Unlock()

	close(done)
	c.client.Disconnect()
}

// emit delivers ev unless the connection is closed. It blocks while the
// channel is full so ordering is kept, and gives up when Close is called.
func (c *Conn) emit(ev transport.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if sc, ok := ev.(transport.StateChange); ok && sc.State == transport.StateClosed {
		// Only the first close is reported.
		c.closed = true
	}
	done := c.done
	c.mu.Unlock()

	select {
	case c.events <- ev:
	case <-done:
	}
}

func (c *Conn) closeWith(reason transport.CloseReason, err error) {
	c.emit(transport.StateChange{State: transport.StateClosed, Reason: reason, Err: err})
}

// handleEvent maps whatsmeow events onto transport events.
func (c *Conn) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		L_debug("whatsapp: connected to server", "tenant", c.tenant)
		c.emit(transport.StateChange{State: transport.StateOpen})
	case *events.Disconnected:
		c.closeWith(transport.ReasonConnectionLost, nil)
	case *events.StreamReplaced:
		c.closeWith(transport.ReasonConnectionReplaced, nil)
	case *events.LoggedOut:
		c.closeWith(transport.ReasonLoggedOut, fmt.Errorf("logged out: %v", v.Reason))
	case *events.ConnectFailure:
		reason := transport.CloseReason(int(v.Reason))
		if v.Reason.IsLoggedOut() {
			reason = transport.ReasonLoggedOut
		}
		c.closeWith(reason, fmt.Errorf("connect failure: %v %s", v.Reason, v.Message))
	case *events.StreamError:
		c.closeWith(transport.ReasonRestartRequired, fmt.Errorf("stream error: %s", v.Code))
	case *events.KeepAliveTimeout:
		L_debug("whatsapp: keepalive timeout", "tenant", c.tenant, "errors", v.ErrorCount)
	case *events.PushNameSetting:
		if v.Action != nil {
			c.client.Store.PushName = v.Action.GetName()
		}
		c.emit(transport.CredentialsUpdated{Blob: blobFor(c.client.Store)})
	case *events.Message:
		c.emit(convertMessage(v))
	}
}

// Send sends msg to the chat "to". Text is converted to WhatsApp
// formatting; images are uploaded first.
func (c *Conn) Send(ctx context.Context, to string, msg transport.Outgoing, opts transport.SendOptions) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	var quoted *waE2E.ContextInfo
	if opts.Quoted != nil {
		quoted = quoteInfo(opts.Quoted)
	}

	var out *waE2E.Message
	if len(msg.Image) > 0 {
		out, err = c.imageMessage(ctx, msg.Image, FormatMessage(msg.Caption), quoted)
		if err != nil {
			return "", err
		}
	} else {
		out = textMessage(FormatMessage(msg.Text), quoted)
	}

	resp, err := c.client.SendMessage(ctx, jid, out)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", jid, err)
	}
	return resp.ID, nil
}

func (c *Conn) imageMessage(ctx context.Context, data []byte, caption string, quoted *waE2E.ContextInfo) (*waE2E.Message, error) {
	mimeType := mimetype.Detect(data).String()
	mediaType := whatsmeow.MediaImage
	if !strings.HasPrefix(mimeType, "image/") {
		mediaType = whatsmeow.MediaDocument
	}
	resp, err := c.client.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	msg := buildMediaMessage(mimeType, &resp, caption, uint64(len(data)))
	if img := msg.GetImageMessage(); img != nil {
		img.ContextInfo = quoted
	} else if doc := msg.GetDocumentMessage(); doc != nil {
		doc.ContextInfo = quoted
	}
	return msg, nil
}

// MarkRead sends a read receipt for ref.
func (c *Conn) MarkRead(ctx context.Context, ref transport.MessageRef) error {
	chat, err := types.ParseJID(ref.Chat)
	if err != nil {
		return fmt.Errorf("invalid chat %q: %w", ref.Chat, err)
	}
	sender, err := types.ParseJID(ref.Sender)
	if err != nil {
		return fmt.Errorf("invalid sender %q: %w", ref.Sender, err)
	}
	return c.client.MarkRead(ctx, []types.MessageID{ref.ID}, ref.Timestamp, chat, sender)
}

// Logout unlinks the device from the account and reports a logged-out
// close. whatsmeow disconnects silently on a local logout.
func (c *Conn) Logout(ctx context.Context) error {
	if !c.client.IsConnected() {
		return errors.New("whatsapp: not connected")
	}
	if err := c.client.Logout(ctx); err != nil {
		return err
	}
	c.closeWith(transport.ReasonLoggedOut, nil)
	return nil
}

func textMessage(text string, quoted *waE2E.ContextInfo) *waE2E.Message {
	if quoted == nil {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: quoted,
		},
	}
}

// quoteInfo builds the context info that makes a reply quote m.
func quoteInfo(m *transport.Message) *waE2E.ContextInfo {
	info := &waE2E.ContextInfo{
		StanzaID:    proto.String(m.Ref.ID),
		Participant: proto.String(m.Ref.Sender),
	}
	if raw, ok := m.Raw.(*events.Message); ok && raw.Message != nil {
		info.QuotedMessage = raw.Message
	}
	return info
}

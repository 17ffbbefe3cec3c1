// Package transport defines the contract between wagate and the messaging
// account transport. Connections push typed events onto a channel owned by
// the caller; the caller consumes them in order.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StatusBroadcast is the conversation id of the status/broadcast channel.
const StatusBroadcast = "status@broadcast"

// EventBuffer is the recommended capacity of a per-connection event channel.
const EventBuffer = 256

// ErrInvalidCredentials is returned by Open when the credential blob can
// never produce a connection (unparseable, or unknown to the device store).
var ErrInvalidCredentials = errors.New("transport: invalid credentials")

// CloseReason is the numeric reason attached to a closed connection.
type CloseReason int

const (
	ReasonNone               CloseReason = 0
	ReasonLoggedOut          CloseReason = 401
	ReasonConnectionLost     CloseReason = 408
	ReasonConnectionClosed   CloseReason = 428
	ReasonConnectionReplaced CloseReason = 440
	ReasonBadSession         CloseReason = 500
	ReasonRestartRequired    CloseReason = 515
)

// IsLoggedOut reports whether the close is terminal.
func (r CloseReason) IsLoggedOut() bool {
	return r == ReasonLoggedOut
}

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLoggedOut:
		return "logged out"
	case ReasonConnectionLost:
		return "connection lost"
	case ReasonConnectionClosed:
		return "connection closed"
	case ReasonConnectionReplaced:
		return "connection replaced"
	case ReasonBadSession:
		return "bad session"
	case ReasonRestartRequired:
		return "restart required"
	}
	return fmt.Sprintf("reason %d", int(r))
}

// State of a connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Event is one of StateChange, CredentialsUpdated or *Message.
type Event interface {
	isEvent()
}

// StateChange reports a connection state transition. Reason is only
// meaningful for StateClosed.
type StateChange struct {
	State  State
	Reason CloseReason
	Err    error
}

// CredentialsUpdated carries a refreshed credential blob that must be
// persisted.
type CredentialsUpdated struct {
	Blob json.RawMessage
}

// MessageRef identifies a message for read receipts and quoting.
type MessageRef struct {
	ID        string
	Chat      string
	Sender    string
	Timestamp time.Time
}

// ContentKind names the content type a message body was taken from.
type ContentKind string

const (
	KindConversation ContentKind = "conversation"
	KindExtendedText ContentKind = "extendedText"
	KindImage        ContentKind = "image"
	KindVideo        ContentKind = "video"
	KindDocument     ContentKind = "document"
	KindOther        ContentKind = "other"
)

// Content is the normalized payload of a message.
type Content struct {
	Kind         ContentKind
	Conversation string
	Text         string // extended text body
	Caption      string // media caption
	QuotedID     string // stanza id of the quoted message, when a reply
	HasQuoted    bool
}

// Body returns the first non-empty text: conversation, then extended text,
// then caption.
func (c *Content) Body() string {
	if c == nil {
		return ""
	}
	switch {
	case c.Conversation != "":
		return c.Conversation
	case c.Text != "":
		return c.Text
	default:
		return c.Caption
	}
}

// IsReply reports whether the message quotes another message.
func (c *Content) IsReply() bool {
	return c != nil && c.HasQuoted && c.QuotedID != ""
}

// Message is an inbound message event. Content is nil for events without a
// message payload (protocol messages, reactions we do not model).
type Message struct {
	Ref      MessageRef
	PushName string
	FromMe   bool
	IsGroup  bool
	Content  *Content

	// Raw is the transport-native event, used to quote the message in
	// replies.
	Raw any
}

func (StateChange) isEvent()        {}
func (CredentialsUpdated) isEvent() {}
func (*Message) isEvent()           {}

// Credentials identify the account a connection is opened for.
type Credentials struct {
	TenantID string
	Blob     json.RawMessage
	AuthDir  string // local directory holding the materialized blob
}

// Outgoing is a message to send. Image, when set, is sent with Caption;
// otherwise Text is sent.
type Outgoing struct {
	Text    string
	Image   []byte
	Caption string
}

// SendOptions modify a send.
type SendOptions struct {
	Quoted *Message
}

// Conn is one live transport connection. It is never reused after Close.
type Conn interface {
	ID() string
	// Self returns the conversation id of the account itself.
	Self() string
	Send(ctx context.Context, to string, msg Outgoing, opts SendOptions) (string, error)
	MarkRead(ctx context.Context, ref MessageRef) error
	Logout(ctx context.Context) error
	Close()
}

// Dialer opens connections. Events for the connection are pushed onto the
// supplied channel, in delivery order, until the connection is closed.
type Dialer interface {
	Open(ctx context.Context, creds Credentials, events chan<- Event) (Conn, error)
	// Forget removes any transport-side state held for the account.
	Forget(ctx context.Context, creds Credentials) error
}

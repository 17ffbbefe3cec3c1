package whatsapp

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/roelfdiedericks/wagate/internal/transport"
)

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"**bold**", "*bold*"},
		{"## Menu", "*Menu*"},
		{"~~gone~~", "~gone~"},
		{"[site](https://x.y)", "site (https://x.y)"},
		{"- one\n- two", "• one\n• two"},
		{"*already* _fine_", "*already* _fine_"},
		{"a\n\n\n\nb", "a\n\nb"},
		{"```\n**raw**\n```", "```\n**raw**\n```"},
		{"<b>x</b> 1 < 2", "x 1 < 2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatMessage(tt.in), tt.in)
	}
}

func TestParseBlob(t *testing.T) {
	b, jid, err := ParseBlob(json.RawMessage(`{"jid":"94771234567:12@s.whatsapp.net","pushName":"Zanta"}`))
	require.NoError(t, err)
	assert.Equal(t, "Zanta", b.PushName)
	assert.Equal(t, "94771234567", TenantID(jid))

	_, _, err = ParseBlob(json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, transport.ErrInvalidCredentials))
	_, _, err = ParseBlob(json.RawMessage(`nope`))
	assert.True(t, errors.Is(err, transport.ErrInvalidCredentials))
}

func messageEvent(msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   types.NewJID("94770000000", types.DefaultUserServer),
				Sender: types.JID{User: "94770000000", Device: 3, Server: types.DefaultUserServer},
			},
			ID:        "MSG1",
			PushName:  "Kasun",
			Timestamp: time.Unix(1_700_000_000, 0),
		},
		Message: msg,
	}
}

func TestConvertConversation(t *testing.T) {
	m := convertMessage(messageEvent(&waE2E.Message{Conversation: proto.String(".ping")}))
	require.NotNil(t, m.Content)
	assert.Equal(t, transport.KindConversation, m.Content.Kind)
	assert.Equal(t, ".ping", m.Content.Body())
	assert.Equal(t, "94770000000@s.whatsapp.net", m.Ref.Sender, "device suffix stripped")
	assert.Equal(t, "Kasun", m.PushName)
	assert.False(t, m.Content.IsReply())
}

func TestConvertQuotedReply(t *testing.T) {
	m := convertMessage(messageEvent(&waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(" 2 "),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String("MENU42"),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("menu")},
			},
		},
	}))
	require.NotNil(t, m.Content)
	assert.Equal(t, " 2 ", m.Content.Body())
	assert.True(t, m.Content.IsReply())
	assert.Equal(t, "MENU42", m.Content.QuotedID)
}

func TestConvertCaptionAndWrappers(t *testing.T) {
	m := convertMessage(messageEvent(&waE2E.Message{
		EphemeralMessage: &waE2E.FutureProofMessage{
			Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String(".sticker")}},
		},
	}))
	require.NotNil(t, m.Content)
	assert.Equal(t, transport.KindImage, m.Content.Kind)
	assert.Equal(t, ".sticker", m.Content.Body())
}

func TestConvertNoPayload(t *testing.T) {
	assert.Nil(t, convertMessage(messageEvent(nil)).Content)
	assert.Nil(t, convertMessage(messageEvent(&waE2E.Message{
		ProtocolMessage: &waE2E.ProtocolMessage{},
	})).Content)
}

func TestConnReportsFirstCloseOnly(t *testing.T) {
	ch := make(chan transport.Event, 8)
	c := newConn("t1", nil, ch)

	c.handleEvent(&events.Connected{})
	c.handleEvent(&events.Disconnected{})
	c.handleEvent(&events.LoggedOut{})
	c.handleEvent(&events.Connected{})

	require.Len(t, ch, 2)
	first := (<-ch).(transport.StateChange)
	assert.Equal(t, transport.StateOpen, first.State)
	second := (<-ch).(transport.StateChange)
	assert.Equal(t, transport.StateClosed, second.State)
	assert.Equal(t, transport.ReasonConnectionLost, second.Reason)
}

func TestConnMapsLogout(t *testing.T) {
	ch := make(chan transport.Event, 8)
	c := newConn("t1", nil, ch)
	c.handleEvent(&events.ConnectFailure{Reason: events.ConnectFailureLoggedOut})

	sc := (<-ch).(transport.StateChange)
	assert.True(t, sc.Reason.IsLoggedOut())
}

func TestTextMessageQuotes(t *testing.T) {
	orig := messageEvent(&waE2E.Message{Conversation: proto.String(".menu")})
	quoted := quoteInfo(convertMessage(orig))

	msg := textMessage("hi", quoted)
	require.NotNil(t, msg.GetExtendedTextMessage())
	assert.Equal(t, "MSG1", msg.GetExtendedTextMessage().GetContextInfo().GetStanzaID())
	assert.Equal(t, ".menu", msg.GetExtendedTextMessage().GetContextInfo().GetQuotedMessage().GetConversation())

	assert.Equal(t, "hi", textMessage("hi", nil).GetConversation())
}

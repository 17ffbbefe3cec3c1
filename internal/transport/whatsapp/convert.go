package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/roelfdiedericks/wagate/internal/transport"
)

// convertMessage normalizes a whatsmeow message event. Content is nil when
// the event carries no message payload.
func convertMessage(evt *events.Message) *transport.Message {
	m := &transport.Message{
		Ref: transport.MessageRef{
			ID:        evt.Info.ID,
			Chat:      evt.Info.Chat.ToNonAD().String(),
			Sender:    evt.Info.Sender.ToNonAD().String(),
			Timestamp: evt.Info.Timestamp,
		},
		PushName: evt.Info.PushName,
		FromMe:   evt.Info.IsFromMe,
		IsGroup:  evt.Info.IsGroup,
		Raw:      evt,
	}
	if evt.Message != nil {
		m.Content = convertContent(unwrap(evt.Message))
	}
	return m
}

// unwrap strips ephemeral and view-once wrappers.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	for i := 0; i < 3 && msg != nil; i++ {
		switch {
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

func convertContent(msg *waE2E.Message) *transport.Content {
	if msg == nil {
		return nil
	}
	c := &transport.Content{}
	var ctx *waE2E.ContextInfo

	switch {
	case msg.Conversation != nil:
		c.Kind = transport.KindConversation
		c.Conversation = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		c.Kind = transport.KindExtendedText
		c.Text = msg.GetExtendedTextMessage().GetText()
		ctx = msg.GetExtendedTextMessage().GetContextInfo()
	case msg.GetImageMessage() != nil:
		c.Kind = transport.KindImage
		c.Caption = msg.GetImageMessage().GetCaption()
		ctx = msg.GetImageMessage().GetContextInfo()
	case msg.GetVideoMessage() != nil:
		c.Kind = transport.KindVideo
		c.Caption = msg.GetVideoMessage().GetCaption()
		ctx = msg.GetVideoMessage().GetContextInfo()
	case msg.GetDocumentMessage() != nil:
		c.Kind = transport.KindDocument
		c.Caption = msg.GetDocumentMessage().GetCaption()
		ctx = msg.GetDocumentMessage().GetContextInfo()
	case msg.GetProtocolMessage() != nil, msg.GetSenderKeyDistributionMessage() != nil && isOnlyKeyDistribution(msg):
		return nil
	default:
		c.Kind = transport.KindOther
	}

	if ctx != nil && ctx.GetStanzaID() != "" {
		c.QuotedID = ctx.GetStanzaID()
		c.HasQuoted = true
	}
	return c
}

// isOnlyKeyDistribution reports whether msg is a bare sender-key
// distribution with no user content.
func isOnlyKeyDistribution(msg *waE2E.Message) bool {
	clone := proto.Clone(msg).(*waE2E.Message)
	clone.SenderKeyDistributionMessage = nil
	clone.MessageContextInfo = nil
	return proto.Size(clone) == 0
}

// buildMediaMessage creates the proto message for an uploaded media file.
func buildMediaMessage(mimeType string, resp *whatsmeow.UploadResponse, caption string, fileLength uint64) *waE2E.Message {
	if strings.HasPrefix(mimeType, "image/") {
		return &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				Caption:       proto.String(caption),
				Mimetype:      proto.String(mimeType),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &fileLength,
			},
		}
	}
	return &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimeType),
			URL:           &resp.URL,
			DirectPath:    &resp.DirectPath,
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    &fileLength,
		},
	}
}

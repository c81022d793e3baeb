package whatsapp

import (
	"fmt"
	"strconv"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/roelfdiedericks/wabridge/internal/adapter"
)

// identity is the linked account as seen in message addressing. WhatsApp may
// address the same account by phone number or by LID.
type identity struct {
	phone string
	lid   string
}

func (id identity) is(jid types.JID) bool {
	if jid.User == "" {
		return false
	}
	return jid.User == id.phone || jid.User == id.lid
}

// closeFromEvent maps a whatsmeow connection event to a Closed event.
// ok is false for events that do not end the connection.
func closeFromEvent(evt any) (adapter.Closed, bool) {
	switch v := evt.(type) {
	case *events.LoggedOut:
		return adapter.Closed{
			Reason:  adapter.CloseLoggedOut,
			Code:    strconv.Itoa(int(v.Reason)),
			Message: fmt.Sprintf("logged out: %v", v.Reason),
		}, true

	case *events.ConnectFailure:
		c := adapter.Closed{
			Reason:  adapter.CloseOther,
			Code:    strconv.Itoa(int(v.Reason)),
			Message: v.Message,
		}
		switch {
		case v.Reason.IsLoggedOut():
			c.Reason = adapter.CloseLoggedOut
		case v.Reason == events.ConnectFailureClientOutdated:
			c.Reason = adapter.CloseBadSession
		}
		if c.Message == "" {
			c.Message = fmt.Sprintf("connect failure: %v", v.Reason)
		}
		return c, true

	case *events.ClientOutdated:
		return adapter.Closed{Reason: adapter.CloseBadSession, Message: "client version rejected by server"}, true

	case *events.StreamReplaced:
		return adapter.Closed{Reason: adapter.CloseConflict, Message: "stream replaced"}, true

	case *events.StreamError:
		if v.Code == "515" {
			return adapter.Closed{Reason: adapter.CloseRestartRequired, Code: v.Code, Message: "stream restart requested"}, true
		}
		return adapter.Closed{Reason: adapter.CloseOther, Code: v.Code, Message: "stream error"}, true

	case *events.TemporaryBan:
		return adapter.Closed{
			Reason:  adapter.CloseOther,
			Code:    strconv.Itoa(int(v.Code)),
			Message: fmt.Sprintf("temporary ban, expires in %s", v.Expire),
		}, true

	case *events.Disconnected:
		return adapter.Closed{Reason: adapter.CloseOther, Message: "disconnected"}, true
	}
	return adapter.Closed{}, false
}

// closeFromQR maps a terminal QR channel item. ok is false for "code" and
// "success", which do not end the attempt.
func closeFromQR(event string, err error) (adapter.Closed, bool) {
	switch event {
	case "code", "success":
		return adapter.Closed{}, false
	case "timeout":
		return adapter.Closed{Reason: adapter.ClosePairingTimeout, Message: "pairing code expired"}, true
	case "err-client-outdated":
		return adapter.Closed{Reason: adapter.CloseBadSession, Message: "client version rejected by server"}, true
	case "error":
		msg := "pairing failed"
		if err != nil {
			msg = "pairing failed: " + err.Error()
		}
		return adapter.Closed{Reason: adapter.CloseOther, Message: msg}, true
	default:
		return adapter.Closed{Reason: adapter.CloseOther, Message: "pairing failed: " + event}, true
	}
}

// envelopeFromMessage converts an inbound message. ok is false when the
// message carries no text.
func envelopeFromMessage(evt *events.Message, own identity) (adapter.Envelope, bool) {
	text := messageText(evt.Message)
	if text == "" {
		return adapter.Envelope{}, false
	}

	info := evt.Info

	// With LID addressing, Sender is a LID and SenderAlt has the phone
	// number. Prefer the phone number.
	sender := info.Sender
	if sender.Server == types.HiddenUserServer && !info.SenderAlt.IsEmpty() {
		sender = info.SenderAlt
	}

	// A bare number for phone JIDs; unresolved LIDs keep their server.
	from := sender.User
	if sender.Server != types.DefaultUserServer {
		from = sender.ToNonAD().String()
	}

	env := adapter.Envelope{
		ID:        info.ID,
		Chat:      info.Chat.ToNonAD().String(),
		Sender:    from,
		PushName:  info.PushName,
		Text:      text,
		IsGroup:   info.IsGroup,
		FromMe:    info.IsFromMe,
		Broadcast: info.Chat.Server == types.BroadcastServer,
		Timestamp: info.Timestamp,
	}
	env.SelfChat = !info.IsGroup && own.is(info.Chat)
	return env, true
}

func messageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	}
	return ""
}

// parseAddress accepts either a full JID or a bare phone number.
func parseAddress(addr string) (types.JID, error) {
	if strings.Contains(addr, "@") {
		jid, err := types.ParseJID(addr)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		return jid, nil
	}
	phone := strings.TrimPrefix(strings.TrimSpace(addr), "+")
	if phone == "" {
		return types.JID{}, fmt.Errorf("empty address")
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

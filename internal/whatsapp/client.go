package whatsapp

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/roelfdiedericks/wabridge/internal/adapter"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

// ClientOptions are the per-process settings every attempt shares.
type ClientOptions struct {
	// DisplayName is the push name and pairing-code client name.
	DisplayName string
	// PairingPhone, when set, requests a numeric pairing code for this
	// number in addition to the QR challenge.
	PairingPhone string
}

// Client is one connection attempt. It implements adapter.Client.
type Client struct {
	cli  *whatsmeow.Client
	emit func(adapter.Event)
	opts ClientOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	pairMu   sync.Mutex
	pairCode string
}

// NewClient wraps a whatsmeow client around device. Events are delivered via
// emit until Close.
func NewClient(device *store.Device, emit func(adapter.Event), opts ClientOptions) *Client {
	cli := whatsmeow.NewClient(device, newLogger("client"))
	// Recovery is the supervisor's job.
	cli.EnableAutoReconnect = false

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cli:    cli,
		emit:   emit,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
	cli.AddEventHandler(c.handleEvent)
	return c
}

// Connect starts the connection. Pairing challenges, the open and any
// failure arrive as events.
func (c *Client) Connect(ctx context.Context) error {
	if c.cli.Store.ID == nil {
		qrChan, err := c.cli.GetQRChannel(c.ctx)
		if err != nil {
			return fmt.Errorf("whatsapp: failed to get QR channel: %w", err)
		}
		go c.watchQR(qrChan)
	}

	if err := c.cli.Connect(); err != nil {
		return fmt.Errorf("whatsapp: failed to connect: %w", err)
	}
	return nil
}

func (c *Client) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		if item.Event == "code" {
			c.send(adapter.PairingChallenge{QR: item.Code, Code: c.pairingCode()})
			continue
		}
		if item.Event == "success" {
			L_info("whatsapp: pairing accepted, completing initial sync")
			continue
		}
		if closed, ok := closeFromQR(item.Event, item.Error); ok {
			c.send(closed)
			return
		}
	}
}

// pairingCode requests a phone pairing code once per attempt. whatsmeow
// requires the first QR code to have been issued before this call.
func (c *Client) pairingCode() string {
	if c.opts.PairingPhone == "" {
		return ""
	}
	c.pairMu.Lock()
	defer c.pairMu.Unlock()
	if c.pairCode != "" {
		return c.pairCode
	}

	code, err := c.cli.PairPhone(c.ctx, c.opts.PairingPhone, true, whatsmeow.PairClientChrome, c.displayName())
	if err != nil {
		L_warn("whatsapp: pairing code request failed, QR only", "error", err)
		return ""
	}
	c.pairCode = code
	L_info("whatsapp: pairing code issued", "phone", c.opts.PairingPhone)
	return code
}

func (c *Client) displayName() string {
	if c.opts.DisplayName != "" {
		return c.opts.DisplayName
	}
	return "wabridge"
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.send(adapter.Open{Identity: c.own().phone})
		go c.announce()

	case *events.PairSuccess:
		L_info("whatsapp: device linked", "jid", v.ID, "platform", v.Platform)
		c.send(adapter.CredentialsUpdated{Identity: v.ID.User})

	case *events.Message:
		env, ok := envelopeFromMessage(v, c.own())
		if !ok {
			L_trace("whatsapp: non-text message ignored", "id", v.Info.ID)
			return
		}
		c.send(adapter.MessageReceived{Envelope: env})

	case *events.KeepAliveTimeout:
		L_debug("whatsapp: server keepalive missed", "errors", v.ErrorCount, "lastSuccess", v.LastSuccess)

	case *events.KeepAliveRestored:
		L_debug("whatsapp: server keepalive restored")

	default:
		if closed, ok := closeFromEvent(evt); ok {
			c.send(closed)
		}
	}
}

// announce marks the account available so the server delivers messages and
// typing indicators work.
func (c *Client) announce() {
	if err := c.SendPresence(c.ctx, "", adapter.PresenceAvailable); err != nil {
		L_debug("whatsapp: initial presence failed", "error", err)
	}
}

func (c *Client) own() identity {
	var id identity
	if c.cli.Store.ID != nil {
		id.phone = c.cli.Store.ID.User
	}
	id.lid = c.cli.Store.LID.User
	return id
}

func (c *Client) send(ev adapter.Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.emit(ev)
}

// SendText sends a plain message and returns its id.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := parseAddress(to)
	if err != nil {
		return "", err
	}
	resp, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(FormatMessage(text)),
	})
	if err != nil {
		return "", fmt.Errorf("whatsapp: send to %s: %w", jid, err)
	}
	return resp.ID, nil
}

// SendReply sends text quoting the inbound message env.
func (c *Client) SendReply(ctx context.Context, env adapter.Envelope, text string) (string, error) {
	chat, err := parseAddress(env.Chat)
	if err != nil {
		return "", err
	}
	participant, err := parseAddress(env.Sender)
	if err != nil {
		return "", err
	}

	msg := &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(FormatMessage(text)),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(env.ID),
				Participant:   proto.String(participant.String()),
				QuotedMessage: &waE2E.Message{Conversation: proto.String(env.Text)},
			},
		},
	}
	resp, err := c.cli.SendMessage(ctx, chat, msg)
	if err != nil {
		return "", fmt.Errorf("whatsapp: reply to %s: %w", chat, err)
	}
	return resp.ID, nil
}

// SendPresence sets a chat's typing state, or with to == "" the account's
// availability. The latter doubles as the liveness probe.
func (c *Client) SendPresence(ctx context.Context, to string, p adapter.Presence) error {
	if to == "" || p == adapter.PresenceAvailable {
		if !c.cli.IsConnected() {
			return whatsmeow.ErrNotConnected
		}
		if c.cli.Store.PushName == "" {
			c.cli.Store.PushName = c.displayName()
		}
		return c.cli.SendPresence(ctx, types.PresenceAvailable)
	}

	jid, err := parseAddress(to)
	if err != nil {
		return err
	}
	state := types.ChatPresenceComposing
	if p == adapter.PresencePaused {
		state = types.ChatPresencePaused
	}
	return c.cli.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// Close disconnects and stops event delivery. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.cli.RemoveEventHandlers()
	c.cli.Disconnect()
}

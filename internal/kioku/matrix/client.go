// Package matrix connects Kioku to Matrix rooms: every text message from
// another user becomes a chat turn keyed by the sender's MXID, and the reply
// is posted back as a threaded reply.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kioku/common/trace"
	"github.com/bdobrica/Kioku/internal/kioku/chat"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

// Transport labels Matrix turns in metrics.
const Transport = "matrix"

const (
	errorReply       = "Sorry, I encountered an error while processing your message."
	rateLimitedReply = "You are sending messages too quickly. Please wait a moment and try again."
	typingTimeout    = 30 * time.Second
)

// Responder answers one message.
type Responder interface {
	Handle(ctx context.Context, transport, userID, text string) (string, error)
}

type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms restricts the bot to these room IDs. Empty means every room it
	// has joined.
	Rooms []string
	// AutoJoin accepts invites (to allowed rooms only, when Rooms is set).
	AutoJoin bool
	// DB persists the sync token. When nil an in-memory store is used and
	// messages sent while the bot was down are skipped.
	DB *sql.DB
}

type Client struct {
	client    *mautrix.Client
	cfg       Config
	responder Responder
	logger    *slog.Logger
	startedAt time.Time
}

func New(cfg Config, responder Responder, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if cfg.DB != nil {
		client.Store = NewDBSyncStore(cfg.DB)
	} else {
		logger.Warn("matrix: no database configured, sync position is not persisted")
	}
	return &Client{client: client, cfg: cfg, responder: responder, logger: logger}, nil
}

// Run joins the configured rooms and syncs until ctx is cancelled,
// reconnecting with exponential back-off on errors.
func (c *Client) Run(ctx context.Context) error {
	c.startedAt = time.Now()
	c.logger.Warn("matrix: E2EE is not enabled; messages are transmitted in plaintext")

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMembership)

	for _, roomID := range c.cfg.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("matrix: join room %s: %w", roomID, err)
		}
	}

	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		c.logger.Error("matrix: sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

func (c *Client) allowedRoom(roomID id.RoomID) bool {
	return len(c.cfg.Rooms) == 0 || slices.Contains(c.cfg.Rooms, roomID.String())
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText || msg.Body == "" {
		return
	}
	if !c.allowedRoom(evt.RoomID) {
		return
	}
	// Without a persisted sync token the first sync returns recent history.
	if !c.startedAt.IsZero() && time.UnixMilli(evt.Timestamp).Before(c.startedAt) {
		return
	}

	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := observability.WithTrace(ctx, c.logger).With("room", evt.RoomID, "sender", evt.Sender)

	if _, err := c.client.UserTyping(ctx, evt.RoomID, true, typingTimeout); err != nil {
		log.Debug("matrix: set typing failed", "err", err)
	}
	reply, err := c.responder.Handle(ctx, Transport, evt.Sender.String(), msg.Body)
	if _, terr := c.client.UserTyping(ctx, evt.RoomID, false, 0); terr != nil {
		log.Debug("matrix: clear typing failed", "err", terr)
	}
	if err != nil {
		reply = userFacingError(err)
		log.Warn("matrix: turn failed", "err", err)
	}

	if err := c.reply(ctx, evt.RoomID, evt.ID, reply); err != nil {
		log.Error("matrix: send reply failed", "err", err)
	}
}

func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	if !c.cfg.AutoJoin || evt.GetStateKey() != c.cfg.UserID {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !c.allowedRoom(evt.RoomID) {
		c.logger.Info("matrix: ignoring invite to a room outside the allowlist", "room", evt.RoomID, "inviter", evt.Sender)
		return
	}
	if err := c.joinRoom(ctx, evt.RoomID); err != nil {
		c.logger.Error("matrix: accept invite failed", "room", evt.RoomID, "err", err)
		return
	}
	c.logger.Info("matrix: joined room", "room", evt.RoomID, "inviter", evt.Sender)
}

func (c *Client) reply(ctx context.Context, roomID id.RoomID, eventID id.EventID, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: eventID},
		},
	}
	if _, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send reply: %w", err)
	}
	return nil
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// Homeservers answer M_FORBIDDEN when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			c.logger.Warn("matrix: join forbidden or already a member, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// userFacingError turns a failed turn into a message for the room.
func userFacingError(err error) string {
	var ve *memory.ValidationError
	switch {
	case errors.Is(err, chat.ErrRateLimited):
		return rateLimitedReply
	case errors.As(err, &ve):
		return "I could not process that: " + ve.Reason + "."
	default:
		return errorReply
	}
}

// Package matrix provides the per-persona Matrix session: event delivery,
// message sending and editing, and the room-moderation primitives the
// warning ledger escalates through.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// moderatorPowerLevel is the minimum power level treated as "admin" for
// the moderation exemption. 50 is the conventional Matrix moderator level.
const moderatorPowerLevel = 50

// Config holds one persona session's connection settings.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms the persona joins on startup.
	Rooms []string
	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts.  When nil, an in-memory store is
	// used and all room history will be replayed on every restart.
	DB *sql.DB
}

// Client wraps one mautrix session.
type Client struct {
	client      *mautrix.Client
	config      *Config
	stopCh      chan struct{}
	msgHandler  MessageHandler
	joinHandler JoinHandler
}

// MessageHandler processes incoming Matrix text messages.
type MessageHandler func(ctx context.Context, evt *event.Event)

// JoinHandler is invoked when a user's membership in a room becomes
// "join". Used to detect previously banned users being reinstated.
type JoinHandler func(ctx context.Context, roomID, userID string)

// New creates a Matrix session for one persona.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	// Attach a persistent sync store so the session resumes from the last
	// known position after a restart instead of replaying the full room
	// history (which would re-answer old messages).
	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		slog.Info("Matrix sync store: using persistent SQLite store", "user_id", config.UserID)
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)",
			"user_id", config.UserID)
	}

	return c, nil
}

// Start joins the configured rooms and begins syncing in the background.
func (c *Client) Start(ctx context.Context, onMessage MessageHandler, onJoin JoinHandler) error {
	c.msgHandler = onMessage
	c.joinHandler = onJoin

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMembership)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	// Start syncing in background with exponential back-off reconnection.
	// Without retries a transient homeserver error would silently kill the
	// sync goroutine and leave the persona deaf to all new messages.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin // reset before each attempt
			if err := c.client.Sync(); err != nil {
				// Check whether Stop() was called; if so, exit cleanly.
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("Matrix sync stopped; reconnecting",
					"user_id", c.config.UserID, "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil — only happens on a clean StopSync() call.
			return
		}
	}()

	return nil
}

// Stop terminates the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// SendText sends a plain text message and returns the new event ID, which
// the pipeline keeps so the message can be edited with streamed updates.
func (c *Client) SendText(ctx context.Context, roomID, text string) (string, error) {
	resp, err := c.client.SendText(ctx, id.RoomID(roomID), text)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.EventID.String(), nil
}

// EditMessage replaces the body of a previously sent message using the
// m.replace relation. Used for streaming partial updates and the final
// answer.
func (c *Client) EditMessage(ctx context.Context, roomID, targetEventID, newText string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    newText,
	}
	content.SetEdit(id.EventID(targetEventID))

	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

// SendNotice sends a notice message (less intrusive than normal messages).
// Sanction notices use this type so they are visually distinct from chat.
func (c *Client) SendNotice(ctx context.Context, roomID, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}

	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// SetTyping sets the typing indicator while a response is being generated.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	_, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout)
	if err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

// IsAdmin reports whether the user holds at least moderator power in the
// room, read from the room's power-levels state.
func (c *Client) IsAdmin(ctx context.Context, userID, roomID string) (bool, error) {
	var levels event.PowerLevelsEventContent
	err := c.client.StateEvent(ctx, id.RoomID(roomID), event.StatePowerLevels, "", &levels)
	if err != nil {
		return false, fmt.Errorf("failed to get power levels: %w", err)
	}
	return levels.GetUserLevel(id.UserID(userID)) >= moderatorPowerLevel, nil
}

// IsMember reports whether the user is currently joined to the room.
func (c *Client) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	resp, err := c.client.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return false, fmt.Errorf("failed to get joined members: %w", err)
	}
	_, joined := resp.Joined[id.UserID(userID)]
	return joined, nil
}

// Restrict revokes the user's ability to post by dropping their power
// level below the room's events_default. Matrix has no native timed mute;
// the until time is persisted by the caller and the restriction lifted by
// the mute sweep.
func (c *Client) Restrict(ctx context.Context, userID, roomID string, _ time.Time) error {
	return c.setUserLevel(ctx, id.RoomID(roomID), id.UserID(userID), -1)
}

// Unrestrict restores the user's default power level after a mute expires.
func (c *Client) Unrestrict(ctx context.Context, userID, roomID string) error {
	return c.setUserLevel(ctx, id.RoomID(roomID), id.UserID(userID), 0)
}

// Remove kicks the user from the room. They can rejoin.
func (c *Client) Remove(ctx context.Context, userID, roomID, reason string) error {
	_, err := c.client.KickUser(ctx, id.RoomID(roomID), &mautrix.ReqKickUser{
		UserID: id.UserID(userID),
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("failed to kick user: %w", err)
	}
	return nil
}

// Ban bans the user from the room.
func (c *Client) Ban(ctx context.Context, userID, roomID, reason string) error {
	_, err := c.client.BanUser(ctx, id.RoomID(roomID), &mautrix.ReqBanUser{
		UserID: id.UserID(userID),
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("failed to ban user: %w", err)
	}
	return nil
}

// Unban lifts a room ban. Only reachable through operator tooling; the
// ledger never unbans on its own.
func (c *Client) Unban(ctx context.Context, userID, roomID string) error {
	_, err := c.client.UnbanUser(ctx, id.RoomID(roomID), &mautrix.ReqUnbanUser{
		UserID: id.UserID(userID),
	})
	if err != nil {
		return fmt.Errorf("failed to unban user: %w", err)
	}
	return nil
}

// RoomName returns the room's display name, or "" when unset.
func (c *Client) RoomName(ctx context.Context, roomID string) (string, error) {
	var name event.RoomNameEventContent
	err := c.client.StateEvent(ctx, id.RoomID(roomID), event.StateRoomName, "", &name)
	if err != nil {
		return "", fmt.Errorf("failed to get room name: %w", err)
	}
	return name.Name, nil
}

// UserID returns the session's own Matrix user ID.
func (c *Client) UserID() string {
	return c.config.UserID
}

// setUserLevel rewrites the room power-levels state with the user pinned
// at the given level.
func (c *Client) setUserLevel(ctx context.Context, roomID id.RoomID, userID id.UserID, level int) error {
	var levels event.PowerLevelsEventContent
	if err := c.client.StateEvent(ctx, roomID, event.StatePowerLevels, "", &levels); err != nil {
		return fmt.Errorf("failed to get power levels: %w", err)
	}

	levels.SetUserLevel(userID, level)

	if _, err := c.client.SendStateEvent(ctx, roomID, event.StatePowerLevels, "", &levels); err != nil {
		return fmt.Errorf("failed to set power levels: %w", err)
	}
	return nil
}

// handleMessage filters incoming events down to foreign text messages and
// forwards them to the registered handler.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	// Ignore our own messages
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}

	// Only process text messages
	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.MsgType != event.MsgText {
		return
	}

	if c.msgHandler != nil {
		c.msgHandler(ctx, evt)
	}
}

// handleMembership forwards join transitions so the moderation layer can
// detect reinstated users.
func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipJoin {
		return
	}
	if evt.GetStateKey() == c.config.UserID {
		return
	}

	if c.joinHandler != nil {
		c.joinHandler(ctx, evt.RoomID.String(), evt.GetStateKey())
	}
}

// joinRoom attempts to join a room.
func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the session is already
		// a member of the room. Use mautrix's typed error check instead of
		// string matching.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

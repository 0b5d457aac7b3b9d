package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Aramaki/common/crypto"
	"github.com/bdobrica/Aramaki/internal/aramaki/memory"
)

// Compile-time assertion that Store satisfies the memory persistence
// interface.
var _ memory.Store = (*Store)(nil)

// conversationDoc is the JSON payload stored per conversation row. The key
// columns stay outside the payload so lookups never need decryption.
type conversationDoc struct {
	Messages []memory.Message `json:"messages"`
	Summary  string           `json:"summary,omitempty"`
}

// GetConversation loads the conversation for the given key. Returns
// (nil, nil) when no conversation exists yet.
//
// A payload that cannot be decrypted (key rotated, row written by a
// differently-keyed deployment) is logged and treated as absent rather
// than failing the message pipeline.
func (s *Store) GetConversation(ctx context.Context, key memory.Key) (*memory.Conversation, error) {
	var (
		payload    []byte
		encrypted  bool
		lastActive time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, encrypted, last_active
		FROM conversations
		WHERE user_id = ? AND room_id = ? AND agent_id = ?
	`, key.UserID, key.RoomID, key.AgentID).Scan(&payload, &encrypted, &lastActive)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	if encrypted {
		if s.key == nil {
			slog.Warn("encrypted conversation but no master key configured, treating as empty",
				"user_id", key.UserID, "room_id", key.RoomID, "agent_id", key.AgentID)
			return nil, nil
		}
		payload, err = crypto.Decrypt(s.key, payload)
		if err != nil {
			slog.Warn("conversation payload failed to decrypt, treating as empty",
				"user_id", key.UserID, "room_id", key.RoomID, "agent_id", key.AgentID, "err", err)
			return nil, nil
		}
	}

	var doc conversationDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		slog.Warn("conversation payload failed to decode, treating as empty",
			"user_id", key.UserID, "room_id", key.RoomID, "agent_id", key.AgentID, "err", err)
		return nil, nil
	}

	return &memory.Conversation{
		Key:        key,
		Messages:   doc.Messages,
		Summary:    doc.Summary,
		LastActive: lastActive,
	}, nil
}

// SaveConversation upserts the conversation row, encrypting the payload
// when a master key is configured.
func (s *Store) SaveConversation(ctx context.Context, conv *memory.Conversation) error {
	payload, err := json.Marshal(conversationDoc{
		Messages: conv.Messages,
		Summary:  conv.Summary,
	})
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	encrypted := false
	if s.key != nil {
		payload, err = crypto.Encrypt(s.key, payload)
		if err != nil {
			return fmt.Errorf("failed to encrypt conversation: %w", err)
		}
		encrypted = true
	}

	lastActive := conv.LastActive
	if lastActive.IsZero() {
		lastActive = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, room_id, agent_id, payload, encrypted, last_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, room_id, agent_id) DO UPDATE SET
			payload = excluded.payload,
			encrypted = excluded.encrypted,
			last_active = excluded.last_active,
			updated_at = excluded.updated_at
	`, conv.Key.UserID, conv.Key.RoomID, conv.Key.AgentID, payload, encrypted, lastActive, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	return nil
}

// DeleteConversation removes the row entirely. Deleting a missing
// conversation is a no-op.
func (s *Store) DeleteConversation(ctx context.Context, key memory.Key) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE user_id = ? AND room_id = ? AND agent_id = ?
	`, key.UserID, key.RoomID, key.AgentID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// ConversationCount returns the number of stored conversations.
func (s *Store) ConversationCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return count, nil
}

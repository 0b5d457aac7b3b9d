package store

import (
	"context"
	"fmt"
	"time"
)

// ModerationEntry is one row of the append-only moderation log.
type ModerationEntry struct {
	ID        int64
	RoomID    string
	UserID    string
	Action    string
	Reason    string
	Issuer    string
	CreatedAt time.Time
}

// AppendModerationLog records a sanction or lifecycle event. The log is
// append-only; rows are never updated or deleted.
func (s *Store) AppendModerationLog(ctx context.Context, entry ModerationEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moderation_log (room_id, user_id, action, reason, issuer, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.RoomID, entry.UserID, entry.Action, entry.Reason, entry.Issuer, createdAt)
	if err != nil {
		return fmt.Errorf("failed to append moderation log: %w", err)
	}
	return nil
}

// RecentModerationLog returns the newest entries for a (room, participant)
// pair, newest first.
func (s *Store) RecentModerationLog(ctx context.Context, roomID, userID string, limit int) ([]ModerationEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, action, reason, issuer, created_at
		FROM moderation_log
		WHERE room_id = ? AND user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, roomID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query moderation log: %w", err)
	}
	defer rows.Close()

	var entries []ModerationEntry
	for rows.Next() {
		var e ModerationEntry
		if err := rows.Scan(&e.ID, &e.RoomID, &e.UserID, &e.Action, &e.Reason, &e.Issuer, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan moderation log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating moderation log: %w", err)
	}
	return entries, nil
}

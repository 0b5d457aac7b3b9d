package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bdobrica/Aramaki/internal/aramaki/moderation"
)

// Compile-time assertion that Store satisfies the warning ledger's
// persistence interface.
var _ moderation.WarningStore = (*Store)(nil)

// GetWarnings loads the warning record for a (participant, room) pair.
// Returns (nil, nil) when no record exists yet.
func (s *Store) GetWarnings(ctx context.Context, userID, roomID string) (*moderation.Record, error) {
	var (
		eventsJSON string
		banned     bool
		banDate    sql.NullTime
		banReason  string
		mutedUntil sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT events, banned, ban_date, ban_reason, muted_until
		FROM warnings
		WHERE user_id = ? AND room_id = ?
	`, userID, roomID).Scan(&eventsJSON, &banned, &banDate, &banReason, &mutedUntil)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get warnings: %w", err)
	}

	var events []moderation.WarningEvent
	if err := json.Unmarshal([]byte(eventsJSON), &events); err != nil {
		return nil, fmt.Errorf("failed to decode warning events: %w", err)
	}

	rec := &moderation.Record{
		UserID:    userID,
		RoomID:    roomID,
		Events:    events,
		Banned:    banned,
		BanReason: banReason,
	}
	if banDate.Valid {
		rec.BanDate = banDate.Time
	}
	if mutedUntil.Valid {
		rec.MutedUntil = mutedUntil.Time
	}
	return rec, nil
}

// SaveWarnings upserts the warning record.
func (s *Store) SaveWarnings(ctx context.Context, rec *moderation.Record) error {
	events := rec.Events
	if events == nil {
		events = []moderation.WarningEvent{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to encode warning events: %w", err)
	}

	banDate := sql.NullTime{Time: rec.BanDate, Valid: !rec.BanDate.IsZero()}
	mutedUntil := sql.NullTime{Time: rec.MutedUntil, Valid: !rec.MutedUntil.IsZero()}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO warnings (user_id, room_id, events, banned, ban_date, ban_reason, muted_until, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, room_id) DO UPDATE SET
			events = excluded.events,
			banned = excluded.banned,
			ban_date = excluded.ban_date,
			ban_reason = excluded.ban_reason,
			muted_until = excluded.muted_until,
			updated_at = excluded.updated_at
	`, rec.UserID, rec.RoomID, string(eventsJSON), rec.Banned, banDate, rec.BanReason, mutedUntil, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save warnings: %w", err)
	}

	return nil
}

// MutedEntry identifies one participant whose temporary mute has a
// recorded end time.
type MutedEntry struct {
	UserID     string
	RoomID     string
	MutedUntil time.Time
}

// ListExpiredMutes returns every mute whose end time is at or before now.
// The caller lifts the platform restriction and then calls ClearMute.
func (s *Store) ListExpiredMutes(ctx context.Context, now time.Time) ([]MutedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, room_id, muted_until
		FROM warnings
		WHERE muted_until IS NOT NULL AND muted_until <= ?
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired mutes: %w", err)
	}
	defer rows.Close()

	var entries []MutedEntry
	for rows.Next() {
		var e MutedEntry
		if err := rows.Scan(&e.UserID, &e.RoomID, &e.MutedUntil); err != nil {
			return nil, fmt.Errorf("failed to scan expired mute: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired mutes: %w", err)
	}
	return entries, nil
}

// ClearMute clears the recorded mute end time after the restriction has
// been lifted.
func (s *Store) ClearMute(ctx context.Context, userID, roomID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE warnings
		SET muted_until = NULL, updated_at = ?
		WHERE user_id = ? AND room_id = ?
	`, time.Now(), userID, roomID)
	if err != nil {
		return fmt.Errorf("failed to clear mute: %w", err)
	}
	return nil
}

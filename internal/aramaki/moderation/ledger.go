package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// State is the escalation stage of one (participant, room) pair, derived
// from the non-expired warning count and the ban flag.
type State int

const (
	StateClean State = iota
	StateWarned
	StateMutePending
	StateKickPending
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateWarned:
		return "warned"
	case StateMutePending:
		return "mute_pending"
	case StateKickPending:
		return "kick_pending"
	case StateBanned:
		return "banned"
	default:
		return "clean"
	}
}

// Config holds the ledger's escalation tunables.
type Config struct {
	// TempMuteThreshold is the warning count at which a time-bounded mute
	// is applied. Default: 3.
	TempMuteThreshold int
	// KickThreshold is the warning count at which the subject is removed
	// from the room. Default: 4.
	KickThreshold int
	// BanThreshold is the warning count at which the subject is banned.
	// Default: 5.
	BanThreshold int
	// WarningExpiry is how long a warning counts before it ages out.
	// Default: 30 days.
	WarningExpiry time.Duration
	// MuteDuration is how long a threshold mute lasts. Default: 1 hour.
	MuteDuration time.Duration
}

// DefaultLedgerConfig returns a Config with the documented defaults.
func DefaultLedgerConfig() Config {
	return Config{
		TempMuteThreshold: 3,
		KickThreshold:     4,
		BanThreshold:      5,
		WarningExpiry:     30 * 24 * time.Hour,
		MuteDuration:      time.Hour,
	}
}

// WarningEvent is one recorded violation.
type WarningEvent struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	IssuerID  string    `json:"issuer_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the warning ledger document for one (participant, room) pair.
// The warning count is always derived from Events after an expiry sweep,
// never stored separately.
type Record struct {
	UserID     string
	RoomID     string
	Events     []WarningEvent
	Banned     bool
	BanDate    time.Time
	BanReason  string
	MutedUntil time.Time // zero when not muted; cleared by the mute sweep
}

// Count returns the current warning count.
func (r *Record) Count() int { return len(r.Events) }

// LastWarningDate returns the timestamp of the newest event, or zero.
func (r *Record) LastWarningDate() time.Time {
	if len(r.Events) == 0 {
		return time.Time{}
	}
	return r.Events[len(r.Events)-1].Timestamp
}

// WarningStore is the persistence surface the ledger needs. GetWarnings
// returns (nil, nil) when no record exists yet.
type WarningStore interface {
	GetWarnings(ctx context.Context, userID, roomID string) (*Record, error)
	SaveWarnings(ctx context.Context, rec *Record) error
}

// Sanctioner executes threshold actions against the platform. Each call is
// made exactly once per threshold crossing; failures are reported in the
// Outcome, never retried, and never crash the pipeline.
type Sanctioner interface {
	// Restrict revokes the subject's ability to post until the given time.
	Restrict(ctx context.Context, userID, roomID string, until time.Time) error
	// Remove kicks the subject from the room (rejoining is allowed).
	Remove(ctx context.Context, userID, roomID, reason string) error
	// Ban permanently bans the subject from the room.
	Ban(ctx context.Context, userID, roomID, reason string) error
	// Unban reverses a platform ban. Called on explicit reinstatement and
	// administrative resets; never by the automatic expiry sweep.
	Unban(ctx context.Context, userID, roomID string) error
}

// MembershipChecker answers whether a participant is currently a member of
// a room. Used for reinstatement detection.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
}

// EventSink receives every sanction and lifecycle event for the moderation
// log. Implementations must not block or fail the caller.
type EventSink interface {
	RecordModeration(ctx context.Context, roomID, userID, action, reason, issuer string)
}

// Sanction identifies which threshold action an AddWarning call executed.
type Sanction string

const (
	SanctionNone   Sanction = ""
	SanctionWarn   Sanction = "warn"
	SanctionMute   Sanction = "mute"
	SanctionRemove Sanction = "remove"
	SanctionBan    Sanction = "ban"
)

// Outcome reports what one AddWarning call did.
type Outcome struct {
	State       State
	Count       int
	Sanction    Sanction
	Reinstated  bool  // a prior ban was reset before this warning was added
	SanctionErr error // non-nil when the threshold action failed
}

// Ledger is the escalation state machine. It is safe for concurrent use as
// long as callers serialize operations per (participant, room) key — the
// gateway's per-conversation serializer provides that.
type Ledger struct {
	store     WarningStore
	sanctions Sanctioner
	members   MembershipChecker
	sink      EventSink
	config    Config

	now func() time.Time // injectable clock for tests
}

// NewLedger creates a Ledger. members and sink may be nil (reinstatement
// detection and moderation logging are then disabled).
func NewLedger(store WarningStore, sanctions Sanctioner, members MembershipChecker, sink EventSink, cfg Config) *Ledger {
	def := DefaultLedgerConfig()
	if cfg.TempMuteThreshold <= 0 {
		cfg.TempMuteThreshold = def.TempMuteThreshold
	}
	if cfg.KickThreshold <= 0 {
		cfg.KickThreshold = def.KickThreshold
	}
	if cfg.BanThreshold <= 0 {
		cfg.BanThreshold = def.BanThreshold
	}
	if cfg.WarningExpiry <= 0 {
		cfg.WarningExpiry = def.WarningExpiry
	}
	if cfg.MuteDuration <= 0 {
		cfg.MuteDuration = def.MuteDuration
	}
	return &Ledger{
		store:     store,
		sanctions: sanctions,
		members:   members,
		sink:      sink,
		config:    cfg,
		now:       time.Now,
	}
}

// AddWarning records a violation and evaluates threshold actions.
//
// When the subject is currently banned, a reinstatement check runs first:
// if the external membership probe says they are back in the room, the
// whole record is reset before the new warning is appended. Expired
// warnings are swept on every call, so the count only ever reflects
// violations inside the retention window.
func (l *Ledger) AddWarning(ctx context.Context, roomID, userID, reason, issuer string) (Outcome, error) {
	rec, err := l.loadOrCreate(ctx, roomID, userID)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome

	if rec.Banned && l.isMemberAgain(ctx, rec) {
		l.resetRecord(rec)
		out.Reinstated = true
		l.record(ctx, roomID, userID, "reinstated", "subject rejoined after ban", issuer)
	}

	l.sweepExpired(rec)

	rec.Events = append(rec.Events, WarningEvent{
		ID:        uuid.New().String(),
		Reason:    reason,
		IssuerID:  issuer,
		Timestamp: l.now(),
	})
	out.Count = rec.Count()

	out.Sanction, out.SanctionErr = l.applyThreshold(ctx, rec, reason)
	out.State = l.stateFor(rec)

	if err := l.store.SaveWarnings(ctx, rec); err != nil {
		return out, fmt.Errorf("moderation: save warning record: %w", err)
	}

	l.record(ctx, roomID, userID, string(out.Sanction), reason, issuer)
	return out, nil
}

// ApplyVerdict translates a classifier verdict into ledger operations.
// The boolean reports whether the verdict produced a sanction — when false
// the message should be answered normally. An immediate ban verdict
// bypasses the escalation counter entirely.
func (l *Ledger) ApplyVerdict(ctx context.Context, v Verdict, roomID, issuer string) (Outcome, bool, error) {
	switch v.Action {
	case ActionWarn:
		out, err := l.AddWarning(ctx, roomID, v.SubjectID, v.Reason, issuer)
		return out, true, err

	case ActionBan:
		out, err := l.banDirect(ctx, roomID, v.SubjectID, v.Reason, issuer)
		return out, true, err

	default:
		return Outcome{}, false, nil
	}
}

// banDirect applies an immediate ban without walking the warning
// escalation. The record still gets a uuid-stamped event so the ban is
// auditable in the same place as escalated ones.
func (l *Ledger) banDirect(ctx context.Context, roomID, userID, reason, issuer string) (Outcome, error) {
	rec, err := l.loadOrCreate(ctx, roomID, userID)
	if err != nil {
		return Outcome{}, err
	}
	l.sweepExpired(rec)

	rec.Events = append(rec.Events, WarningEvent{
		ID:        uuid.New().String(),
		Reason:    reason,
		IssuerID:  issuer,
		Timestamp: l.now(),
	})

	sanctionErr := l.sanctions.Ban(ctx, userID, roomID, reason)
	if sanctionErr != nil {
		slog.Error("moderation: direct ban action failed",
			"room_id", roomID, "user_id", userID, "err", sanctionErr)
	}
	rec.Banned = true
	rec.BanDate = l.now()
	rec.BanReason = reason

	out := Outcome{State: StateBanned, Count: rec.Count(), Sanction: SanctionBan, SanctionErr: sanctionErr}
	if err := l.store.SaveWarnings(ctx, rec); err != nil {
		return out, fmt.Errorf("moderation: save warning record: %w", err)
	}
	l.record(ctx, roomID, userID, string(SanctionBan), reason, issuer)
	return out, nil
}

// applyThreshold executes the threshold action for the record's current
// count and mutates the record's ban/mute fields accordingly.
func (l *Ledger) applyThreshold(ctx context.Context, rec *Record, reason string) (Sanction, error) {
	count := rec.Count()
	switch {
	case count >= l.config.BanThreshold:
		err := l.sanctions.Ban(ctx, rec.UserID, rec.RoomID, reason)
		if err != nil {
			slog.Error("moderation: ban action failed",
				"room_id", rec.RoomID, "user_id", rec.UserID, "err", err)
		}
		// The internal ban state is recorded even when the platform call
		// failed, so a later retry path can reconcile.
		rec.Banned = true
		rec.BanDate = l.now()
		rec.BanReason = reason
		return SanctionBan, err

	case count >= l.config.KickThreshold:
		err := l.sanctions.Remove(ctx, rec.UserID, rec.RoomID, reason)
		if err != nil {
			slog.Error("moderation: remove action failed",
				"room_id", rec.RoomID, "user_id", rec.UserID, "err", err)
		}
		return SanctionRemove, err

	case count >= l.config.TempMuteThreshold:
		until := l.now().Add(l.config.MuteDuration)
		err := l.sanctions.Restrict(ctx, rec.UserID, rec.RoomID, until)
		if err != nil {
			slog.Error("moderation: mute action failed",
				"room_id", rec.RoomID, "user_id", rec.UserID, "err", err)
		} else {
			rec.MutedUntil = until
		}
		return SanctionMute, err

	default:
		return SanctionWarn, nil
	}
}

// Status returns the swept state and count for a (participant, room) pair.
// The expiry sweep runs as a side effect: when it changes the record (aged
// events dropped, stale ban flag cleared), the record is persisted.
func (l *Ledger) Status(ctx context.Context, roomID, userID string) (State, int, error) {
	rec, err := l.store.GetWarnings(ctx, userID, roomID)
	if err != nil {
		return StateClean, 0, fmt.Errorf("moderation: load warning record: %w", err)
	}
	if rec == nil {
		return StateClean, 0, nil
	}

	if l.sweepExpired(rec) {
		if err := l.store.SaveWarnings(ctx, rec); err != nil {
			return l.stateFor(rec), rec.Count(), fmt.Errorf("moderation: save swept record: %w", err)
		}
	}
	return l.stateFor(rec), rec.Count(), nil
}

// Reinstate resets the subject's warning state after they are observed back
// in the room. Called from the membership-event path when a previously
// banned subject rejoins.
func (l *Ledger) Reinstate(ctx context.Context, roomID, userID string) error {
	rec, err := l.store.GetWarnings(ctx, userID, roomID)
	if err != nil {
		return fmt.Errorf("moderation: load warning record: %w", err)
	}
	if rec == nil {
		return nil
	}

	l.liftBan(ctx, rec)
	l.resetRecord(rec)
	if err := l.store.SaveWarnings(ctx, rec); err != nil {
		return fmt.Errorf("moderation: save reinstated record: %w", err)
	}
	l.record(ctx, roomID, userID, "reinstated", "subject rejoined after ban", "")
	return nil
}

// ClearWarnings is the explicit administrative reset: zero warnings, no
// ban state.
func (l *Ledger) ClearWarnings(ctx context.Context, roomID, userID, issuer string) error {
	rec, err := l.store.GetWarnings(ctx, userID, roomID)
	if err != nil {
		return fmt.Errorf("moderation: load warning record: %w", err)
	}
	if rec == nil {
		return nil
	}

	l.liftBan(ctx, rec)
	l.resetRecord(rec)
	if err := l.store.SaveWarnings(ctx, rec); err != nil {
		return fmt.Errorf("moderation: save cleared record: %w", err)
	}
	l.record(ctx, roomID, userID, "cleared", "warnings cleared by administrator", issuer)
	return nil
}

// liftBan reverses the platform ban for a banned record. The reset
// proceeds even when the platform call fails (the subject may already be
// unbanned, or never platform-banned at all).
func (l *Ledger) liftBan(ctx context.Context, rec *Record) {
	if !rec.Banned {
		return
	}
	if err := l.sanctions.Unban(ctx, rec.UserID, rec.RoomID); err != nil {
		slog.Warn("moderation: unban failed during reinstatement",
			"room_id", rec.RoomID, "user_id", rec.UserID, "err", err)
	}
}

// sweepExpired drops events older than the retention window and clears a
// ban flag the remaining count no longer supports. Returns true when the
// record changed.
//
// Clearing the flag does NOT reverse a platform-level ban already applied;
// that reconciliation is an operator decision, so the sweep only logs it.
func (l *Ledger) sweepExpired(rec *Record) bool {
	cutoff := l.now().Add(-l.config.WarningExpiry)

	kept := rec.Events[:0]
	for _, ev := range rec.Events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	changed := len(kept) != len(rec.Events)
	rec.Events = kept

	if rec.Banned && rec.Count() < l.config.BanThreshold && changed {
		rec.Banned = false
		rec.BanReason = ""
		rec.BanDate = time.Time{}
		slog.Info("moderation: ban flag cleared by warning expiry; platform ban left in place",
			"room_id", rec.RoomID, "user_id", rec.UserID, "count", rec.Count())
	}
	return changed
}

// isMemberAgain probes the external membership check. A failed probe
// defaults to "not a member" so a flaky homeserver cannot mass-reinstate
// banned subjects.
func (l *Ledger) isMemberAgain(ctx context.Context, rec *Record) bool {
	if l.members == nil {
		return false
	}
	member, err := l.members.IsMember(ctx, rec.UserID, rec.RoomID)
	if err != nil {
		slog.Warn("moderation: membership check failed, assuming not member",
			"room_id", rec.RoomID, "user_id", rec.UserID, "err", err)
		return false
	}
	return member
}

// resetRecord zeroes all warning and ban state in place.
func (l *Ledger) resetRecord(rec *Record) {
	rec.Events = nil
	rec.Banned = false
	rec.BanReason = ""
	rec.BanDate = time.Time{}
	rec.MutedUntil = time.Time{}
}

// loadOrCreate fetches the record for the pair, creating a fresh one when
// none exists yet.
func (l *Ledger) loadOrCreate(ctx context.Context, roomID, userID string) (*Record, error) {
	rec, err := l.store.GetWarnings(ctx, userID, roomID)
	if err != nil {
		return nil, fmt.Errorf("moderation: load warning record: %w", err)
	}
	if rec == nil {
		rec = &Record{UserID: userID, RoomID: roomID}
	}
	return rec, nil
}

// stateFor derives the escalation state from a swept record.
func (l *Ledger) stateFor(rec *Record) State {
	count := rec.Count()
	switch {
	case rec.Banned || count >= l.config.BanThreshold:
		return StateBanned
	case count >= l.config.KickThreshold:
		return StateKickPending
	case count >= l.config.TempMuteThreshold:
		return StateMutePending
	case count >= 1:
		return StateWarned
	default:
		return StateClean
	}
}

// record forwards a moderation event to the sink when one is configured.
func (l *Ledger) record(ctx context.Context, roomID, userID, action, reason, issuer string) {
	if l.sink == nil || action == "" {
		return
	}
	l.sink.RecordModeration(ctx, roomID, userID, action, reason, issuer)
}

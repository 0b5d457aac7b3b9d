// Package audit provides the moderation-log room notification subsystem.
//
// When configured with a Matrix room ID (ARAMAKI_AUDIT_ROOM), the gateway
// posts concise human-readable summaries of moderation and pipeline events
// to that room so operators can monitor activity without tailing the
// SQLite moderation log.
//
// Supported event types (Event.Kind):
//   - KindWarned, KindMuted, KindUnmuted, KindRemoved, KindBanned,
//     KindReinstated, KindCleared
//   - KindGenerationTimeout
//   - KindError
//
// All events include the originating trace ID so operators can correlate a
// notice with the structured log stream.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Aramaki/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindWarned            Kind = "moderation.warned"
	KindMuted             Kind = "moderation.muted"
	KindUnmuted           Kind = "moderation.unmuted"
	KindRemoved           Kind = "moderation.removed"
	KindBanned            Kind = "moderation.banned"
	KindReinstated        Kind = "moderation.reinstated"
	KindCleared           Kind = "moderation.cleared"
	KindGenerationTimeout Kind = "generation.timeout"
	KindError             Kind = "error"
)

// Event carries the data that the audit notifier formats and sends.
type Event struct {
	// Kind identifies the type of event.
	Kind Kind
	// Actor is the Matrix user ID that triggered the event (usually the
	// persona that issued a sanction).
	Actor string
	// Target is the participant the event concerns.
	Target string
	// Message is a human-friendly description of what happened.
	Message string
	// TraceID ties the notification back to the structured logs.
	// When empty the value is taken from the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends audit room notifications for moderation and pipeline
// events.
type Notifier interface {
	// Notify posts an audit event. Implementations MUST NOT block the caller
	// for longer than a short timeout; send failures should be logged, not
	// propagated.
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
// Defined as an interface so the notifier can be unit-tested independently.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix audit room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt as a human-readable notice and posts it to the audit room.
// Errors are logged at WARN level; the caller is never blocked.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, evt.Target, evt.Message)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}
	if evt.Actor != "" {
		msg = fmt.Sprintf("%s\n  actor: %s", msg, evt.Actor)
	}

	if err := n.sender.SendNotice(ctx, n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
	} else {
		slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
	}
}

// Noop is a no-op Notifier used when audit room notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// kindIcon returns a Unicode icon for the event kind.
func kindIcon(k Kind) string {
	switch k {
	case KindWarned:
		return "⚠️"
	case KindMuted:
		return "🔇"
	case KindUnmuted:
		return "🔊"
	case KindRemoved:
		return "👢"
	case KindBanned:
		return "⛔"
	case KindReinstated:
		return "🟢"
	case KindCleared:
		return "✅"
	case KindGenerationTimeout:
		return "⏱️"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}

package audit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bdobrica/Aramaki/common/trace"
)

// fakeSender captures notices instead of sending them.
type fakeSender struct {
	rooms    []string
	messages []string
	err      error
}

func (f *fakeSender) SendNotice(_ context.Context, roomID, message string) error {
	f.rooms = append(f.rooms, roomID)
	f.messages = append(f.messages, message)
	return f.err
}

func TestNotifyFormatsEvent(t *testing.T) {
	sender := &fakeSender{}
	n := NewMatrixNotifier(sender, "!audit:example.org")

	n.Notify(context.Background(), Event{
		Kind:    KindMuted,
		Actor:   "@persona:example.org",
		Target:  "@troll:example.org",
		Message: "muted for 1h after 3 warnings",
		TraceID: "t_abc123",
	})

	if len(sender.messages) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(sender.messages))
	}
	if sender.rooms[0] != "!audit:example.org" {
		t.Errorf("room = %q", sender.rooms[0])
	}

	msg := sender.messages[0]
	for _, want := range []string{"@troll:example.org", "muted for 1h", "t_abc123", "@persona:example.org"} {
		if !strings.Contains(msg, want) {
			t.Errorf("notice missing %q:\n%s", want, msg)
		}
	}
}

func TestNotifyTraceFromContext(t *testing.T) {
	sender := &fakeSender{}
	n := NewMatrixNotifier(sender, "!audit:example.org")

	ctx := trace.WithTraceID(context.Background(), "t_fromctx")
	n.Notify(ctx, Event{Kind: KindWarned, Message: "warned"})

	if len(sender.messages) != 1 {
		t.Fatal("expected a notice")
	}
	if !strings.Contains(sender.messages[0], "t_fromctx") {
		t.Errorf("context trace ID missing:\n%s", sender.messages[0])
	}
}

func TestNotifyEmptyRoomIsNoop(t *testing.T) {
	sender := &fakeSender{}
	n := NewMatrixNotifier(sender, "")

	n.Notify(context.Background(), Event{Kind: KindError, Message: "x"})

	if len(sender.messages) != 0 {
		t.Error("notice sent despite no room configured")
	}
}

func TestNotifySendFailureDoesNotPanic(t *testing.T) {
	sender := &fakeSender{err: errors.New("homeserver down")}
	n := NewMatrixNotifier(sender, "!audit:example.org")

	// Must log and return, not propagate.
	n.Notify(context.Background(), Event{Kind: KindBanned, Message: "banned"})
}

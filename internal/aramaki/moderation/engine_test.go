package moderation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bdobrica/Aramaki/internal/aramaki/llm"
)

// fakeGenerator returns a scripted reply (or error) and records the request
// it was called with.
type fakeGenerator struct {
	reply  string
	err    error
	called bool
	lastRequest llm.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.Request, _ func(string)) (string, error) {
	f.called = true
	f.lastRequest = req
	return f.reply, f.err
}

// fakeAdminChecker reports a fixed set of admins.
type fakeAdminChecker struct {
	admins map[string]bool
	err    error
}

func (f *fakeAdminChecker) IsAdmin(_ context.Context, userID, _ string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.admins[userID], nil
}

func TestClassifyReturnsVerdict(t *testing.T) {
	gen := &fakeGenerator{reply: `{"action":"warn","reason":"spam","user_id":"@eve:example.org"}`}
	engine := NewEngine(gen, nil)

	v := engine.Classify(context.Background(), ClassifyInput{
		Body:     "buy cheap coins now!!!",
		SenderID: "@eve:example.org",
		RoomID:   "!room:example.org",
	})

	if v.Action != ActionWarn {
		t.Errorf("Action = %v, want ActionWarn", v.Action)
	}
	if v.SubjectID != "@eve:example.org" {
		t.Errorf("SubjectID = %q", v.SubjectID)
	}
	if !gen.lastRequest.JSONMode {
		t.Error("classifier request should set JSONMode")
	}
	if len(gen.lastRequest.Messages) != 2 {
		t.Fatalf("got %d prompt messages, want 2", len(gen.lastRequest.Messages))
	}
	if !strings.Contains(gen.lastRequest.Messages[1].Content, "buy cheap coins") {
		t.Error("message body missing from classifier prompt")
	}
}

func TestClassifyAdminShortCircuit(t *testing.T) {
	gen := &fakeGenerator{reply: `{"action":"ban"}`}
	admins := &fakeAdminChecker{admins: map[string]bool{"@mod:example.org": true}}
	engine := NewEngine(gen, admins)

	v := engine.Classify(context.Background(), ClassifyInput{
		Body:     "anything at all",
		SenderID: "@mod:example.org",
		RoomID:   "!room:example.org",
	})

	if v.Action != ActionNone {
		t.Errorf("admin message classified as %v, want ActionNone", v.Action)
	}
	if gen.called {
		t.Error("classifier was invoked for an admin sender")
	}
}

func TestClassifyAdminCheckFailureProceeds(t *testing.T) {
	gen := &fakeGenerator{reply: `{"action":"ignore"}`}
	admins := &fakeAdminChecker{err: errors.New("homeserver down")}
	engine := NewEngine(gen, admins)

	engine.Classify(context.Background(), ClassifyInput{
		SenderID: "@mod:example.org",
		RoomID:   "!room:example.org",
	})

	if !gen.called {
		t.Error("classification skipped after admin check failure; should proceed as non-admin")
	}
}

func TestClassifyFailsOpen(t *testing.T) {
	tests := []struct {
		name string
		gen  *fakeGenerator
	}{
		{"transport failure", &fakeGenerator{err: errors.New("connection refused")}},
		{"non-JSON reply", &fakeGenerator{reply: "this message looks fine to me"}},
		{"schema violation", &fakeGenerator{reply: `{"action":"nuke"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine(tt.gen, nil)
			v := engine.Classify(context.Background(), ClassifyInput{
				SenderID: "@alice:example.org",
				RoomID:   "!room:example.org",
			})
			if v.Action != ActionNone {
				t.Errorf("Action = %v, want ActionNone (fail open)", v.Action)
			}
			if v.SubjectID != "@alice:example.org" {
				t.Errorf("SubjectID = %q, want sender", v.SubjectID)
			}
		})
	}
}

func TestClassifyOverridesForeignSubject(t *testing.T) {
	// The model must not be able to redirect a sanction at a third party.
	gen := &fakeGenerator{reply: `{"action":"warn","reason":"x","user_id":"@victim:example.org"}`}
	engine := NewEngine(gen, nil)

	v := engine.Classify(context.Background(), ClassifyInput{
		SenderID: "@eve:example.org",
		RoomID:   "!room:example.org",
	})

	if v.SubjectID != "@eve:example.org" {
		t.Errorf("SubjectID = %q, want the actual sender", v.SubjectID)
	}
}

func TestBuildClassifyPrompt(t *testing.T) {
	got := buildClassifyPrompt(ClassifyInput{
		Body:       "hello",
		SenderID:   "@alice:example.org",
		SenderName: "Alice",
		RoomID:     "!room:example.org",
		RoomName:   "General",
	})
	for _, want := range []string{"General", "Alice (@alice:example.org)", "hello"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}

	// Falls back to IDs when names are absent.
	got = buildClassifyPrompt(ClassifyInput{
		Body:     "hi",
		SenderID: "@bob:example.org",
		RoomID:   "!room:example.org",
	})
	if !strings.Contains(got, "!room:example.org") || !strings.Contains(got, "@bob:example.org") {
		t.Errorf("prompt missing fallback identifiers:\n%s", got)
	}
}

// Package moderation implements the group-chat moderation core: the
// decision engine that classifies messages through the generation
// capability, and the warning ledger that escalates repeated violations
// from warning to mute, removal, and ban.
package moderation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Action is the sanction category a verdict proposes.
type Action int

const (
	// ActionNone means the message is fine (or moderation failed open).
	ActionNone Action = iota
	// ActionWarn records a violation against the sender.
	ActionWarn
	// ActionBan proposes an immediate ban regardless of warning count.
	ActionBan
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionBan:
		return "ban"
	default:
		return "none"
	}
}

// Verdict is the structured moderation decision for one message. It is
// consumed immediately by the ledger and never stored.
type Verdict struct {
	Action    Action
	Reason    string
	SubjectID string
}

// verdictWire is the JSON shape the classifier is instructed to return.
type verdictWire struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
	UserID string `json:"user_id"`
}

// verdictSchema validates the classifier output before it is trusted. Any
// other shape — missing action, wrong types, unknown action literal — is a
// parse failure, and parse failures fail open to ActionNone.
var verdictSchema = jsonschema.MustCompileString("verdict.schema.json", `{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action":  {"type": "string", "enum": ["ignore", "warn", "ban"]},
		"reason":  {"type": "string"},
		"user_id": {"type": "string"}
	}
}`)

// DecodeVerdict parses raw classifier output into a Verdict. The text must
// be a JSON object matching the verdict schema; models that wrap their
// output in a Markdown code fence are tolerated.
func DecodeVerdict(raw string) (Verdict, error) {
	cleaned := stripCodeFence(raw)

	var loose any
	if err := json.Unmarshal([]byte(cleaned), &loose); err != nil {
		return Verdict{}, fmt.Errorf("moderation: verdict is not JSON: %w", err)
	}
	if err := verdictSchema.Validate(loose); err != nil {
		return Verdict{}, fmt.Errorf("moderation: verdict schema violation: %w", err)
	}

	var wire verdictWire
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return Verdict{}, fmt.Errorf("moderation: decode verdict: %w", err)
	}

	v := Verdict{Reason: wire.Reason, SubjectID: wire.UserID}
	switch wire.Action {
	case "warn":
		v.Action = ActionWarn
	case "ban":
		v.Action = ActionBan
	case "ignore":
		v.Action = ActionNone
	}
	return v, nil
}

// stripCodeFence removes a surrounding Markdown code fence (``` or
// ```json) when present, returning the inner content.
func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if idx := strings.IndexByte(t, '\n'); idx >= 0 {
		t = t[idx+1:] // drop the language tag line
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

package moderation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdobrica/Aramaki/internal/aramaki/llm"
)

// Generator is the slice of the generation capability the engine needs.
type Generator interface {
	Generate(ctx context.Context, req llm.Request, onPartial func(string)) (string, error)
}

// AdminChecker answers whether a participant holds admin power in a room.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID, roomID string) (bool, error)
}

// ClassifyInput carries everything the classifier prompt embeds about one
// message.
type ClassifyInput struct {
	Body       string // the message text under review
	SenderID   string // Matrix user ID of the author
	SenderName string // display name, may be empty
	RoomID     string
	RoomName   string // room title, may be empty
	AgentID    string // persona doing the moderating (model selection)
	Model      string // model override from the persona profile
}

// classifierSystemPrompt instructs the model to act as a moderation
// classifier and emit nothing but a strict JSON verdict.
const classifierSystemPrompt = `You are a chat moderation classifier. You review one message from a group chat and decide whether it violates common-sense group rules: spam, harassment, hate speech, doxxing, scams, or flooding.

Respond ONLY with a JSON object in exactly this shape:
{"action": "ignore" | "warn" | "ban", "reason": "<one short sentence>", "user_id": "<the sender's id>"}

Rules:
- "ignore" for normal conversation, disagreement, jokes, or anything borderline. When in doubt, ignore.
- "warn" for clear rule violations that a human moderator would warn for.
- "ban" ONLY for unambiguous severe abuse: scam links, CSAM, doxxing, raid flooding.
- Never output anything besides the JSON object.`

// Engine builds classification prompts, invokes the generation capability,
// and parses the structured verdict. It never returns an error: every
// failure mode degrades to a no-action verdict, because moderation must
// not block users by default.
type Engine struct {
	generator Generator
	admins    AdminChecker
}

// NewEngine creates an Engine. admins may be nil, in which case nobody is
// exempt from classification.
func NewEngine(generator Generator, admins AdminChecker) *Engine {
	return &Engine{generator: generator, admins: admins}
}

// Classify produces a Verdict for one message.
//
// Admins are short-circuited to ActionNone without a classifier call —
// both to save tokens and to avoid false positives against moderators.
// A failed admin check defaults to "not admin" and classification
// proceeds. Classifier transport failures and unparseable output fail
// open to ActionNone with a descriptive reason.
func (e *Engine) Classify(ctx context.Context, in ClassifyInput) Verdict {
	if e.admins != nil {
		isAdmin, err := e.admins.IsAdmin(ctx, in.SenderID, in.RoomID)
		if err != nil {
			slog.Warn("moderation: admin check failed, treating as non-admin",
				"room_id", in.RoomID, "user_id", in.SenderID, "err", err)
		} else if isAdmin {
			return Verdict{Action: ActionNone, Reason: "sender is admin", SubjectID: in.SenderID}
		}
	}

	raw, err := e.generator.Generate(ctx, llm.Request{
		Model: in.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: classifierSystemPrompt},
			{Role: llm.RoleUser, Content: buildClassifyPrompt(in)},
		},
		MaxTokens: 128,
		JSONMode:  true,
	}, nil)
	if err != nil {
		slog.Warn("moderation: classifier call failed, failing open",
			"room_id", in.RoomID, "user_id", in.SenderID, "err", err)
		return Verdict{Action: ActionNone, Reason: "classifier unavailable", SubjectID: in.SenderID}
	}

	verdict, err := DecodeVerdict(raw)
	if err != nil {
		slog.Warn("moderation: unparseable verdict, failing open",
			"room_id", in.RoomID, "user_id", in.SenderID, "err", err)
		return Verdict{Action: ActionNone, Reason: "parse error: " + err.Error(), SubjectID: in.SenderID}
	}

	// The classifier echoes the subject id; trust our own value when the
	// echo is missing or points at someone else entirely.
	if verdict.SubjectID == "" || verdict.SubjectID != in.SenderID {
		verdict.SubjectID = in.SenderID
	}
	return verdict
}

// buildClassifyPrompt renders the per-message user turn of the
// classification prompt.
func buildClassifyPrompt(in ClassifyInput) string {
	room := in.RoomName
	if room == "" {
		room = in.RoomID
	}
	sender := in.SenderID
	if in.SenderName != "" {
		sender = fmt.Sprintf("%s (%s)", in.SenderName, in.SenderID)
	}
	return fmt.Sprintf("Chat: %s\nSender: %s\nMessage:\n%s", room, sender, in.Body)
}

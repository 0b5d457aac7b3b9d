// Package memory implements bounded per-conversation memory for the
// gateway's persona agents. Each conversation holds a raw message window
// plus a cumulative summary; when the window exceeds the summarization
// trigger the oldest messages are condensed into the summary — never the
// newest — so the raw sequence stays bounded while cumulative context is
// preserved across rounds.
package memory

import "time"

// Key identifies one conversation: a participant talking to one agent in
// one room.
type Key struct {
	UserID  string // Matrix user ID of the human participant
	RoomID  string // Matrix room the conversation is happening in
	AgentID string // persona agent handling the conversation
}

// Conversation is the bounded memory document for one Key.
//
// Invariants maintained by the Manager:
//   - Messages is ordered oldest first and bounded by the summarize trigger.
//   - Summary is append-only; it is reset only by an explicit Clear.
type Conversation struct {
	Key        Key
	Messages   []Message // ordered raw window (oldest first)
	Summary    string    // cumulative summary of condensed history
	LastActive time.Time // when the most recent message was recorded
}

// Message is a single turn in a conversation.
type Message struct {
	Role      string    // "user", "assistant", or "system"
	Content   string    // message text
	Timestamp time.Time // when this message was recorded
}

// charsPerToken is the rough chars-per-token heuristic used for budget
// estimation. Intentionally imprecise — the budget is a soft bound to keep
// the context window bounded, not a tokenizer.
const charsPerToken = 4

// estimateTokens returns the estimated token count of a rendered string,
// rounded up.
func estimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// Package llm provides the generation capability behind the gateway: an
// OpenAI-compatible chat-completions client with both a plain completion
// call and an incremental token stream, plus the Generator that binds the
// stream to the aggregator under an explicit deadline.
//
// The rest of the system never talks HTTP — it consumes the Provider and
// Generator interfaces defined here, so tests substitute scripted fakes.
package llm

import (
	"context"

	"github.com/bdobrica/Aramaki/internal/aramaki/stream"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat turn sent to the model.
type Message struct {
	Role    Role
	Content string
}

// Request describes one generation call.
type Request struct {
	// Model overrides the provider's default model when non-empty.
	Model string
	// Messages is the full prompt: system instruction, context, user turn.
	Messages []Message
	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
	// Temperature overrides the model's sampling temperature when non-nil.
	Temperature *float64
	// JSONMode asks the provider for a strict-JSON response (used by the
	// moderation classifier; ignored by providers without JSON mode).
	JSONMode bool
}

// TokenUsage carries the token counts reported by the upstream API for a
// single call. Zero-valued when the provider does not report usage.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is the generation capability.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Provider interface {
	// Complete performs a non-streaming chat completion and returns the
	// assistant text.
	Complete(ctx context.Context, req Request) (string, *TokenUsage, error)

	// Stream starts a streaming chat completion. The returned channel
	// carries token fragments and is terminated by exactly one event with
	// Done=true or Err set, after which the channel is closed. The feed
	// stops early when ctx is cancelled.
	Stream(ctx context.Context, req Request) (<-chan stream.TokenEvent, error)
}

package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/Aramaki/internal/aramaki/llm"
)

// Summarizer condenses a batch of old messages into a short synopsis.
// Implementations may fail; the Manager falls back to ExtractiveSummary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// summarizerSystemPrompt steers the model towards the information that is
// most useful when re-injected as conversation context.
const summarizerSystemPrompt = "Summarize this conversation excerpt in 2-3 sentences. " +
	"Keep the facts, names, and decisions; drop pleasantries."

// LLMSummarizer implements Summarizer using a non-streaming completion
// against the configured provider.
type LLMSummarizer struct {
	provider llm.Provider
	model    string
}

// NewLLMSummarizer creates a Summarizer backed by provider. An empty model
// uses the provider's default. Safe for concurrent use.
func NewLLMSummarizer(provider llm.Provider, model string) *LLMSummarizer {
	return &LLMSummarizer{provider: provider, model: model}
}

// Summarize sends the transcript to the model and returns the synopsis.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	text, _, err := s.provider.Complete(ctx, llm.Request{
		Model: s.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summarizerSystemPrompt},
			{Role: llm.RoleUser, Content: formatTranscript(messages)},
		},
		MaxTokens: 256,
	})
	if err != nil {
		return "", fmt.Errorf("summarizer: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// Compile-time interface satisfaction check.
var _ Summarizer = (*LLMSummarizer)(nil)

// excerptLen is the per-message excerpt length used by the extractive
// fallback.
const excerptLen = 80

// ExtractiveSummary builds a deterministic digest from short role-tagged
// excerpts of the given messages. It never fails, guaranteeing that a
// condensation round always produces some synopsis — liveness over
// fidelity.
func ExtractiveSummary(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if len(content) > excerptLen {
			content = content[:excerptLen] + truncationMarker
		}
		parts = append(parts, msg.Role+": "+content)
	}
	if len(parts) == 0 {
		return ""
	}
	return "Earlier exchange — " + strings.Join(parts, "; ")
}

// formatTranscript converts messages into a readable transcript for the
// summarizer model.
func formatTranscript(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Store is the persistence surface the Manager needs. GetConversation
// returns (nil, nil) when no document exists for the key yet.
type Store interface {
	GetConversation(ctx context.Context, key Key) (*Conversation, error)
	SaveConversation(ctx context.Context, conv *Conversation) error
}

// Config holds the Manager's tunables.
type Config struct {
	// SummarizeTrigger is the raw message count above which condensation
	// starts. Default: 30.
	SummarizeTrigger int
	// SummarizeKeep is the number of newest raw messages retained after a
	// condensation round. Default: 5.
	SummarizeKeep int
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		SummarizeTrigger: 30,
		SummarizeKeep:    5,
	}
}

// condenseTimeout bounds one background condensation round, summarizer
// call included.
const condenseTimeout = 60 * time.Second

// truncationMarker is appended when the single newest message has to be
// cut to fit the context budget.
const truncationMarker = "…"

// Manager owns all conversation documents: it is the only component that
// mutates them. It is safe for concurrent use; condensation rounds are
// single-flight per key.
type Manager struct {
	store      Store
	summarizer Summarizer
	config     Config

	mu         sync.Mutex
	condensing map[Key]bool
}

// NewManager creates a Manager. A nil summarizer disables the LLM path and
// every condensation round falls back to the extractive summary.
func NewManager(store Store, summarizer Summarizer, cfg Config) *Manager {
	if cfg.SummarizeTrigger <= 0 {
		cfg.SummarizeTrigger = DefaultConfig().SummarizeTrigger
	}
	if cfg.SummarizeKeep <= 0 {
		cfg.SummarizeKeep = DefaultConfig().SummarizeKeep
	}
	return &Manager{
		store:      store,
		summarizer: summarizer,
		config:     cfg,
		condensing: make(map[Key]bool),
	}
}

// RecordMessage appends a message to the conversation for key, creating
// the document lazily on first use. Empty or whitespace-only content is a
// no-op. When the raw window exceeds the summarize trigger, a condensation
// round is started in the background without blocking the caller.
func (m *Manager) RecordMessage(ctx context.Context, key Key, role, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	conv, err := m.store.GetConversation(ctx, key)
	if err != nil {
		return fmt.Errorf("memory: load conversation: %w", err)
	}
	if conv == nil {
		conv = &Conversation{Key: key}
	}

	now := time.Now()
	conv.Messages = append(conv.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
	conv.LastActive = now

	if err := m.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("memory: save conversation: %w", err)
	}

	if len(conv.Messages) > m.config.SummarizeTrigger {
		m.condenseAsync(key)
	}
	return nil
}

// condenseAsync starts a background condensation round for key unless one
// is already in flight.
func (m *Manager) condenseAsync(key Key) {
	m.mu.Lock()
	if m.condensing[key] {
		m.mu.Unlock()
		return
	}
	m.condensing[key] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.condensing, key)
			m.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), condenseTimeout)
		defer cancel()
		if err := m.Condense(ctx, key); err != nil {
			slog.Warn("memory: background condensation failed",
				"room_id", key.RoomID, "user_id", key.UserID, "err", err)
		}
	}()
}

// Condense keeps the newest SummarizeKeep raw messages and folds the older
// remainder into the cumulative summary. The summarizer is tried first; on
// failure (or empty output) a deterministic extractive digest of the
// dropped messages is used instead, so the operation degrades rather than
// fails. Only a store error is reported.
func (m *Manager) Condense(ctx context.Context, key Key) error {
	conv, err := m.store.GetConversation(ctx, key)
	if err != nil {
		return fmt.Errorf("memory: load conversation: %w", err)
	}
	if conv == nil || len(conv.Messages) <= m.config.SummarizeKeep {
		return nil
	}

	cut := len(conv.Messages) - m.config.SummarizeKeep
	older := conv.Messages[:cut]
	kept := conv.Messages[cut:]

	var synopsis string
	if m.summarizer != nil {
		synopsis, err = m.summarizer.Summarize(ctx, older)
		if err != nil {
			slog.Warn("memory: summarizer failed, using extractive fallback",
				"room_id", key.RoomID, "user_id", key.UserID,
				"dropped", len(older), "err", err)
			synopsis = ""
		}
	}
	if synopsis == "" {
		synopsis = ExtractiveSummary(older)
	}

	// Append, never overwrite: earlier rounds stay part of the record.
	if conv.Summary == "" {
		conv.Summary = synopsis
	} else {
		conv.Summary = conv.Summary + "\n" + synopsis
	}
	conv.Messages = kept

	if err := m.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("memory: save condensed conversation: %w", err)
	}

	slog.Debug("memory: condensed conversation",
		"room_id", key.RoomID, "user_id", key.UserID,
		"dropped", len(older), "kept", len(kept))
	return nil
}

// BuildContext returns a bounded text blob for a generation call: the
// cumulative summary (if any) followed by as many of the most recent
// messages as fit under the estimated character budget (~4 chars/token).
//
// Truncation is oldest-first and never splits a message, with one
// exception: when not even the single newest message fits, that message is
// character-truncated with an ellipsis marker. When the budget is too
// tight even for that, only the summary (if any) is returned.
func (m *Manager) BuildContext(ctx context.Context, key Key, budgetTokens int) (string, error) {
	conv, err := m.store.GetConversation(ctx, key)
	if err != nil {
		return "", fmt.Errorf("memory: load conversation: %w", err)
	}
	if conv == nil {
		return "", nil
	}

	charBudget := budgetTokens * charsPerToken
	var b strings.Builder

	if conv.Summary != "" {
		block := "Summary of earlier conversation:\n" + conv.Summary + "\n\n"
		if len(block) > charBudget {
			// A summary that has outgrown the whole budget is cut rather
			// than allowed to blow the bound.
			if charBudget > len(truncationMarker) {
				block = block[:charBudget-len(truncationMarker)] + truncationMarker
			} else {
				block = ""
			}
		}
		b.WriteString(block)
	}

	remaining := charBudget - b.Len()

	// Walk newest → oldest collecting every message that fits whole.
	var fitted []string
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		line := renderMessage(conv.Messages[i])
		if len(line) > remaining {
			break
		}
		fitted = append(fitted, line)
		remaining -= len(line)
	}

	if len(fitted) == 0 && len(conv.Messages) > 0 {
		// Not even the newest message fits whole — truncate it.
		newest := conv.Messages[len(conv.Messages)-1]
		prefix := newest.Role + ": "
		overhead := len(prefix) + len(truncationMarker) + 1 // trailing newline
		if remaining > overhead {
			room := remaining - overhead
			line := prefix + newest.Content[:room] + truncationMarker + "\n"
			b.WriteString(line)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}

	// fitted was collected newest-first; restore chronological order.
	for i := len(fitted) - 1; i >= 0; i-- {
		b.WriteString(fitted[i])
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

// Clear empties the raw window and resets the summary. It is idempotent:
// clearing a missing or already-empty conversation succeeds.
func (m *Manager) Clear(ctx context.Context, key Key) error {
	conv, err := m.store.GetConversation(ctx, key)
	if err != nil {
		return fmt.Errorf("memory: load conversation: %w", err)
	}
	if conv == nil {
		return nil
	}

	conv.Messages = nil
	conv.Summary = ""
	if err := m.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("memory: clear conversation: %w", err)
	}
	return nil
}

// renderMessage formats one message as a context line.
func renderMessage(msg Message) string {
	return msg.Role + ": " + msg.Content + "\n"
}

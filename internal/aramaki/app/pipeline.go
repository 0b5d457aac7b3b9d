package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/Aramaki/common/retry"
	"github.com/bdobrica/Aramaki/common/trace"
	"github.com/bdobrica/Aramaki/internal/aramaki/audit"
	"github.com/bdobrica/Aramaki/internal/aramaki/dedup"
	"github.com/bdobrica/Aramaki/internal/aramaki/llm"
	"github.com/bdobrica/Aramaki/internal/aramaki/memory"
	"github.com/bdobrica/Aramaki/internal/aramaki/moderation"
	"github.com/bdobrica/Aramaki/internal/aramaki/stream"
)

// Terminal responses for the degraded paths. Every inbound message that
// enters the pipeline gets exactly one terminal response; these are the
// bodies used when generation cannot deliver a real answer.
const (
	apologyText   = "Sorry — I couldn't finish a response in time. Please try again."
	rateLimitText = "You're sending messages a little fast for me. Give me a minute and try again."
	budgetText    = "I've hit my daily conversation budget with you. Let's pick this up tomorrow."
	placeholder   = "…"
)

// Messenger is the slice of the Matrix session the pipeline sends through.
type Messenger interface {
	SendText(ctx context.Context, roomID, text string) (string, error)
	EditMessage(ctx context.Context, roomID, targetEventID, newText string) error
	SendNotice(ctx context.Context, roomID, text string) error
	SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error
	RoomName(ctx context.Context, roomID string) (string, error)
}

// Generator produces a complete answer from a streamed generation.
type Generator interface {
	Generate(ctx context.Context, req llm.Request, onPartial func(string)) (string, error)
}

// Classifier produces a moderation verdict for a message.
type Classifier interface {
	Classify(ctx context.Context, in moderation.ClassifyInput) moderation.Verdict
}

// VerdictApplier executes a verdict against the warning ledger.
type VerdictApplier interface {
	ApplyVerdict(ctx context.Context, v moderation.Verdict, roomID, issuer string) (moderation.Outcome, bool, error)
}

// Agent bundles one persona session's pipeline dependencies: its Matrix
// session, its moderation surfaces, and its prompt settings.
type Agent struct {
	Name         string
	UserID       string
	Model        string
	SystemPrompt string
	// Temperature overrides the model's sampling temperature when non-nil.
	Temperature *float64
	// Moderated is the set of room IDs where messages are classified
	// before being answered.
	Moderated map[string]bool

	Messenger  Messenger
	Classifier Classifier
	Ledger     VerdictApplier

	// Rate and Budget override the shared per-sender gates when the
	// persona profile sets its own limits. Nil means use the shared ones.
	Rate   *llm.RateLimiter
	Budget *llm.TokenBudget
	// ContextTokens overrides the shared context budget when positive.
	ContextTokens int
}

// Inbound is one message as delivered by a persona's sync loop.
type Inbound struct {
	EventID    string
	RoomID     string
	SenderID   string
	SenderName string
	Body       string
}

// Pipeline drives an inbound message from deduplication to its terminal
// response. A single Pipeline is shared by all persona sessions; per-key
// ordering comes from the Serializer.
type Pipeline struct {
	deduper    *dedup.Cache
	memory     *memory.Manager
	generator  Generator
	rate       *llm.RateLimiter
	budget     *llm.TokenBudget
	serializer *Serializer
	notifier   audit.Notifier

	// contextTokens is the prompt budget handed to memory.BuildContext.
	contextTokens int

	// sendRetry wraps terminal sends so a transient homeserver error does
	// not leave a message unanswered.
	sendRetry retry.Config
}

// PipelineConfig carries the shared pipeline dependencies.
type PipelineConfig struct {
	Deduper       *dedup.Cache
	Memory        *memory.Manager
	Generator     Generator
	RateLimiter   *llm.RateLimiter
	TokenBudget   *llm.TokenBudget
	Notifier      audit.Notifier
	ContextTokens int
}

// DefaultContextTokens is the prompt budget when no override is set.
const DefaultContextTokens = 2000

// NewPipeline wires a Pipeline from its dependencies.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = audit.Noop{}
	}
	contextTokens := cfg.ContextTokens
	if contextTokens <= 0 {
		contextTokens = DefaultContextTokens
	}
	return &Pipeline{
		deduper:       cfg.Deduper,
		memory:        cfg.Memory,
		generator:     cfg.Generator,
		rate:          cfg.RateLimiter,
		budget:        cfg.TokenBudget,
		serializer:    NewSerializer(),
		notifier:      notifier,
		contextTokens: contextTokens,
		sendRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
	}
}

// HandleMessage is the sync-loop entry point. Duplicates are dropped here,
// before the message counts as having entered the pipeline; everything
// else is enqueued on the conversation's FIFO lane and processed on a
// worker goroutine.
func (p *Pipeline) HandleMessage(agent *Agent, in Inbound) {
	if p.deduper != nil && p.deduper.ShouldSuppress(in.SenderID, in.EventID, in.Body) {
		slog.Debug("pipeline: duplicate suppressed",
			"agent", agent.Name, "room_id", in.RoomID, "event_id", in.EventID)
		return
	}

	key := conversationKey(in.SenderID, in.RoomID, agent.Name)
	p.serializer.Do(key, func() {
		ctx := trace.WithTraceID(context.Background(), trace.GenerateID())
		p.process(ctx, agent, in)
	})
}

// process runs the full per-message path. Exactly one terminal response
// is produced on every branch.
func (p *Pipeline) process(ctx context.Context, agent *Agent, in Inbound) {
	log := slog.With(
		"trace_id", trace.FromContext(ctx),
		"agent", agent.Name,
		"room_id", in.RoomID,
		"sender", in.SenderID,
	)

	// --- 1. Moderated room: classify before answering ---
	if agent.Moderated[in.RoomID] {
		if p.moderate(ctx, agent, in, log) {
			return
		}
	}

	// --- 2. Per-sender gates ---
	rate, budget := p.rate, p.budget
	if agent.Rate != nil {
		rate = agent.Rate
	}
	if agent.Budget != nil {
		budget = agent.Budget
	}
	if rate != nil && !rate.Allow(in.SenderID) {
		log.Info("pipeline: sender over rate limit")
		p.sendTerminal(ctx, agent, in.RoomID, rateLimitText, log)
		return
	}
	if budget != nil && !budget.Allow(in.SenderID) {
		log.Info("pipeline: sender over daily token budget")
		p.sendTerminal(ctx, agent, in.RoomID, budgetText, log)
		return
	}

	key := memory.Key{UserID: in.SenderID, RoomID: in.RoomID, AgentID: agent.Name}

	// --- 3. Record and assemble context ---
	// Persistence failures degrade the answer, never block it.
	if err := p.memory.RecordMessage(ctx, key, "user", in.Body); err != nil {
		log.Error("pipeline: record user message failed, continuing", "err", err)
	}

	contextTokens := p.contextTokens
	if agent.ContextTokens > 0 {
		contextTokens = agent.ContextTokens
	}
	contextBlob, err := p.memory.BuildContext(ctx, key, contextTokens)
	if err != nil {
		log.Error("pipeline: build context failed, generating without history", "err", err)
		contextBlob = ""
	}

	// --- 4. Placeholder, then stream edits into it ---
	// Typing indicator for the duration of the generation; best-effort.
	if err := agent.Messenger.SetTyping(ctx, in.RoomID, true, 30*time.Second); err != nil {
		log.Debug("pipeline: typing start failed", "err", err)
	}
	defer func() {
		if err := agent.Messenger.SetTyping(ctx, in.RoomID, false, 0); err != nil {
			log.Debug("pipeline: typing stop failed", "err", err)
		}
	}()

	placeholderID, err := p.sendWithRetry(ctx, agent, in.RoomID, placeholder)
	if err != nil {
		log.Error("pipeline: placeholder send failed, message unanswered", "err", err)
		p.notifier.Notify(ctx, audit.Event{
			Kind: audit.KindError, Target: in.SenderID,
			Message: "placeholder send failed: " + err.Error(),
		})
		return
	}

	req := buildGenerationRequest(agent, contextBlob, in.Body)
	onPartial := func(partial string) {
		if err := agent.Messenger.EditMessage(ctx, in.RoomID, placeholderID, partial); err != nil {
			log.Debug("pipeline: partial edit failed", "err", err)
		}
	}

	answer, err := p.generator.Generate(ctx, req, onPartial)

	// --- 5. Finalize: exactly one terminal state for the placeholder ---
	switch {
	case err == nil:
		p.finalize(ctx, agent, in.RoomID, placeholderID, answer, log)
		p.recordExchange(ctx, key, budget, in.Body, answer, log)

	case errors.Is(err, stream.ErrTimeout):
		// The deadline discards whatever partial text accumulated; the
		// apology replaces the placeholder.
		log.Warn("pipeline: generation timed out")
		p.notifier.Notify(ctx, audit.Event{
			Kind: audit.KindGenerationTimeout, Target: in.SenderID,
			Message: fmt.Sprintf("generation timed out in %s", in.RoomID),
		})
		p.finalize(ctx, agent, in.RoomID, placeholderID, apologyText, log)

	default:
		var streamErr *stream.StreamError
		if errors.As(err, &streamErr) && streamErr.Partial != "" {
			// Mid-stream failure with usable text: promote the partial.
			log.Warn("pipeline: stream failed mid-way, finalizing partial",
				"partial_len", len(streamErr.Partial), "err", err)
			p.finalize(ctx, agent, in.RoomID, placeholderID, streamErr.Partial, log)
			p.recordExchange(ctx, key, budget, in.Body, streamErr.Partial, log)
			return
		}
		log.Error("pipeline: generation failed", "err", err)
		p.finalize(ctx, agent, in.RoomID, placeholderID, apologyText, log)
	}
}

// moderate classifies the message and applies the verdict. Returns true
// when the message was sanctioned — the sanction notice is its terminal
// response and the persona does not answer it.
func (p *Pipeline) moderate(ctx context.Context, agent *Agent, in Inbound, log *slog.Logger) bool {
	roomName := ""
	if name, err := agent.Messenger.RoomName(ctx, in.RoomID); err == nil {
		roomName = name
	}

	verdict := agent.Classifier.Classify(ctx, moderation.ClassifyInput{
		Body:       in.Body,
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		RoomID:     in.RoomID,
		RoomName:   roomName,
		AgentID:    agent.Name,
		Model:      agent.Model,
	})

	outcome, handled, err := agent.Ledger.ApplyVerdict(ctx, verdict, in.RoomID, agent.UserID)
	if err != nil {
		log.Error("pipeline: verdict persistence failed", "err", err)
	}
	if !handled {
		return false
	}

	log.Info("pipeline: sanction applied",
		"action", string(outcome.Sanction), "state", outcome.State.String(), "count", outcome.Count)
	p.notifier.Notify(ctx, audit.Event{
		Kind:    sanctionKind(outcome.Sanction),
		Actor:   agent.UserID,
		Target:  in.SenderID,
		Message: fmt.Sprintf("%s (%s, warning %d)", verdict.Reason, outcome.State, outcome.Count),
	})

	notice := sanctionNotice(in.SenderID, outcome, verdict.Reason)
	if err := retry.Do(ctx, p.sendRetry, func() error {
		return agent.Messenger.SendNotice(ctx, in.RoomID, notice)
	}); err != nil {
		log.Error("pipeline: sanction notice send failed", "err", err)
	}
	return true
}

// finalize writes the terminal body into the placeholder message.
func (p *Pipeline) finalize(ctx context.Context, agent *Agent, roomID, placeholderID, body string, log *slog.Logger) {
	if err := retry.Do(ctx, p.sendRetry, func() error {
		return agent.Messenger.EditMessage(ctx, roomID, placeholderID, body)
	}); err != nil {
		log.Error("pipeline: terminal edit failed", "err", err)
	}
}

// sendTerminal posts a standalone terminal response (used by the gate
// branches, which have no placeholder).
func (p *Pipeline) sendTerminal(ctx context.Context, agent *Agent, roomID, body string, log *slog.Logger) {
	if _, err := p.sendWithRetry(ctx, agent, roomID, body); err != nil {
		log.Error("pipeline: terminal send failed", "err", err)
	}
}

func (p *Pipeline) sendWithRetry(ctx context.Context, agent *Agent, roomID, body string) (string, error) {
	var eventID string
	err := retry.Do(ctx, p.sendRetry, func() error {
		id, err := agent.Messenger.SendText(ctx, roomID, body)
		if err != nil {
			return err
		}
		eventID = id
		return nil
	})
	return eventID, err
}

// recordExchange persists the assistant turn and charges the sender's
// token budget. Both are best-effort.
func (p *Pipeline) recordExchange(ctx context.Context, key memory.Key, budget *llm.TokenBudget, prompt, answer string, log *slog.Logger) {
	if err := p.memory.RecordMessage(ctx, key, "assistant", answer); err != nil {
		log.Error("pipeline: record assistant message failed", "err", err)
	}
	if budget != nil {
		// Rough ~4 chars/token estimate over both directions.
		budget.RecordUsage(key.UserID, (len(prompt)+len(answer))/4)
	}
}

// buildGenerationRequest assembles the prompt: persona system prompt, the
// bounded conversation context, and the current message.
func buildGenerationRequest(agent *Agent, contextBlob, body string) llm.Request {
	messages := make([]llm.Message, 0, 3)
	if agent.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: agent.SystemPrompt})
	}
	if contextBlob != "" {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Conversation so far:\n" + contextBlob,
		})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: body})

	return llm.Request{Model: agent.Model, Messages: messages, Temperature: agent.Temperature}
}

// sanctionNotice renders the user-facing terminal notice for a sanction.
func sanctionNotice(userID string, out moderation.Outcome, reason string) string {
	var b strings.Builder
	switch out.Sanction {
	case moderation.SanctionMute:
		fmt.Fprintf(&b, "%s has been temporarily muted", userID)
	case moderation.SanctionRemove:
		fmt.Fprintf(&b, "%s has been removed from the room", userID)
	case moderation.SanctionBan:
		fmt.Fprintf(&b, "%s has been banned", userID)
	default:
		fmt.Fprintf(&b, "%s has been warned (%d/%d)", userID, out.Count, moderation.DefaultLedgerConfig().TempMuteThreshold)
	}
	if reason != "" {
		fmt.Fprintf(&b, ": %s", reason)
	}
	return b.String()
}

// sanctionKind maps a ledger sanction to its audit event kind.
func sanctionKind(s moderation.Sanction) audit.Kind {
	switch s {
	case moderation.SanctionMute:
		return audit.KindMuted
	case moderation.SanctionRemove:
		return audit.KindRemoved
	case moderation.SanctionBan:
		return audit.KindBanned
	default:
		return audit.KindWarned
	}
}

// conversationKey builds the serializer lane key.
func conversationKey(senderID, roomID, agentName string) string {
	return senderID + "|" + roomID + "|" + agentName
}

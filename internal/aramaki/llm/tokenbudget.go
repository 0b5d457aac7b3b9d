package llm

import (
	"sync"
	"time"
)

// DefaultTokenBudget is the maximum number of tokens allowed per sender per
// UTC day when no explicit budget is configured. 50 000 tokens/day covers a
// long day of conversation with a small model while keeping costs bounded.
const DefaultTokenBudget = 50_000

// TokenBudget enforces a per-sender daily token budget for generation calls.
//
// The counter for each sender resets at midnight UTC. Callers should:
//  1. Call Allow before generating — returns false when the sender has
//     already exhausted today's allocation.
//  2. Call RecordUsage with the reported usage after a successful call.
//
// TokenBudget is safe for concurrent use.
type TokenBudget struct {
	mu     sync.Mutex
	budget int
	usage  map[string]*senderDailyUsage
}

// senderDailyUsage tracks cumulative token consumption for one sender
// within the current UTC day.
type senderDailyUsage struct {
	tokens  int
	resetAt time.Time // next midnight UTC
}

// NewTokenBudget returns a TokenBudget that allows at most dailyBudget
// tokens per sender per UTC day. Non-positive values fall back to
// DefaultTokenBudget.
func NewTokenBudget(dailyBudget int) *TokenBudget {
	if dailyBudget <= 0 {
		dailyBudget = DefaultTokenBudget
	}
	return &TokenBudget{
		budget: dailyBudget,
		usage:  make(map[string]*senderDailyUsage),
	}
}

// Budget returns the configured daily token limit per sender.
func (tb *TokenBudget) Budget() int {
	return tb.budget
}

// Allow returns true when senderID has not yet exhausted their daily token
// budget. It does NOT consume tokens — call RecordUsage afterwards.
func (tb *TokenBudget) Allow(senderID string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.resetIfNeeded(senderID)

	u := tb.usage[senderID]
	if u == nil {
		return true
	}
	return u.tokens < tb.budget
}

// RecordUsage adds tokens to senderID's running daily total.
func (tb *TokenBudget) RecordUsage(senderID string, tokens int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.resetIfNeeded(senderID)

	u := tb.usage[senderID]
	if u == nil {
		u = &senderDailyUsage{resetAt: nextMidnightUTC()}
		tb.usage[senderID] = u
	}
	u.tokens += tokens
}

// Remaining returns the number of tokens senderID may still consume today.
func (tb *TokenBudget) Remaining(senderID string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.resetIfNeeded(senderID)

	u := tb.usage[senderID]
	if u == nil {
		return tb.budget
	}
	if rem := tb.budget - u.tokens; rem > 0 {
		return rem
	}
	return 0
}

// resetIfNeeded deletes the senderID entry when the UTC calendar day has
// rolled over. Must be called with tb.mu held.
func (tb *TokenBudget) resetIfNeeded(senderID string) {
	u := tb.usage[senderID]
	if u == nil {
		return
	}
	if time.Now().UTC().After(u.resetAt) {
		delete(tb.usage, senderID)
	}
}

// nextMidnightUTC returns midnight UTC at the start of the next calendar day.
func nextMidnightUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

package llm

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowUpToLimit(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("@alice:test") {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if limiter.Allow("@alice:test") {
		t.Fatal("fourth call should be denied")
	}
	if limiter.Remaining("@alice:test") != 0 {
		t.Errorf("Remaining = %d, want 0", limiter.Remaining("@alice:test"))
	}
}

func TestRateLimiter_SendersAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)

	if !limiter.Allow("@alice:test") {
		t.Fatal("alice's first call should be allowed")
	}
	if !limiter.Allow("@bob:test") {
		t.Fatal("bob's first call should be allowed despite alice's usage")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter := NewRateLimiter(1, 30*time.Millisecond)

	if !limiter.Allow("@alice:test") {
		t.Fatal("first call should be allowed")
	}
	if limiter.Allow("@alice:test") {
		t.Fatal("second immediate call should be denied")
	}
	time.Sleep(40 * time.Millisecond)
	if !limiter.Allow("@alice:test") {
		t.Fatal("call after window should be allowed")
	}
}

func TestTokenBudget_AllowAndRecord(t *testing.T) {
	budget := NewTokenBudget(100)

	if !budget.Allow("@alice:test") {
		t.Fatal("fresh sender should be allowed")
	}
	budget.RecordUsage("@alice:test", 60)
	if !budget.Allow("@alice:test") {
		t.Fatal("sender under budget should be allowed")
	}
	if got := budget.Remaining("@alice:test"); got != 40 {
		t.Errorf("Remaining = %d, want 40", got)
	}

	budget.RecordUsage("@alice:test", 60)
	if budget.Allow("@alice:test") {
		t.Fatal("sender over budget should be denied")
	}
	if got := budget.Remaining("@alice:test"); got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
}

func TestTokenBudget_DefaultsApplied(t *testing.T) {
	budget := NewTokenBudget(0)
	if budget.Budget() != DefaultTokenBudget {
		t.Errorf("Budget = %d, want %d", budget.Budget(), DefaultTokenBudget)
	}
}

package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory Store for Manager tests.
type fakeStore struct {
	mu     sync.Mutex
	convos map[Key]*Conversation
	getErr error
	putErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{convos: make(map[Key]*Conversation)}
}

func (s *fakeStore) GetConversation(_ context.Context, key Key) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	c := s.convos[key]
	if c == nil {
		return nil, nil
	}
	cp := *c
	cp.Messages = append([]Message(nil), c.Messages...)
	return &cp, nil
}

func (s *fakeStore) SaveConversation(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	cp := *conv
	cp.Messages = append([]Message(nil), conv.Messages...)
	s.convos[conv.Key] = &cp
	return nil
}

// fakeSummarizer returns a fixed synopsis or a scripted error.
type fakeSummarizer struct {
	synopsis string
	err      error
	calls    int
}

func (f *fakeSummarizer) Summarize(_ context.Context, msgs []Message) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.synopsis, nil
}

var testKey = Key{UserID: "@alice:test", RoomID: "!room:test", AgentID: "motoko"}

func TestRecordMessage_AppendsInOrder(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, nil, DefaultConfig())
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		if err := mgr.RecordMessage(ctx, testKey, "user", content); err != nil {
			t.Fatalf("RecordMessage(%q) error = %v", content, err)
		}
	}

	conv, _ := store.GetConversation(ctx, testKey)
	if conv == nil || len(conv.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %+v", conv)
	}
	if conv.Messages[0].Content != "one" || conv.Messages[2].Content != "three" {
		t.Errorf("messages out of order: %+v", conv.Messages)
	}
	if conv.LastActive.IsZero() {
		t.Error("LastActive not updated")
	}
}

func TestRecordMessage_WhitespaceOnlyIsNoOp(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, nil, DefaultConfig())

	for _, content := range []string{"", "   ", "\n\t"} {
		if err := mgr.RecordMessage(context.Background(), testKey, "user", content); err != nil {
			t.Fatalf("RecordMessage(%q) error = %v", content, err)
		}
	}
	if conv, _ := store.GetConversation(context.Background(), testKey); conv != nil {
		t.Errorf("expected no conversation created, got %+v", conv)
	}
}

func TestCondense_KeepsNewestAndAppendsSummary(t *testing.T) {
	store := newFakeStore()
	sum := &fakeSummarizer{synopsis: "they discussed the weather"}
	mgr := NewManager(store, sum, Config{SummarizeTrigger: 10, SummarizeKeep: 3})
	ctx := context.Background()

	conv := &Conversation{Key: testKey}
	for i := 0; i < 8; i++ {
		conv.Messages = append(conv.Messages, Message{
			Role: "user", Content: "message " + string(rune('a'+i)), Timestamp: time.Now(),
		})
	}
	store.SaveConversation(ctx, conv)

	if err := mgr.Condense(ctx, testKey); err != nil {
		t.Fatalf("Condense() error = %v", err)
	}

	got, _ := store.GetConversation(ctx, testKey)
	if len(got.Messages) != 3 {
		t.Fatalf("expected 3 kept messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Content != "message f" {
		t.Errorf("wrong messages kept: %+v", got.Messages)
	}
	if got.Summary != "they discussed the weather" {
		t.Errorf("Summary = %q", got.Summary)
	}

	// A second round must append, never overwrite.
	for i := 0; i < 5; i++ {
		mgr.RecordMessage(ctx, testKey, "user", "later message")
	}
	sum.synopsis = "then they argued about lunch"
	if err := mgr.Condense(ctx, testKey); err != nil {
		t.Fatalf("second Condense() error = %v", err)
	}
	got, _ = store.GetConversation(ctx, testKey)
	if !strings.Contains(got.Summary, "weather") || !strings.Contains(got.Summary, "lunch") {
		t.Errorf("summary must be cumulative, got %q", got.Summary)
	}
}

func TestCondense_FallsBackToExtractive(t *testing.T) {
	store := newFakeStore()
	sum := &fakeSummarizer{err: errors.New("model unavailable")}
	mgr := NewManager(store, sum, Config{SummarizeTrigger: 10, SummarizeKeep: 2})
	ctx := context.Background()

	conv := &Conversation{Key: testKey}
	for _, c := range []string{"the build is broken", "I will fix it", "thanks", "done"} {
		conv.Messages = append(conv.Messages, Message{Role: "user", Content: c})
	}
	store.SaveConversation(ctx, conv)

	if err := mgr.Condense(ctx, testKey); err != nil {
		t.Fatalf("Condense() error = %v (fallback must not fail)", err)
	}

	got, _ := store.GetConversation(ctx, testKey)
	if got.Summary == "" {
		t.Fatal("expected extractive fallback summary")
	}
	if !strings.Contains(got.Summary, "build is broken") {
		t.Errorf("fallback summary should carry excerpts, got %q", got.Summary)
	}
	if len(got.Messages) != 2 {
		t.Errorf("expected 2 kept messages, got %d", len(got.Messages))
	}
}

func TestRecordMessage_TriggersAsyncCondensation(t *testing.T) {
	store := newFakeStore()
	sum := &fakeSummarizer{synopsis: "long exchange condensed"}
	mgr := NewManager(store, sum, Config{SummarizeTrigger: 5, SummarizeKeep: 2})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if err := mgr.RecordMessage(ctx, testKey, "user", "chatter"); err != nil {
			t.Fatalf("RecordMessage error = %v", err)
		}
	}

	// Condensation runs in the background; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conv, _ := store.GetConversation(ctx, testKey)
		if conv != nil && conv.Summary != "" && len(conv.Messages) <= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	conv, _ := store.GetConversation(ctx, testKey)
	t.Fatalf("condensation did not run: summary=%q messages=%d", conv.Summary, len(conv.Messages))
}

func TestBuildContext_BudgetNeverExceeded(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, nil, DefaultConfig())
	ctx := context.Background()

	conv := &Conversation{Key: testKey, Summary: "a long-running discussion about infrastructure"}
	for i := 0; i < 20; i++ {
		conv.Messages = append(conv.Messages, Message{
			Role:    "user",
			Content: strings.Repeat("words and more words ", 5),
		})
	}
	store.SaveConversation(ctx, conv)

	for _, budget := range []int{10, 25, 50, 100, 500, 4000} {
		got, err := mgr.BuildContext(ctx, testKey, budget)
		if err != nil {
			t.Fatalf("BuildContext(budget=%d) error = %v", budget, err)
		}
		if est := estimateTokens(got); est > budget {
			t.Errorf("budget=%d: estimated %d tokens, context %q", budget, est, got)
		}
	}
}

func TestBuildContext_SummaryFirstThenNewest(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, nil, DefaultConfig())
	ctx := context.Background()

	store.SaveConversation(ctx, &Conversation{
		Key:     testKey,
		Summary: "earlier they talked about cats",
		Messages: []Message{
			{Role: "user", Content: "oldest line"},
			{Role: "assistant", Content: "middle line"},
			{Role: "user", Content: "newest line"},
		},
	})

	got, err := mgr.BuildContext(ctx, testKey, 1000)
	if err != nil {
		t.Fatalf("BuildContext() error = %v", err)
	}
	if !strings.HasPrefix(got, "Summary of earlier conversation:") {
		t.Errorf("context should open with the summary, got %q", got)
	}
	sumIdx := strings.Index(got, "cats")
	oldIdx := strings.Index(got, "oldest line")
	newIdx := strings.Index(got, "newest line")
	if sumIdx == -1 || oldIdx == -1 || newIdx == -1 {
		t.Fatalf("context missing parts: %q", got)
	}
	if !(sumIdx < oldIdx && oldIdx < newIdx) {
		t.Errorf("expected summary → oldest → newest ordering, got %q", got)
	}
}

func TestBuildContext_DropsOldestFirst(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, nil, DefaultConfig())
	ctx := context.Background()

	store.SaveConversation(ctx, &Conversation{
		Key: testKey,
		Messages: []Message{
			{Role: "user", Content: strings.Repeat("old ", 30)},
			{Role: "user", Content: "recent short line"},
		},
	})

	// Budget fits the short newest message but not the long old one.
	got, err := mgr.BuildContext(ctx, testKey, 10)
	if err != nil {
		t.Fatalf("BuildContext() error = %v", err)
	}
	if !strings.Contains(got, "recent short line") {
		t.Errorf("newest message should survive, got %q", got)
	}
	if strings.Contains(got, "old old") {
		t.Errorf("oldest message should be dropped, got %q", got)
	}
}

func TestBuildContext_TruncatesSingleNewestMessage(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, nil, DefaultConfig())
	ctx := context.Background()

	store.SaveConversation(ctx, &Conversation{
		Key: testKey,
		Messages: []Message{
			{Role: "user", Content: strings.Repeat("verbose content ", 50)},
		},
	})

	got, err := mgr.BuildContext(ctx, testKey, 20)
	if err != nil {
		t.Fatalf("BuildContext() error = %v", err)
	}
	if got == "" {
		t.Fatal("expected a truncated rendition of the newest message")
	}
	if !strings.Contains(got, truncationMarker) {
		t.Errorf("expected explicit truncation marker, got %q", got)
	}
	if est := estimateTokens(got); est > 20 {
		t.Errorf("estimated %d tokens over budget 20", est)
	}
}

func TestBuildContext_EmptyConversation(t *testing.T) {
	mgr := NewManager(newFakeStore(), nil, DefaultConfig())
	got, err := mgr.BuildContext(context.Background(), testKey, 100)
	if err != nil {
		t.Fatalf("BuildContext() error = %v", err)
	}
	if got != "" {
		t.Errorf("expected empty context, got %q", got)
	}
}

func TestClear_IsIdempotent(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, nil, DefaultConfig())
	ctx := context.Background()

	store.SaveConversation(ctx, &Conversation{
		Key:      testKey,
		Summary:  "something",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})

	for i := 0; i < 2; i++ {
		if err := mgr.Clear(ctx, testKey); err != nil {
			t.Fatalf("Clear() #%d error = %v", i+1, err)
		}
	}

	conv, _ := store.GetConversation(ctx, testKey)
	if len(conv.Messages) != 0 || conv.Summary != "" {
		t.Errorf("conversation not cleared: %+v", conv)
	}

	// Clearing a key that never existed also succeeds.
	missing := Key{UserID: "@nobody:test", RoomID: "!r:test", AgentID: "x"}
	if err := mgr.Clear(ctx, missing); err != nil {
		t.Errorf("Clear() on missing key error = %v", err)
	}
}

func TestExtractiveSummary(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: strings.Repeat("x", 120)},
		{Role: "assistant", Content: "short reply"},
		{Role: "user", Content: "   "},
	}
	got := ExtractiveSummary(msgs)
	if !strings.Contains(got, "assistant: short reply") {
		t.Errorf("missing excerpt: %q", got)
	}
	if !strings.Contains(got, truncationMarker) {
		t.Errorf("long excerpt should be truncated: %q", got)
	}
	if ExtractiveSummary(nil) != "" {
		t.Error("empty input should produce empty summary")
	}
}

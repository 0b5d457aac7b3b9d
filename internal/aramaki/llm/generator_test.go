package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/Aramaki/internal/aramaki/stream"
)

// scriptedProvider plays back a fixed sequence of token events.
type scriptedProvider struct {
	events    []stream.TokenEvent
	delay     time.Duration // pause before each event
	streamErr error         // returned by Stream before any event
}

func (p *scriptedProvider) Complete(ctx context.Context, req Request) (string, *TokenUsage, error) {
	var out string
	for _, ev := range p.events {
		out += ev.Text
	}
	return out, &TokenUsage{TotalTokens: len(out)}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req Request) (<-chan stream.TokenEvent, error) {
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	ch := make(chan stream.TokenEvent)
	go func() {
		defer close(ch)
		for _, ev := range p.events {
			if p.delay > 0 {
				select {
				case <-time.After(p.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func TestGenerate_ResolvesToConcatenation(t *testing.T) {
	provider := &scriptedProvider{events: []stream.TokenEvent{
		{Text: "The answer "},
		{Text: "is "},
		{Text: "42."},
		{Done: true},
	}}
	gen := NewGenerator(provider, &stream.Aggregator{FlushEvery: 5}, time.Second)

	var partials []string
	got, err := gen.Generate(context.Background(), Request{}, func(s string) {
		partials = append(partials, s)
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "The answer is 42." {
		t.Errorf("Generate() = %q", got)
	}
	if len(partials) == 0 {
		t.Error("expected at least one partial update")
	}
}

func TestGenerate_TimeoutIsDistinct(t *testing.T) {
	// The provider stalls long past the generator deadline.
	provider := &scriptedProvider{
		events: []stream.TokenEvent{{Text: "late", Done: true}},
		delay:  500 * time.Millisecond,
	}
	gen := NewGenerator(provider, nil, 30*time.Millisecond)

	_, err := gen.Generate(context.Background(), Request{}, nil)
	if !errors.Is(err, stream.ErrTimeout) {
		t.Fatalf("expected stream.ErrTimeout, got %v", err)
	}
}

func TestGenerate_StreamSetupFailure(t *testing.T) {
	provider := &scriptedProvider{streamErr: errors.New("dial tcp: refused")}
	gen := NewGenerator(provider, nil, time.Second)

	_, err := gen.Generate(context.Background(), Request{}, nil)
	var streamErr *stream.StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("expected *stream.StreamError, got %v", err)
	}
	if streamErr.Partial != "" {
		t.Errorf("expected empty partial, got %q", streamErr.Partial)
	}
}

func TestGenerate_MidStreamFailurePreservesPartial(t *testing.T) {
	provider := &scriptedProvider{events: []stream.TokenEvent{
		{Text: "half an "},
		{Text: "answer"},
		{Err: errors.New("connection reset")},
	}}
	gen := NewGenerator(provider, nil, time.Second)

	_, err := gen.Generate(context.Background(), Request{}, nil)
	var streamErr *stream.StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("expected *stream.StreamError, got %v", err)
	}
	if streamErr.Partial != "half an answer" {
		t.Errorf("Partial = %q", streamErr.Partial)
	}
}

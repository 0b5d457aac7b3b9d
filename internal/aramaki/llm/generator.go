package llm

import (
	"context"
	"errors"
	"time"

	"github.com/bdobrica/Aramaki/internal/aramaki/stream"
)

// DefaultGenerationTimeout bounds one full generation call, stream included.
const DefaultGenerationTimeout = 180 * time.Second

// Generator binds a streaming Provider to the aggregator under an explicit
// deadline. It is the single generation entry point the pipeline and the
// moderation engine call: one call, one outcome, with success, timeout, and
// stream failure distinguished by the returned error.
type Generator struct {
	provider   Provider
	aggregator *stream.Aggregator
	timeout    time.Duration
}

// NewGenerator creates a Generator. A non-positive timeout falls back to
// DefaultGenerationTimeout; a nil aggregator gets the default flush policy.
func NewGenerator(provider Provider, aggregator *stream.Aggregator, timeout time.Duration) *Generator {
	if aggregator == nil {
		aggregator = &stream.Aggregator{}
	}
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	return &Generator{
		provider:   provider,
		aggregator: aggregator,
		timeout:    timeout,
	}
}

// Generate runs one streaming completion to completion.
//
// onPartial (may be nil) receives rate-limited partial text while tokens
// arrive. The error is stream.ErrTimeout when the deadline expires, a
// *stream.StreamError (partial text preserved) on a mid-stream transport
// failure, or nil on success.
func (g *Generator) Generate(ctx context.Context, req Request, onPartial func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	events, err := g.provider.Stream(ctx, req)
	if err != nil {
		// The call failed before any token arrived. A deadline here is
		// still a timeout from the caller's point of view.
		if errors.Is(err, context.DeadlineExceeded) {
			return "", stream.ErrTimeout
		}
		return "", &stream.StreamError{Err: err}
	}

	return g.aggregator.Collect(ctx, events, onPartial)
}

// Complete runs one non-streaming completion under the same deadline
// policy. Used for summarization, where partial updates are pointless.
func (g *Generator) Complete(ctx context.Context, req Request) (string, *TokenUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, usage, err := g.provider.Complete(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return "", nil, stream.ErrTimeout
	}
	return text, usage, err
}

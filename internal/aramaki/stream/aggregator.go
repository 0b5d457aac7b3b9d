// Package stream turns an incremental token feed from a language-model call
// into stable, rate-limited partial updates plus one finalized text result.
//
// Producers (the llm package) deliver TokenEvent values on a channel and
// terminate the feed with an explicit Done or Err event. Consumers call
// Aggregator.Collect and receive periodic partial-text callbacks — throttled
// so that editing an outbound Matrix message in place does not saturate the
// homeserver's edit-rate limits — followed by the final text.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// TokenEvent is one event in an incremental token feed.
//
// Exactly one terminal event ends every feed: either Done=true (the Text of
// the terminal event, if any, is still part of the output) or Err != nil.
// A non-terminal event with empty Text is malformed; it is skipped and
// logged, never aborting the aggregation of subsequent valid events.
type TokenEvent struct {
	// Text is the token fragment carried by this event.
	Text string
	// Done marks the end of a successful stream.
	Done bool
	// Err marks the end of a failed stream.
	Err error
}

// ErrTimeout is returned by Collect when the generation deadline expires
// before the feed terminates. It is distinct from a *StreamError so callers
// can surface a timeout apology instead of a partial result.
var ErrTimeout = errors.New("stream: generation deadline exceeded")

// StreamError reports a transport-level failure mid-generation. The text
// accumulated before the failure is preserved in Partial so callers can
// decide to surface it rather than dropping the user's answer entirely.
type StreamError struct {
	// Partial is the text accumulated before the stream failed.
	Partial string
	// Err is the underlying transport error.
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream: feed failed after %d chars: %v", len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// DefaultFlushEvery is the accumulated-length modulus at which partial
// updates are emitted. 20 characters keeps message edits frequent enough to
// feel live without tripping homeserver rate limits.
const DefaultFlushEvery = 20

// Aggregator accumulates token fragments into a single text result.
// The zero value is usable; it flushes every DefaultFlushEvery characters.
type Aggregator struct {
	// FlushEvery is the character modulus for partial-update callbacks.
	// Values ≤ 0 fall back to DefaultFlushEvery.
	FlushEvery int
}

// Collect consumes events until the feed terminates or ctx expires.
//
// Every time the accumulated length crosses a multiple of FlushEvery,
// onPartial is invoked with the full text so far (onPartial may be nil).
// The return values distinguish three outcomes:
//   - Done event        → (finalText, nil)
//   - Err event         → ("", *StreamError) with the partial text preserved
//   - ctx deadline      → ("", ErrTimeout); other ctx errors are returned as-is
//
// A producer that closes the channel without a terminal event is treated as
// a stream error with the partial text preserved.
func (a *Aggregator) Collect(ctx context.Context, events <-chan TokenEvent, onPartial func(string)) (string, error) {
	flushEvery := a.FlushEvery
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}

	var buf []byte
	lastFlush := 0

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrTimeout
			}
			return "", ctx.Err()

		case ev, ok := <-events:
			if !ok {
				// Channel closed without a terminal event — the producer
				// violated the protocol. Treat as a mid-stream failure.
				return "", &StreamError{
					Partial: string(buf),
					Err:     errors.New("token feed closed without terminal event"),
				}
			}

			if ev.Err != nil {
				return "", &StreamError{Partial: string(buf), Err: ev.Err}
			}

			if ev.Done {
				buf = append(buf, ev.Text...)
				return string(buf), nil
			}

			if ev.Text == "" {
				slog.Debug("stream: skipping malformed empty token event")
				continue
			}

			buf = append(buf, ev.Text...)
			if onPartial != nil && len(buf)/flushEvery > lastFlush/flushEvery {
				onPartial(string(buf))
				lastFlush = len(buf)
			}
		}
	}
}

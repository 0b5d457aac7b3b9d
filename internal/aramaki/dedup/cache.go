// Package dedup suppresses replayed and duplicate inbound messages.
//
// Matrix homeservers (and the long-poll sync transport in front of them)
// occasionally deliver the same event twice — on reconnect, on sync-token
// rollback, or as a genuine client re-send. The cache absorbs both cases:
// exact event-ID replays within a TTL window, and identical text from the
// same sender arriving under a fresh event ID within a short sub-window.
//
// The cache is process-local and purely in-memory; entries self-expire and
// nothing here touches the store or the network.
package dedup

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an event-ID entry suppresses replays.
	DefaultTTL = 10 * time.Second

	// DefaultTextWindow is the sub-window within which identical text from
	// the same sender is suppressed even under a different event ID.
	DefaultTextWindow = 3 * time.Second

	// textKeyPrefixLen bounds the text-key size; duplicate deliveries carry
	// identical bodies, so a prefix is as discriminating as the full text.
	textKeyPrefixLen = 64
)

// Cache is the process-local duplicate-message suppressor.
// It is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	textWindow time.Duration
	byEventID  map[string]time.Time // senderID + "\x00" + eventID → insertion time
	byText     map[string]time.Time // senderID + "\x00" + text prefix → insertion time
}

// New creates a Cache. Non-positive durations fall back to the defaults.
func New(ttl, textWindow time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if textWindow <= 0 {
		textWindow = DefaultTextWindow
	}
	return &Cache{
		ttl:        ttl,
		textWindow: textWindow,
		byEventID:  make(map[string]time.Time),
		byText:     make(map[string]time.Time),
	}
}

// ShouldSuppress reports whether the message identified by (senderID,
// eventID) — or an identical text from the same sender inside the text
// sub-window — has already been seen. The first occurrence records the
// entry and returns false; later occurrences within the TTL return true.
func (c *Cache) ShouldSuppress(senderID, eventID, text string) bool {
	return c.shouldSuppressAt(senderID, eventID, text, time.Now())
}

// shouldSuppressAt is the time-injectable core of ShouldSuppress (for testing).
func (c *Cache) shouldSuppressAt(senderID, eventID, text string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	idKey := senderID + "\x00" + eventID
	if at, ok := c.byEventID[idKey]; ok && now.Sub(at) < c.ttl {
		return true
	}

	txtKey := senderID + "\x00" + textPrefix(text)
	duplicateText := false
	if at, ok := c.byText[txtKey]; ok && now.Sub(at) < c.textWindow {
		duplicateText = true
	}

	c.byEventID[idKey] = now
	c.byText[txtKey] = now
	return duplicateText
}

// Run sweeps expired entries every TTL until ctx is cancelled. The sweep is
// an eviction optimization only — expiry is also checked lazily on every
// ShouldSuppress call, so running the sweep is optional.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// sweep drops all entries older than their window.
func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, at := range c.byEventID {
		if now.Sub(at) >= c.ttl {
			delete(c.byEventID, k)
		}
	}
	for k, at := range c.byText {
		if now.Sub(at) >= c.textWindow {
			delete(c.byText, k)
		}
	}
}

// Len returns the number of live event-ID entries (diagnostics only).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byEventID)
}

// textPrefix normalizes text into a bounded cache key.
func textPrefix(text string) string {
	t := strings.TrimSpace(text)
	if len(t) > textKeyPrefixLen {
		t = t[:textKeyPrefixLen]
	}
	return t
}

package admission

import (
	"context"
	"sync"
	"time"
)

// Rule is a sliding-window budget: at most Rate hits in any trailing Per.
type Rule struct {
	Rate int
	Per  time.Duration
}

// Decision is the outcome of recording one hit against a window.
type Decision struct {
	Allowed    bool
	Count      int
	Remaining  int
	RetryAfter time.Duration
}

// WindowStore records request timestamps per key. Hit must be atomic per key:
// two concurrent hits on a window with one free slot must not both be allowed.
type WindowStore interface {
	Hit(ctx context.Context, key string, now time.Time, rule Rule) (Decision, error)
	Peek(ctx context.Context, key string, now time.Time, rule Rule) (Decision, error)
}

// decide applies the window rule to timestamps already trimmed to the window,
// which must be ordered oldest first.
func decide(window []time.Time, now time.Time, rule Rule) Decision {
	count := len(window)
	if count >= rule.Rate {
		retry := window[0].Add(rule.Per).Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return Decision{Allowed: false, Count: count, RetryAfter: retry}
	}
	return Decision{Allowed: true, Count: count + 1, Remaining: rule.Rate - count - 1}
}

// trim drops timestamps at or before now-per from an ordered slice.
func trim(window []time.Time, now time.Time, per time.Duration) []time.Time {
	cutoff := now.Add(-per)
	idx := 0
	for idx < len(window) && !window[idx].After(cutoff) {
		idx++
	}
	return window[idx:]
}

// MemoryWindow is the in-process window store. Expired timestamps for a key
// are trimmed when that key is hit; idle keys are only evicted by Sweep.
type MemoryWindow struct {
	mu      sync.Mutex
	windows map[string]*memoryEntry
}

type memoryEntry struct {
	hits   []time.Time
	maxPer time.Duration
}

// NewMemoryWindow creates an empty in-process window store.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{windows: make(map[string]*memoryEntry)}
}

// Hit implements WindowStore.
func (m *MemoryWindow) Hit(_ context.Context, key string, now time.Time, rule Rule) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.windows[key]
	if !ok {
		entry = &memoryEntry{}
		m.windows[key] = entry
	}
	if rule.Per > entry.maxPer {
		entry.maxPer = rule.Per
	}
	entry.hits = trim(entry.hits, now, rule.Per)
	decision := decide(entry.hits, now, rule)
	if decision.Allowed {
		entry.hits = append(entry.hits, now)
	}
	return decision, nil
}

// Peek implements WindowStore without recording a hit.
func (m *MemoryWindow) Peek(_ context.Context, key string, now time.Time, rule Rule) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.windows[key]
	if !ok {
		return Decision{Allowed: true, Remaining: rule.Rate}, nil
	}
	window := trim(entry.hits, now, rule.Per)
	decision := decide(window, now, rule)
	if decision.Allowed {
		decision.Count--
		decision.Remaining++
	}
	return decision, nil
}

// Sweep evicts keys with no hit inside their widest window and returns the
// number of keys removed.
func (m *MemoryWindow) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.windows {
		entry.hits = trim(entry.hits, now, entry.maxPer)
		if len(entry.hits) == 0 {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (m *MemoryWindow) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Package history keeps the conversation turns the assistant sends with each
// chat request. [Memory] holds a bounded ring per conversation; [Postgres]
// persists turns across restarts.
package history

import (
	"context"
	"sync"
	"time"
)

// Turn is one exchange: what the user said and what the assistant answered.
type Turn struct {
	User      string
	Assistant string
	Emotion   string
	At        time.Time
}

// Store appends and retrieves turns by conversation. Implementations are
// safe for concurrent use.
type Store interface {
	// Append records turn under conversation.
	Append(ctx context.Context, conversation string, turn Turn) error

	// Recent returns up to n of the newest turns, oldest first.
	Recent(ctx context.Context, conversation string, n int) ([]Turn, error)

	// Close releases resources.
	Close()
}

// Memory is an in-process [Store] that keeps at most Capacity turns per
// conversation.
type Memory struct {
	capacity int

	mu    sync.Mutex
	turns map[string][]Turn
}

var _ Store = (*Memory)(nil)

// NewMemory returns a store keeping capacity turns per conversation. A
// non-positive capacity keeps 20.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 20
	}
	return &Memory{capacity: capacity, turns: make(map[string][]Turn)}
}

// Append implements [Store]. The oldest turn is evicted when full.
func (m *Memory) Append(_ context.Context, conversation string, turn Turn) error {
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := append(m.turns[conversation], turn)
	if over := len(ts) - m.capacity; over > 0 {
		ts = append(ts[:0:0], ts[over:]...)
	}
	m.turns[conversation] = ts
	return nil
}

// Recent implements [Store].
func (m *Memory) Recent(_ context.Context, conversation string, n int) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.turns[conversation]
	if n > 0 && len(ts) > n {
		ts = ts[len(ts)-n:]
	}
	out := make([]Turn, len(ts))
	copy(out, ts)
	return out, nil
}

// Close implements [Store].
func (m *Memory) Close() {}

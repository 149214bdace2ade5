// Package decisions keeps a bounded in-memory ring of the coordinator's
// recent decision events for the diagnostics endpoint. It implements
// events.Sink so it can sit next to the bus behind an events.Multi.
package decisions

import (
	"strings"
	"sync"
	"time"

	"github.com/mosaicprotocol/coordinator/internal/events"
)

// DefaultCapacity bounds the ring.
const DefaultCapacity = 256

// Entry is one recorded decision.
type Entry struct {
	Type      events.Type            `json:"type"`
	TaskID    string                 `json:"task_id,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp"` // Unix ms
}

// Log is a fixed-capacity decision ring. Oldest entries are overwritten.
type Log struct {
	mu    sync.Mutex
	ring  []Entry
	head  int
	count int
}

// NewLog creates a ring of the given capacity (DefaultCapacity if <= 0).
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{ring: make([]Entry, capacity)}
}

// relevant keeps decision-shaped events only; payment and stream chatter
// stays off the diagnostics surface.
func relevant(t events.Type) bool {
	s := string(t)
	return strings.HasPrefix(s, "decision:") ||
		t == events.CollusionBlocked ||
		t == events.AuctionWinner
}

// Emit implements events.Sink.
func (l *Log) Emit(eventType events.Type, taskID string, payload map[string]interface{}) {
	if !relevant(eventType) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Type:      eventType,
		TaskID:    taskID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	if l.count < len(l.ring) {
		l.ring[(l.head+l.count)%len(l.ring)] = entry
		l.count++
		return
	}
	l.ring[l.head] = entry
	l.head = (l.head + 1) % len(l.ring)
}

// Recent returns up to n entries, newest first. n <= 0 returns everything.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.head + l.count - 1 - i) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

// Len reports how many entries are held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Package reputation keeps a local outcome overlay on top of the registry's
// 0..100 reputation scores. The registry is the source of truth; the overlay
// captures what this coordinator has observed since boot so repeat offenders
// sink in selection before the registry catches up.
package reputation

import (
	"sync"

	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/events"
)

const (
	successDelta = 1
	failureDelta = -5
	minScore     = 0
	maxScore     = 100
)

// Tracker accumulates per-agent outcome deltas.
type Tracker struct {
	mu     sync.Mutex
	deltas map[uint64]int

	sink events.Sink
}

// NewTracker creates an empty tracker.
func NewTracker(sink events.Sink) *Tracker {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Tracker{
		deltas: make(map[uint64]int),
		sink:   sink,
	}
}

// RecordSuccess nudges the agent up after a completed hire.
func (t *Tracker) RecordSuccess(taskID string, tokenID uint64) {
	t.record(taskID, tokenID, successDelta, "success")
}

// RecordFailure pushes the agent down after a failed or timed-out execution.
func (t *Tracker) RecordFailure(taskID string, tokenID uint64) {
	t.record(taskID, tokenID, failureDelta, "failure")
}

func (t *Tracker) record(taskID string, tokenID uint64, delta int, outcome string) {
	t.mu.Lock()
	t.deltas[tokenID] += delta
	current := t.deltas[tokenID]
	t.mu.Unlock()

	t.sink.Emit(events.AgentReputation, taskID, map[string]interface{}{
		"tokenId": tokenID,
		"outcome": outcome,
		"delta":   delta,
		"overlay": current,
	})
}

// Effective applies the overlay to a base registry score, clamped to 0..100.
func (t *Tracker) Effective(tokenID uint64, base int) int {
	t.mu.Lock()
	delta := t.deltas[tokenID]
	t.mu.Unlock()

	score := base + delta
	if score < minScore {
		return minScore
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

// Apply rewrites the Reputation field of each agent in place with the
// overlay-adjusted score. Used on discovery results before selection.
func (t *Tracker) Apply(agents []*core.Agent) {
	for _, a := range agents {
		a.Reputation = t.Effective(a.TokenID, a.Reputation)
	}
}

// Delta reports the raw overlay for an agent. Diagnostics.
func (t *Tracker) Delta(tokenID uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deltas[tokenID]
}

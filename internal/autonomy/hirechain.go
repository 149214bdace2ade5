// Package autonomy runs agent-to-agent hiring: discover candidates for a
// capability, pick one, clear the collusion gate, pay, execute, and recurse
// when the worker's output asks for another agent.
package autonomy

import "sync"

// HireChain tracks which normalized capabilities each task has already
// engaged, so recursive hiring cannot loop. One set per taskId, created on
// first use, dropped when the top-level task finishes.
type HireChain struct {
	mu     sync.Mutex
	chains map[string]map[string]struct{}
}

// NewHireChain creates an empty chain table.
func NewHireChain() *HireChain {
	return &HireChain{chains: make(map[string]map[string]struct{})}
}

// Add records the capability for the task. Returns false if it was already
// present, in which case nothing changes.
func (hc *HireChain) Add(taskID, capability string) bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	set, ok := hc.chains[taskID]
	if !ok {
		set = make(map[string]struct{})
		hc.chains[taskID] = set
	}
	if _, dup := set[capability]; dup {
		return false
	}
	set[capability] = struct{}{}
	return true
}

// Remove releases a capability, e.g. after a collusion rejection, so a
// retry with a different agent is not blocked by the failed attempt.
func (hc *HireChain) Remove(taskID, capability string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if set, ok := hc.chains[taskID]; ok {
		delete(set, capability)
		if len(set) == 0 {
			delete(hc.chains, taskID)
		}
	}
}

// Drop forgets the whole task.
func (hc *HireChain) Drop(taskID string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.chains, taskID)
}

// Len reports how many capabilities the task has engaged.
func (hc *HireChain) Len(taskID string) int {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return len(hc.chains[taskID])
}

// Package core holds the domain types shared by every coordinator component:
// agents, task contexts, hire results, and the injected primitives (clock,
// RNG, tx hashing) that keep the engines deterministic under test.
package core

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Agent is a registered worker agent as read from the on-chain registry.
// Immutable per discovery epoch; refreshed by the registry client.
type Agent struct {
	TokenID    uint64         `json:"token_id"`
	Name       string         `json:"name"`
	Capability string         `json:"capability"` // normalized tag
	Endpoint   string         `json:"endpoint"`   // opaque; interpreted by the executor
	Price      *big.Int       `json:"-"`          // USDC minor units (6 decimals)
	Reputation int            `json:"reputation"` // 0..100
	Owner      common.Address `json:"owner"`
	Active     bool           `json:"active"`
	CanHire    bool           `json:"can_hire"` // may issue recursive hire requests
}

// PriceString returns the agent price as a decimal string of minor units,
// the only monetary representation that crosses the wire.
func (a *Agent) PriceString() string {
	if a.Price == nil {
		return "0"
	}
	return a.Price.String()
}

// ResultEntry is one prior agent output carried forward through a task.
type ResultEntry struct {
	AgentName string `json:"agent_name"`
	Output    string `json:"output"`
}

// TaskContext travels down the hire chain. The task engine owns the tree;
// descending a level produces a fresh copy via Child, so siblings never see
// each other's mutations.
type TaskContext struct {
	TaskID          string         `json:"task_id"`
	OriginalTask    string         `json:"original_task"`
	Depth           int            `json:"depth"`
	WalletAddress   common.Address `json:"wallet_address,omitempty"`
	PreviousResults []ResultEntry  `json:"previous_results"`
	Deadline        time.Time      `json:"deadline,omitempty"`
}

// Child returns the context handed to a hired agent: depth+1 and a value
// copy of previousResults.
func (tc *TaskContext) Child() *TaskContext {
	results := make([]ResultEntry, len(tc.PreviousResults))
	copy(results, tc.PreviousResults)
	return &TaskContext{
		TaskID:          tc.TaskID,
		OriginalTask:    tc.OriginalTask,
		Depth:           tc.Depth + 1,
		WalletAddress:   tc.WalletAddress,
		PreviousResults: results,
		Deadline:        tc.Deadline,
	}
}

// AppendResult records an agent output for later subtasks. Ordered.
func (tc *TaskContext) AppendResult(agentName, output string) {
	tc.PreviousResults = append(tc.PreviousResults, ResultEntry{AgentName: agentName, Output: output})
}

// ExecuteResult is what a worker agent returns.
type ExecuteResult struct {
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// HireResult summarizes one completed hire, including any nested hires the
// worker triggered.
type HireResult struct {
	Agent          *Agent        `json:"agent"`
	Output         string        `json:"output"`
	AmountPaid     *big.Int      `json:"-"`
	TxHash         common.Hash   `json:"tx_hash"`
	SubAgentsHired []*HireResult `json:"sub_agents_hired,omitempty"`
}

// TotalCost sums this hire's payment and all nested hire payments.
func (hr *HireResult) TotalCost() *big.Int {
	total := new(big.Int)
	if hr.AmountPaid != nil {
		total.Set(hr.AmountPaid)
	}
	for _, sub := range hr.SubAgentsHired {
		total.Add(total, sub.TotalCost())
	}
	return total
}

// OwnersPaid collects every owner credited along this hire tree, in order.
func (hr *HireResult) OwnersPaid() []common.Address {
	owners := []common.Address{hr.Agent.Owner}
	for _, sub := range hr.SubAgentsHired {
		owners = append(owners, sub.OwnersPaid()...)
	}
	return owners
}

// Package task runs top-level tasks: plan into capability-typed subtasks,
// hire an agent per subtask in order, thread earlier outputs into later
// subtasks, then aggregate the final answer.
package task

import (
	"context"
	"strings"
)

// MaxSubtasks caps how many subtasks a plan may carry. Planner output is
// trusted in shape but not in content.
const MaxSubtasks = 8

// Subtask is one planned unit of work.
type Subtask struct {
	Capability  string `json:"capability"`
	Description string `json:"description"`
	Reason      string `json:"reason,omitempty"`
	Optional    bool   `json:"optional,omitempty"` // failure is recorded, not fatal
	Auction     bool   `json:"auction,omitempty"`  // select via attention auction
}

// Planner decomposes a task into an ordered subtask sequence. External;
// typically an LLM behind an HTTP call.
type Planner interface {
	Plan(ctx context.Context, task string) ([]Subtask, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, task string) ([]Subtask, error)

func (f PlannerFunc) Plan(ctx context.Context, task string) ([]Subtask, error) {
	return f(ctx, task)
}

// Aggregator folds the subtask outputs into the final deliverable.
type Aggregator interface {
	Aggregate(ctx context.Context, task string, outputs []string) (string, error)
}

// AggregatorFunc adapts a function to Aggregator.
type AggregatorFunc func(ctx context.Context, task string, outputs []string) (string, error)

func (f AggregatorFunc) Aggregate(ctx context.Context, task string, outputs []string) (string, error) {
	return f(ctx, task, outputs)
}

// ConcatAggregator is the fallback when no summarizer is configured: join
// the outputs in order.
type ConcatAggregator struct{}

func (ConcatAggregator) Aggregate(_ context.Context, _ string, outputs []string) (string, error) {
	return strings.Join(outputs, "\n\n"), nil
}

// KeywordPlanner is a deterministic, dependency-free planner for boots
// without an external planner endpoint. It keys on task keywords and always
// ends with a writing step.
type KeywordPlanner struct{}

func (KeywordPlanner) Plan(_ context.Context, task string) ([]Subtask, error) {
	lower := strings.ToLower(task)

	var plan []Subtask
	add := func(cap, desc string) {
		plan = append(plan, Subtask{Capability: cap, Description: desc})
	}

	add("research", "Research: "+task)
	if strings.Contains(lower, "price") || strings.Contains(lower, "market") {
		add("market_data", "Fetch market data for: "+task)
	}
	add("analysis", "Analyze the research for: "+task)
	add("writing", "Write the final answer for: "+task)
	return plan, nil
}

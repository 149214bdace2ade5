package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mosaicprotocol/coordinator/internal/autonomy"
	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/events"
	"github.com/mosaicprotocol/coordinator/internal/payment"
)

// ErrPlanEmpty means the planner produced nothing usable.
var ErrPlanEmpty = errors.New("planner produced an empty plan")

// ErrSubtaskFailed wraps the failure of a required subtask.
var ErrSubtaskFailed = errors.New("subtask failed")

// Result is the outcome of one completed task.
type Result struct {
	TaskID            string             `json:"task_id"`
	Output            string             `json:"output"`
	TotalCost         *big.Int           `json:"-"`
	OwnersPaid        []common.Address   `json:"owners_paid"`
	SubtaskResults    []core.ResultEntry `json:"subtask_results"`
	MicroPaymentCount int                `json:"micro_payment_count"`
	Duration          time.Duration      `json:"duration"`
}

// Engine drives a task end to end. Subtasks run sequentially so later ones
// see earlier outputs; independent tasks may run concurrently, each with its
// own TaskContext tree.
type Engine struct {
	hires       *autonomy.Engine
	planner     Planner
	aggregator  Aggregator
	meter       *payment.StreamMeter // optional
	coordinator *core.Agent
	sink        events.Sink
	logger      *log.Logger

	taskTimeout time.Duration
}

// NewEngine wires the task pipeline. meter may be nil; a nil aggregator
// falls back to concatenation.
func NewEngine(hires *autonomy.Engine, planner Planner, aggregator Aggregator, meter *payment.StreamMeter, coordinator *core.Agent, sink events.Sink) *Engine {
	if aggregator == nil {
		aggregator = ConcatAggregator{}
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Engine{
		hires:       hires,
		planner:     planner,
		aggregator:  aggregator,
		meter:       meter,
		coordinator: coordinator,
		sink:        sink,
		logger:      log.New(log.Writer(), "[TaskEngine] ", log.LstdFlags),
	}
}

// SetTaskTimeout bounds whole-task wall time; zero means unbounded.
func (e *Engine) SetTaskTimeout(d time.Duration) { e.taskTimeout = d }

// Run executes the task and blocks until it completes, fails, or the
// context is cancelled. wallet is the user's funding wallet for delegation
// lookups; the zero address is fine for coordinator-funded runs.
func (e *Engine) Run(ctx context.Context, task string, wallet common.Address) (*Result, error) {
	taskID := uuid.New().String()
	return e.RunWithID(ctx, taskID, task, wallet)
}

// RunWithID is Run with a caller-chosen task id (the quote gate reuses the
// execution id).
func (e *Engine) RunWithID(ctx context.Context, taskID, task string, wallet common.Address) (*Result, error) {
	start := time.Now()
	if e.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
	}
	defer e.hires.Chain().Drop(taskID)

	plan, err := e.planner.Plan(ctx, task)
	if err != nil {
		e.emitFailure(taskID, "planning_failed", fmt.Sprintf("planning failed: %v", err))
		return nil, fmt.Errorf("plan task: %w", err)
	}
	if len(plan) == 0 {
		e.emitFailure(taskID, "planning_failed", "planner produced an empty plan")
		return nil, ErrPlanEmpty
	}
	if len(plan) > MaxSubtasks {
		e.logger.Printf("task %s: plan capped from %d to %d subtasks", taskID, len(plan), MaxSubtasks)
		plan = plan[:MaxSubtasks]
	}

	tc := &core.TaskContext{
		TaskID:        taskID,
		OriginalTask:  task,
		WalletAddress: wallet,
	}

	totalCost := new(big.Int)
	var owners []common.Address
	var outputs []string

	for i, st := range plan {
		if err := ctx.Err(); err != nil {
			// Frozen: completed payments stand, pending hires are skipped.
			e.sink.Emit(events.TaskCancelled, taskID, map[string]interface{}{
				"completedSubtasks": i,
				"totalSubtasks":     len(plan),
			})
			e.emitFailure(taskID, "cancelled", fmt.Sprintf("task cancelled after %d of %d subtasks", i, len(plan)))
			return nil, fmt.Errorf("task cancelled: %w", err)
		}

		hr, err := e.hires.Hire(ctx, autonomy.HireParams{
			Requesting: e.coordinator,
			Capability: st.Capability,
			Task:       st.Description,
			Reason:     st.Reason,
			Ctx:        tc,
			Auction:    st.Auction,
		})
		if err != nil {
			if st.Optional {
				e.logger.Printf("task %s: optional subtask %d (%s) failed: %v", taskID, i, st.Capability, err)
				continue
			}
			e.emitFailure(taskID, "subtask_failed", fmt.Sprintf("subtask %d (%s) failed: %v", i, st.Capability, err))
			return nil, fmt.Errorf("%w: %s: %w", ErrSubtaskFailed, st.Capability, err)
		}

		tc.AppendResult(hr.Agent.Name, hr.Output)
		outputs = append(outputs, hr.Output)
		totalCost.Add(totalCost, hr.TotalCost())
		owners = append(owners, hr.OwnersPaid()...)

		e.sink.Emit(events.SubtaskResult, taskID, map[string]interface{}{
			"agent":  hr.Agent.Name,
			"output": hr.Output,
		})
	}

	final, err := e.aggregator.Aggregate(ctx, task, outputs)
	if err != nil {
		e.emitFailure(taskID, "aggregation_failed", fmt.Sprintf("aggregation failed: %v", err))
		return nil, fmt.Errorf("aggregate task: %w", err)
	}

	microPayments := 0
	if e.meter != nil {
		microPayments = e.meter.MicroPaymentCount(taskID)
	}

	ownersHex := make([]string, len(owners))
	for i, o := range owners {
		ownersHex[i] = o.Hex()
	}
	e.sink.Emit(events.TaskComplete, taskID, map[string]interface{}{
		"success":           true,
		"result":            final,
		"totalCost":         totalCost.String(),
		"microPaymentCount": microPayments,
		"ownersEarned":      ownersHex,
	})

	return &Result{
		TaskID:            taskID,
		Output:            final,
		TotalCost:         totalCost,
		OwnersPaid:        owners,
		SubtaskResults:    tc.PreviousResults,
		MicroPaymentCount: microPayments,
		Duration:          time.Since(start),
	}, nil
}

// emitFailure reports a terminal failure twice: the error event carries the
// detail, and a closing task:complete with success=false tells stream
// consumers the task is over.
func (e *Engine) emitFailure(taskID, category, msg string) {
	e.sink.Emit(events.TaskError, taskID, map[string]interface{}{"message": msg})
	e.sink.Emit(events.TaskComplete, taskID, map[string]interface{}{
		"success":       false,
		"errorCategory": category,
		"error":         msg,
	})
}

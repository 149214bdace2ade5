package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mosaicprotocol/coordinator/internal/capability"
	"github.com/mosaicprotocol/coordinator/internal/collusion"
	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/events"
	"github.com/mosaicprotocol/coordinator/internal/metrics"
	"github.com/mosaicprotocol/coordinator/internal/payment"
	"github.com/mosaicprotocol/coordinator/internal/registry"
	"github.com/mosaicprotocol/coordinator/internal/reputation"
	"github.com/mosaicprotocol/coordinator/internal/selection"
)

var (
	// ErrMaxDepth means the hire chain already reached its depth limit.
	ErrMaxDepth = errors.New("max hire depth reached")
	// ErrCircularHire means the capability is already engaged for this task.
	ErrCircularHire = errors.New("circular hire rejected")
	// ErrCollusionBlocked means the collusion detector vetoed the hire.
	ErrCollusionBlocked = errors.New("hire blocked by collusion detector")
	// ErrPaymentFailed means the transfer to the worker's owner failed.
	ErrPaymentFailed = errors.New("payment failed")
	// ErrExecuteFailed means the worker errored or timed out. The payment is
	// not refunded here; refunds belong to the verifiable job path.
	ErrExecuteFailed = errors.New("agent execution failed")
)

// DefaultMaxDepth bounds recursive hiring.
const DefaultMaxDepth = 3

// Config tunes the engine. Zero values take defaults.
type Config struct {
	MaxDepth       int
	ExecuteTimeout time.Duration
	Selection      selection.Options
}

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = DefaultExecuteTimeout
	}
	return c
}

// HireParams is one hire invocation.
type HireParams struct {
	Requesting *core.Agent
	Capability string // raw; normalized internally
	Task       string
	Reason     string
	Ctx        *core.TaskContext
	Auction    bool // run an attention auction instead of weighted selection
}

// Engine orchestrates a single hire: discover, select, collusion-check, pay,
// execute, recurse on embedded hire requests, record reputation.
type Engine struct {
	registry  *registry.Client
	detector  *collusion.Detector
	ledger    *payment.Ledger
	executors ExecutorFactory
	tracker   *reputation.Tracker
	chain     *HireChain
	auction   *selection.AuctionEngine
	sink      events.Sink
	mets      *metrics.Metrics
	cfg       Config
	logger    *log.Logger
}

// NewEngine wires the hire pipeline. mets may be nil.
func NewEngine(
	reg *registry.Client,
	detector *collusion.Detector,
	ledger *payment.Ledger,
	executors ExecutorFactory,
	tracker *reputation.Tracker,
	auction *selection.AuctionEngine,
	sink events.Sink,
	mets *metrics.Metrics,
	cfg Config,
) *Engine {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Engine{
		registry:  reg,
		detector:  detector,
		ledger:    ledger,
		executors: executors,
		tracker:   tracker,
		chain:     NewHireChain(),
		auction:   auction,
		sink:      sink,
		mets:      mets,
		cfg:       cfg.withDefaults(),
		logger:    log.New(log.Writer(), "[Autonomy] ", log.LstdFlags),
	}
}

// Chain exposes the hire chain so the task engine can drop it when the
// top-level task finishes.
func (e *Engine) Chain() *HireChain { return e.chain }

// Hire runs the full pipeline for one capability.
func (e *Engine) Hire(ctx context.Context, p HireParams) (*core.HireResult, error) {
	start := time.Now()
	cap := capability.Normalize(p.Capability)
	tc := p.Ctx

	outcome := func(label string) {
		if e.mets != nil {
			e.mets.HiresTotal.WithLabelValues(cap, label).Inc()
		}
	}

	// 1. Depth limit.
	if tc.Depth >= e.cfg.MaxDepth {
		outcome("depth")
		return nil, fmt.Errorf("%w: depth %d >= %d", ErrMaxDepth, tc.Depth, e.cfg.MaxDepth)
	}

	// 2. Cycle check. The addition stays in place for the lifetime of the
	// task unless the collusion gate rejects this hire.
	if !e.chain.Add(tc.TaskID, cap) {
		outcome("cycle")
		return nil, fmt.Errorf("%w: %s already engaged for task %s", ErrCircularHire, cap, tc.TaskID)
	}

	// 3. Discovery.
	disc, err := e.registry.DiscoverByCapability(ctx, cap)
	if err != nil {
		outcome("no_candidates")
		return nil, err
	}
	// Cached discovery snapshots are shared; score overlay goes on copies.
	candidates := make([]*core.Agent, len(disc.Candidates))
	for i, a := range disc.Candidates {
		cp := *a
		candidates[i] = &cp
	}
	e.tracker.Apply(candidates)
	e.sink.Emit(events.DecisionDiscovery, tc.TaskID, map[string]interface{}{
		"capability": cap,
		"candidates": len(candidates),
		"fromCache":  disc.FromCache,
	})

	// 4. Selection or auction.
	selected, err := e.pick(tc.TaskID, cap, candidates, p.Auction)
	if err != nil {
		outcome("no_candidates")
		return nil, err
	}

	// 5. Collusion gate.
	alert := e.detector.Admit(collusion.ProspectiveHire{
		HirerTokenID: p.Requesting.TokenID,
		HireeTokenID: selected.TokenID,
		HirerOwner:   p.Requesting.Owner,
		HireeOwner:   selected.Owner,
		Price:        selected.Price,
		Capability:   cap,
	})
	if alert != nil {
		e.chain.Remove(tc.TaskID, cap)
		e.sink.Emit(events.CollusionBlocked, tc.TaskID, map[string]interface{}{
			"hirerAgent": p.Requesting.Name,
			"hiredAgent": selected.Name,
			"reason":     alert.Message,
			"alertType":  string(alert.Type),
		})
		if e.mets != nil {
			e.mets.CollusionBlocks.WithLabelValues(string(alert.Type)).Inc()
		}
		outcome("collusion")
		return nil, fmt.Errorf("%w: %s", ErrCollusionBlocked, alert.Type)
	}

	// 6. Payment.
	amountPaid, txHash, err := e.pay(tc.TaskID, p.Requesting, selected)
	if err != nil {
		outcome("payment_failed")
		return nil, err
	}

	// 7. Execute with the child context.
	child := tc.Child()
	e.status(tc.TaskID, selected.TokenID, "working")
	result, err := e.execute(ctx, selected, p.Task, child)
	if err != nil {
		e.status(tc.TaskID, selected.TokenID, "idle")
		e.tracker.RecordFailure(tc.TaskID, selected.TokenID)
		outcome("execute_failed")
		return nil, fmt.Errorf("%w: %v", ErrExecuteFailed, err)
	}
	e.status(tc.TaskID, selected.TokenID, "complete")

	hr := &core.HireResult{
		Agent:      selected,
		Output:     result.Output,
		AmountPaid: amountPaid,
		TxHash:     txHash,
	}

	// 8. Post-result: honor at most one embedded hire request. Failures of
	// the nested hire never fail the parent.
	if req, ok := ExtractHireRequest(result.Output); ok && selected.CanHire && child.Depth < e.cfg.MaxDepth {
		subTask := req.Reason
		if subTask == "" {
			subTask = p.Task
		}
		sub, subErr := e.Hire(ctx, HireParams{
			Requesting: selected,
			Capability: req.Capability,
			Task:       subTask,
			Reason:     req.Reason,
			Ctx:        child,
		})
		if subErr != nil {
			e.logger.Printf("nested hire for %s failed: %v", req.Capability, subErr)
			e.sink.Emit(events.DecisionAutonomous, tc.TaskID, map[string]interface{}{
				"requestedBy": selected.Name,
				"capability":  req.Capability,
				"accepted":    false,
				"error":       subErr.Error(),
			})
		} else {
			hr.SubAgentsHired = append(hr.SubAgentsHired, sub)
			tc.AppendResult(sub.Agent.Name, sub.Output)
			e.sink.Emit(events.DecisionAutonomous, tc.TaskID, map[string]interface{}{
				"requestedBy": selected.Name,
				"capability":  req.Capability,
				"accepted":    true,
				"hiredAgent":  sub.Agent.Name,
			})
		}
	}

	// 9. Reputation.
	e.tracker.RecordSuccess(tc.TaskID, selected.TokenID)

	outcome("success")
	if e.mets != nil {
		e.mets.HireDuration.WithLabelValues(cap).Observe(time.Since(start).Seconds())
	}
	return hr, nil
}

// status publishes the agent lifecycle signal for feed consumers.
func (e *Engine) status(taskID string, tokenID uint64, status string) {
	e.sink.Emit(events.AgentStatus, taskID, map[string]interface{}{
		"id":     tokenID,
		"status": status,
	})
}

// pick runs either the weighted selector or the attention auction.
func (e *Engine) pick(taskID, cap string, candidates []*core.Agent, useAuction bool) (*core.Agent, error) {
	if useAuction && e.auction != nil {
		res, err := e.auction.Run(taskID, cap, candidates, e.cfg.Selection)
		if err != nil {
			return nil, err
		}
		if e.mets != nil {
			e.mets.AuctionsTotal.Inc()
		}
		return res.Winner, nil
	}

	sel, err := selection.Select(cap, candidates, e.cfg.Selection)
	if err != nil {
		return nil, err
	}
	e.sink.Emit(events.DecisionSelection, taskID, map[string]interface{}{
		"capability": cap,
		"selected":   sel.Selected.Name,
		"tokenId":    sel.Selected.TokenID,
		"scores":     sel.Scores,
		"reasoning":  sel.Reasoning,
		"relaxed":    sel.Relaxed,
	})
	if e.mets != nil {
		e.mets.SelectionsTotal.WithLabelValues(cap).Inc()
	}
	return sel.Selected, nil
}

// pay settles the hire price up front. A delegation covering the requesting
// agent spends the delegator's wallet; otherwise the agent pays from its
// own. Free agents skip payment entirely.
func (e *Engine) pay(taskID string, requesting, selected *core.Agent) (*big.Int, common.Hash, error) {
	price := selected.Price
	if price == nil || price.Sign() <= 0 {
		return new(big.Int), common.Hash{}, nil
	}

	payer := requesting.Owner
	reserved := false
	if delegator, err := e.ledger.ReserveAgainstDelegation(requesting.Owner, price); err == nil {
		payer = delegator
		reserved = true
	}

	txHash, err := e.ledger.Transfer(taskID, payer, selected.Owner, price)
	if err != nil {
		if reserved {
			e.ledger.ReleaseReservation(requesting.Owner, price)
		}
		return nil, common.Hash{}, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}
	return new(big.Int).Set(price), txHash, nil
}

// execute bounds the worker call with the configured timeout and any task
// deadline already present on the context tree.
func (e *Engine) execute(ctx context.Context, agent *core.Agent, task string, child *core.TaskContext) (*core.ExecuteResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecuteTimeout)
	defer cancel()
	if !child.Deadline.IsZero() {
		var dcancel context.CancelFunc
		execCtx, dcancel = context.WithDeadline(execCtx, child.Deadline)
		defer dcancel()
	}

	exec := e.executors.ExecutorFor(agent)
	return exec.Execute(execCtx, task, child)
}

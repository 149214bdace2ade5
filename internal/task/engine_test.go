package task

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicprotocol/coordinator/internal/autonomy"
	"github.com/mosaicprotocol/coordinator/internal/collusion"
	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/events"
	"github.com/mosaicprotocol/coordinator/internal/payment"
	"github.com/mosaicprotocol/coordinator/internal/registry"
	"github.com/mosaicprotocol/coordinator/internal/reputation"
)

var coordOwner = common.HexToAddress("0x6000000000000000000000000000000000000001")

type scriptFactory struct {
	mu      sync.Mutex
	outputs map[uint64]string
	errs    map[uint64]error
}

func (f *scriptFactory) ExecutorFor(agent *core.Agent) autonomy.Executor {
	id := agent.TokenID
	return autonomy.ExecutorFunc(func(ctx context.Context, task string, tc *core.TaskContext) (*core.ExecuteResult, error) {
		f.mu.Lock()
		out, err := f.outputs[id], f.errs[id]
		f.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return &core.ExecuteResult{Output: out}, nil
	})
}

type captureSink struct {
	mu  sync.Mutex
	evs []capturedEvent
}

type capturedEvent struct {
	typ     events.Type
	payload map[string]interface{}
}

func (c *captureSink) Emit(t events.Type, _ string, payload map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, capturedEvent{typ: t, payload: payload})
}

func (c *captureSink) count(t events.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.evs {
		if e.typ == t {
			n++
		}
	}
	return n
}

func (c *captureSink) last(t events.Type) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.evs) - 1; i >= 0; i-- {
		if c.evs[i].typ == t {
			return c.evs[i].payload
		}
	}
	return nil
}

type fixture struct {
	engine  *Engine
	source  *registry.MemorySource
	ledger  *payment.Ledger
	factory *scriptFactory
	sink    *captureSink
}

func owner(n int64) common.Address {
	return common.BigToAddress(big.NewInt(0x7000 + n))
}

func newFixture(t *testing.T, planner Planner) *fixture {
	t.Helper()

	source := registry.NewMemorySource()
	sink := &captureSink{}
	ledger := payment.NewLedger(nil, sink, nil)
	factory := &scriptFactory{outputs: map[uint64]string{}, errs: map[uint64]error{}}

	hires := autonomy.NewEngine(
		registry.NewClient(source, 0),
		collusion.NewDetector(collusion.Config{}, nil),
		ledger,
		factory,
		reputation.NewTracker(nil),
		nil,
		sink,
		nil,
		autonomy.Config{},
	)

	coordinator := &core.Agent{TokenID: 1, Name: "coordinator", Owner: coordOwner, Active: true, CanHire: true}
	engine := NewEngine(hires, planner, nil, nil, coordinator, sink)
	return &fixture{engine: engine, source: source, ledger: ledger, factory: factory, sink: sink}
}

func staticPlan(subtasks ...Subtask) Planner {
	return PlannerFunc(func(context.Context, string) ([]Subtask, error) {
		return subtasks, nil
	})
}

func TestSimpleResearchTask(t *testing.T) {
	f := newFixture(t, staticPlan(
		Subtask{Capability: "research", Description: "research DeFi protocols"},
		Subtask{Capability: "analysis", Description: "analyze findings"},
		Subtask{Capability: "writing", Description: "write summary"},
	))

	agents := []*core.Agent{
		{TokenID: 10, Name: "researcher", Capability: "research", Price: big.NewInt(2000), Reputation: 95, Owner: owner(1), Active: true},
		{TokenID: 11, Name: "analyst", Capability: "analysis", Price: big.NewInt(3000), Reputation: 90, Owner: owner(2), Active: true},
		{TokenID: 12, Name: "writer", Capability: "writing", Price: big.NewInt(1500), Reputation: 88, Owner: owner(3), Active: true},
	}
	for _, a := range agents {
		f.source.Register(a)
	}
	require.NoError(t, f.ledger.Credit(coordOwner, big.NewInt(100_000)))

	f.factory.outputs[10] = "research output"
	f.factory.outputs[11] = "analysis output"
	f.factory.outputs[12] = "final summary"

	res, err := f.engine.Run(context.Background(), "Summarize top 3 DeFi protocols.", common.Address{})
	require.NoError(t, err)

	assert.Equal(t, "6500", res.TotalCost.String())
	assert.Len(t, res.OwnersPaid, 3)
	assert.Contains(t, res.Output, "final summary")

	assert.Equal(t, 3, f.sink.count(events.SubtaskResult))
	assert.Equal(t, 3, f.sink.count(events.DecisionSelection))
	assert.Equal(t, 3, f.sink.count(events.PaymentConfirmed))

	complete := f.sink.last(events.TaskComplete)
	require.NotNil(t, complete)
	assert.Equal(t, true, complete["success"])
	assert.Equal(t, "6500", complete["totalCost"])
	assert.Equal(t, 0, complete["microPaymentCount"])
}

func TestContextPassingBetweenSubtasks(t *testing.T) {
	f := newFixture(t, staticPlan(
		Subtask{Capability: "research", Description: "step one"},
		Subtask{Capability: "writing", Description: "step two"},
	))
	f.source.Register(&core.Agent{TokenID: 10, Name: "a", Capability: "research", Price: big.NewInt(100), Reputation: 90, Owner: owner(1), Active: true})
	f.source.Register(&core.Agent{TokenID: 11, Name: "b", Capability: "writing", Price: big.NewInt(100), Reputation: 90, Owner: owner(2), Active: true})
	require.NoError(t, f.ledger.Credit(coordOwner, big.NewInt(10_000)))

	f.factory.outputs[10] = "first"
	f.factory.outputs[11] = "second"

	res, err := f.engine.Run(context.Background(), "two step task here", common.Address{})
	require.NoError(t, err)

	require.Len(t, res.SubtaskResults, 2)
	assert.Equal(t, "a", res.SubtaskResults[0].AgentName)
	assert.Equal(t, "first", res.SubtaskResults[0].Output)
	assert.Equal(t, "b", res.SubtaskResults[1].AgentName)
	assert.Equal(t, "second", res.SubtaskResults[1].Output)
}

func TestRequiredSubtaskFailureFailsTask(t *testing.T) {
	f := newFixture(t, staticPlan(
		Subtask{Capability: "research", Description: "step one"},
		Subtask{Capability: "writing", Description: "step two"},
	))
	f.source.Register(&core.Agent{TokenID: 10, Name: "a", Capability: "research", Price: big.NewInt(100), Reputation: 90, Owner: owner(1), Active: true})
	require.NoError(t, f.ledger.Credit(coordOwner, big.NewInt(10_000)))
	f.factory.outputs[10] = "ok"
	// No writing agent registered: the second subtask fails.

	_, err := f.engine.Run(context.Background(), "two step task here", common.Address{})
	assert.ErrorIs(t, err, ErrSubtaskFailed)
	assert.Equal(t, 1, f.sink.count(events.TaskError))

	// Failures still close the stream with a terminal task:complete.
	require.Equal(t, 1, f.sink.count(events.TaskComplete))
	complete := f.sink.last(events.TaskComplete)
	assert.Equal(t, false, complete["success"])
	assert.Equal(t, "subtask_failed", complete["errorCategory"])
	assert.Contains(t, complete["error"], "writing")
}

func TestOptionalSubtaskFailureContinues(t *testing.T) {
	f := newFixture(t, staticPlan(
		Subtask{Capability: "research", Description: "step one"},
		Subtask{Capability: "market_data", Description: "nice to have", Optional: true},
		Subtask{Capability: "writing", Description: "step three"},
	))
	f.source.Register(&core.Agent{TokenID: 10, Name: "a", Capability: "research", Price: big.NewInt(100), Reputation: 90, Owner: owner(1), Active: true})
	f.source.Register(&core.Agent{TokenID: 12, Name: "c", Capability: "writing", Price: big.NewInt(100), Reputation: 90, Owner: owner(3), Active: true})
	require.NoError(t, f.ledger.Credit(coordOwner, big.NewInt(10_000)))
	f.factory.outputs[10] = "one"
	f.factory.outputs[12] = "three"

	res, err := f.engine.Run(context.Background(), "task with optional step", common.Address{})
	require.NoError(t, err)
	assert.Equal(t, "200", res.TotalCost.String())
	assert.Len(t, res.SubtaskResults, 2)
}

func TestPlanCappedAtMaxSubtasks(t *testing.T) {
	var plan []Subtask
	for i := 0; i < 12; i++ {
		plan = append(plan, Subtask{Capability: "research", Description: "again"})
	}
	f := newFixture(t, staticPlan(plan...))
	f.source.Register(&core.Agent{TokenID: 10, Name: "a", Capability: "research", Price: big.NewInt(100), Reputation: 90, Owner: owner(1), Active: true})
	require.NoError(t, f.ledger.Credit(coordOwner, big.NewInt(10_000)))
	f.factory.outputs[10] = "ok"

	// The first subtask succeeds; the second trips the cycle check. Either
	// way the engine never sees more than MaxSubtasks entries.
	_, err := f.engine.Run(context.Background(), "loop forever task", common.Address{})
	assert.ErrorIs(t, err, autonomy.ErrCircularHire)
}

func TestEmptyPlanFails(t *testing.T) {
	f := newFixture(t, staticPlan())
	_, err := f.engine.Run(context.Background(), "anything at all", common.Address{})
	assert.ErrorIs(t, err, ErrPlanEmpty)
}

func TestPlannerErrorPropagates(t *testing.T) {
	f := newFixture(t, PlannerFunc(func(context.Context, string) ([]Subtask, error) {
		return nil, errors.New("planner down")
	}))
	_, err := f.engine.Run(context.Background(), "anything at all", common.Address{})
	assert.Error(t, err)
	assert.Equal(t, 1, f.sink.count(events.TaskError))

	complete := f.sink.last(events.TaskComplete)
	require.NotNil(t, complete)
	assert.Equal(t, false, complete["success"])
	assert.Equal(t, "planning_failed", complete["errorCategory"])
}

func TestCancelledContextStopsTask(t *testing.T) {
	f := newFixture(t, staticPlan(
		Subtask{Capability: "research", Description: "step"},
	))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Run(ctx, "task that never starts", common.Address{})
	assert.Error(t, err)
	assert.Equal(t, 1, f.sink.count(events.TaskCancelled))

	complete := f.sink.last(events.TaskComplete)
	require.NotNil(t, complete)
	assert.Equal(t, false, complete["success"])
	assert.Equal(t, "cancelled", complete["errorCategory"])
}

func TestKeywordPlannerShape(t *testing.T) {
	plan, err := KeywordPlanner{}.Plan(context.Background(), "Check the price of ETH")
	require.NoError(t, err)
	require.NotEmpty(t, plan)
	assert.Equal(t, "research", plan[0].Capability)
	assert.Equal(t, "writing", plan[len(plan)-1].Capability)
	assert.LessOrEqual(t, len(plan), MaxSubtasks)

	caps := make(map[string]bool)
	for _, st := range plan {
		caps[st.Capability] = true
	}
	assert.True(t, caps["market_data"], "price tasks pull market data")
}

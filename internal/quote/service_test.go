package quote

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/registry"
	"github.com/mosaicprotocol/coordinator/internal/task"
)

var signingKey = []byte("test-signing-key")

func newService(t *testing.T, plan []task.Subtask) (*Service, *core.FakeClock) {
	t.Helper()

	source := registry.NewMemorySource()
	source.Register(&core.Agent{TokenID: 10, Name: "researcher", Capability: "research", Price: big.NewInt(2000), Reputation: 95, Owner: common.HexToAddress("0x01"), Active: true})
	source.Register(&core.Agent{TokenID: 11, Name: "writer", Capability: "writing", Price: big.NewInt(1500), Reputation: 88, Owner: common.HexToAddress("0x02"), Active: true})

	planner := task.PlannerFunc(func(context.Context, string) ([]task.Subtask, error) {
		return plan, nil
	})
	clock := core.NewFakeClock(time.Unix(1_700_000_000, 0))
	svc := NewService(planner, registry.NewClient(source, 0), NewMemoryStore(), signingKey, DefaultFees(), 0, clock, nil)
	return svc, clock
}

func twoStepPlan() []task.Subtask {
	return []task.Subtask{
		{Capability: "research", Description: "look things up"},
		{Capability: "writing", Description: "write it down"},
	}
}

func TestGenerateQuoteFeeStack(t *testing.T) {
	svc, _ := newService(t, twoStepPlan())

	q, err := svc.Generate(context.Background(), "Summarize top 3 DeFi protocols.")
	require.NoError(t, err)

	// Subtotal 3500; 10% + 5% + 2.5% fees.
	assert.Equal(t, "3500", q.Subtotal.String())
	assert.Equal(t, "350", q.CoordinatorFee.String())
	assert.Equal(t, "175", q.Buffer.String())
	assert.Equal(t, "87", q.PlatformFee.String())
	assert.Equal(t, "4112", q.Total.String())

	require.Len(t, q.Items, 2)
	assert.Equal(t, "researcher", q.Items[0].AgentName)
	assert.Equal(t, StatePending, q.State)
	assert.True(t, VerifySignature(signingKey, q))
	assert.Equal(t, q.CreatedAt+DefaultTTL.Milliseconds(), q.ExpiresAt)
}

func TestGenerateRejectsTaskLength(t *testing.T) {
	svc, _ := newService(t, twoStepPlan())

	_, err := svc.Generate(context.Background(), "too short")
	assert.ErrorIs(t, err, ErrTaskLength)

	_, err = svc.Generate(context.Background(), strings.Repeat("x", 2001))
	assert.ErrorIs(t, err, ErrTaskLength)
}

func TestValidateLifecycle(t *testing.T) {
	svc, clock := newService(t, twoStepPlan())

	q, err := svc.Generate(context.Background(), "Summarize top 3 DeFi protocols.")
	require.NoError(t, err)

	got, err := svc.Validate(q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, got.ID)

	// Past expiry the quote flips to Expired and stays unusable.
	clock.Advance(DefaultTTL + time.Second)
	_, err = svc.Validate(q.ID)
	assert.ErrorIs(t, err, ErrQuoteExpired)

	stored, err := svc.Get(q.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, stored.State)

	_, err = svc.Validate(q.ID)
	assert.ErrorIs(t, err, ErrQuoteNotPending)
}

func TestValidateUnknownQuote(t *testing.T) {
	svc, _ := newService(t, twoStepPlan())
	_, err := svc.Validate("no-such-quote")
	assert.ErrorIs(t, err, ErrQuoteNotFound)
}

func TestTamperedQuoteFailsValidation(t *testing.T) {
	svc, _ := newService(t, twoStepPlan())

	q, err := svc.Generate(context.Background(), "Summarize top 3 DeFi protocols.")
	require.NoError(t, err)

	// Rewrite the total in the store behind the signature's back.
	tampered := *q
	tampered.Total = big.NewInt(1)
	require.NoError(t, svc.store.Put(&tampered))

	_, err = svc.Validate(q.ID)
	assert.Error(t, err)
}

func TestExecuteExactlyOnce(t *testing.T) {
	svc, _ := newService(t, twoStepPlan())

	q, err := svc.Generate(context.Background(), "Summarize top 3 DeFi protocols.")
	require.NoError(t, err)

	tx := "0x" + strings.Repeat("ab", 32)
	require.NoError(t, svc.MarkExecuted(q.ID, tx))

	err = svc.MarkExecuted(q.ID, tx)
	assert.ErrorIs(t, err, ErrQuoteNotPending)

	// The same tx cannot pay a second quote either.
	q2, err := svc.Generate(context.Background(), "Summarize top 3 DeFi protocols.")
	require.NoError(t, err)
	err = svc.MarkExecuted(q2.ID, tx)
	assert.ErrorIs(t, err, ErrTxConsumed)
}

func TestExecuteRaces(t *testing.T) {
	svc, _ := newService(t, twoStepPlan())
	q, err := svc.Generate(context.Background(), "Summarize top 3 DeFi protocols.")
	require.NoError(t, err)

	tx := "0x" + strings.Repeat("cd", 32)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.MarkExecuted(q.ID, tx) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one execute wins")
}

func TestPurgeKeepsPendingQuotes(t *testing.T) {
	svc, clock := newService(t, twoStepPlan())

	q1, err := svc.Generate(context.Background(), "Summarize top 3 DeFi protocols.")
	require.NoError(t, err)
	require.NoError(t, svc.MarkExecuted(q1.ID, "0x"+strings.Repeat("ef", 32)))

	q2, err := svc.Generate(context.Background(), "Summarize top 3 DeFi protocols.")
	require.NoError(t, err)

	// 24h past expiry: executed quotes purge, pending ones survive.
	clock.Advance(DefaultTTL + 24*time.Hour + time.Minute)
	n := svc.store.PurgeBefore(clock.Now().Add(-24 * time.Hour))
	assert.Equal(t, 1, n)

	_, err = svc.Get(q1.ID)
	assert.ErrorIs(t, err, ErrQuoteNotFound)
	_, err = svc.Get(q2.ID)
	assert.NoError(t, err)
}

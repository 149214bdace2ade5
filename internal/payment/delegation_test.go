package payment

import (
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicprotocol/coordinator/internal/events"
)

var agentAddr = common.HexToAddress("0x2000000000000000000000000000000000000001")

func TestReserveAgainstDelegation(t *testing.T) {
	l := newTestLedger(events.NopSink{})
	require.NoError(t, l.DelegateBudget(alice, agentAddr, big.NewInt(5000)))

	payer, err := l.ReserveAgainstDelegation(agentAddr, big.NewInt(3000))
	require.NoError(t, err)
	assert.Equal(t, alice, payer)

	d, ok := l.DelegationFor(agentAddr)
	require.True(t, ok)
	assert.Equal(t, "3000", d.SpentBudget.String())
	assert.Equal(t, "2000", d.Remaining().String())
}

func TestReserveExhaustsBudget(t *testing.T) {
	l := newTestLedger(events.NopSink{})
	require.NoError(t, l.DelegateBudget(alice, agentAddr, big.NewInt(5000)))

	_, err := l.ReserveAgainstDelegation(agentAddr, big.NewInt(5000))
	require.NoError(t, err)

	_, err = l.ReserveAgainstDelegation(agentAddr, big.NewInt(1))
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestReserveNoDelegation(t *testing.T) {
	l := newTestLedger(events.NopSink{})
	_, err := l.ReserveAgainstDelegation(agentAddr, big.NewInt(1))
	assert.ErrorIs(t, err, ErrNoDelegation)
}

func TestReleaseReservationReturnsBudget(t *testing.T) {
	l := newTestLedger(events.NopSink{})
	require.NoError(t, l.DelegateBudget(alice, agentAddr, big.NewInt(5000)))

	_, err := l.ReserveAgainstDelegation(agentAddr, big.NewInt(5000))
	require.NoError(t, err)

	l.ReleaseReservation(agentAddr, big.NewInt(2000))
	_, err = l.ReserveAgainstDelegation(agentAddr, big.NewInt(2000))
	assert.NoError(t, err)
}

func TestDelegateBudgetUpdateKeepsSpent(t *testing.T) {
	l := newTestLedger(events.NopSink{})
	require.NoError(t, l.DelegateBudget(alice, agentAddr, big.NewInt(5000)))
	_, err := l.ReserveAgainstDelegation(agentAddr, big.NewInt(3000))
	require.NoError(t, err)

	// Raising the cap preserves spent.
	require.NoError(t, l.DelegateBudget(alice, agentAddr, big.NewInt(10_000)))
	d, ok := l.DelegationFor(agentAddr)
	require.True(t, ok)
	assert.Equal(t, "3000", d.SpentBudget.String())
	assert.Equal(t, "7000", d.Remaining().String())

	// The cap can never drop under what was spent.
	err = l.DelegateBudget(alice, agentAddr, big.NewInt(2000))
	assert.ErrorIs(t, err, ErrBudgetBelowSpent)
}

func TestConcurrentReservationsRespectCap(t *testing.T) {
	l := newTestLedger(events.NopSink{})
	require.NoError(t, l.DelegateBudget(alice, agentAddr, big.NewInt(10_000)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.ReserveAgainstDelegation(agentAddr, big.NewInt(1000)); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted, "exactly the cap's worth of reservations succeed")
	d, _ := l.DelegationFor(agentAddr)
	assert.Equal(t, "10000", d.SpentBudget.String())
}

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

var (
	alice    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	bob      = common.HexToAddress("0x1000000000000000000000000000000000000002")
	treasury = common.HexToAddress("0x1000000000000000000000000000000000000003")
)

// recordSink captures emitted events with payloads.
type recordSink struct {
	mu  sync.Mutex
	evs []recorded
}

type recorded struct {
	typ     events.Type
	taskID  string
	payload map[string]interface{}
}

func (r *recordSink) Emit(t events.Type, taskID string, payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, recorded{typ: t, taskID: taskID, payload: payload})
}

func (r *recordSink) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.evs))
	for i, e := range r.evs {
		out[i] = e.typ
	}
	return out
}

func newTestLedger(sink events.Sink) *Ledger {
	return NewLedger(nil, sink, nil)
}

func TestTransferMovesFunds(t *testing.T) {
	sink := &recordSink{}
	l := newTestLedger(sink)
	require.NoError(t, l.Credit(alice, big.NewInt(10_000)))

	txHash, err := l.Transfer("task-1", alice, bob, big.NewInt(2500))
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, txHash)

	assert.Equal(t, "7500", l.Balance(alice).String())
	assert.Equal(t, "2500", l.Balance(bob).String())
}

func TestTransferEmitsSendingThenConfirmed(t *testing.T) {
	sink := &recordSink{}
	l := newTestLedger(sink)
	require.NoError(t, l.Credit(alice, big.NewInt(10_000)))

	_, err := l.Transfer("task-1", alice, bob, big.NewInt(1000))
	require.NoError(t, err)

	require.Len(t, sink.evs, 2)
	assert.Equal(t, events.PaymentSending, sink.evs[0].typ)
	assert.Equal(t, events.PaymentConfirmed, sink.evs[1].typ)
	assert.Equal(t, sink.evs[0].payload["amount"], sink.evs[1].payload["amount"])
	assert.Equal(t, sink.evs[0].payload["from"], sink.evs[1].payload["from"])
	assert.NotEmpty(t, sink.evs[1].payload["txHash"])
}

func TestTransferInsufficientFunds(t *testing.T) {
	sink := &recordSink{}
	l := newTestLedger(sink)
	require.NoError(t, l.Credit(alice, big.NewInt(100)))

	_, err := l.Transfer("task-1", alice, bob, big.NewInt(101))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, "100", l.Balance(alice).String(), "failed transfer must not move funds")
	assert.Equal(t, "0", l.Balance(bob).String())

	// A failed transfer emits sending but never confirmed.
	types := sink.types()
	require.Len(t, types, 1)
	assert.Equal(t, events.PaymentSending, types[0])
}

func TestTransferRejectsBadAmounts(t *testing.T) {
	l := newTestLedger(events.NopSink{})
	_, err := l.Transfer("t", alice, bob, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Transfer("t", alice, bob, big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Transfer("t", alice, bob, big.NewInt(-5))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTransferHashesAreUnique(t *testing.T) {
	l := newTestLedger(events.NopSink{})
	require.NoError(t, l.Credit(alice, big.NewInt(10_000)))

	h1, err := l.Transfer("t", alice, bob, big.NewInt(100))
	require.NoError(t, err)
	h2, err := l.Transfer("t", alice, bob, big.NewInt(100))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "identical transfers mint distinct hashes")
}

func TestEscrowHoldsAndReleases(t *testing.T) {
	l := newTestLedger(events.NopSink{})
	require.NoError(t, l.Credit(alice, big.NewInt(5000)))

	require.NoError(t, l.Escrow("job-1", alice, big.NewInt(3000)))
	assert.Equal(t, "2000", l.Balance(alice).String())
	assert.Equal(t, "3000", l.EscrowBalance().String())

	released, err := l.Release("job-1", bob)
	require.NoError(t, err)
	assert.Equal(t, "3000", released.String())
	assert.Equal(t, "3000", l.Balance(bob).String())
	assert.Equal(t, "0", l.EscrowBalance().String())
}

func TestEscrowRejectsDoubleHold(t *testing.T) {
	l := newTestLedger(events.NopSink{})
	require.NoError(t, l.Credit(alice, big.NewInt(5000)))
	require.NoError(t, l.Escrow("job-1", alice, big.NewInt(1000)))
	assert.Error(t, l.Escrow("job-1", alice, big.NewInt(1000)))
}

func TestSlashRefundsMinusFee(t *testing.T) {
	l := newTestLedger(events.NopSink{})
	require.NoError(t, l.Credit(alice, big.NewInt(10_000)))
	require.NoError(t, l.Escrow("job-1", alice, big.NewInt(10_000)))

	refund, fee, err := l.Slash("job-1", treasury, 500)
	require.NoError(t, err)
	assert.Equal(t, "9500", refund.String())
	assert.Equal(t, "500", fee.String())
	assert.Equal(t, "9500", l.Balance(alice).String())
	assert.Equal(t, "500", l.Balance(treasury).String())
	assert.Equal(t, "0", l.EscrowBalance().String())

	_, _, err = l.Slash("job-1", treasury, 500)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	l := newTestLedger(events.NopSink{})
	require.NoError(t, l.Credit(alice, big.NewInt(100_000)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Transfer("t", alice, bob, big.NewInt(1000))
		}()
	}
	wg.Wait()

	total := new(big.Int).Add(l.Balance(alice), l.Balance(bob))
	assert.Equal(t, "100000", total.String())
	assert.Equal(t, "50000", l.Balance(bob).String())
}

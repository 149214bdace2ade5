package verifiable

import (
	"crypto/sha256"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/events"
	"github.com/mosaicprotocol/coordinator/internal/payment"
)

var (
	payer    = common.HexToAddress("0x3000000000000000000000000000000000000001")
	worker   = common.HexToAddress("0x3000000000000000000000000000000000000002")
	treasury = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func newTestManager(t *testing.T) (*Manager, *payment.Ledger, *core.FakeClock) {
	t.Helper()
	ledger := payment.NewLedger(nil, events.NopSink{}, nil)
	require.NoError(t, ledger.Credit(payer, big.NewInt(100_000)))
	clock := core.NewFakeClock(time.Unix(1_700_000_000, 0))
	return NewManager(ledger, events.NopSink{}, clock, nil, treasury), ledger, clock
}

func TestJobHappyPath(t *testing.T) {
	m, ledger, _ := newTestManager(t)

	output := []byte("the analysis result")
	commit := common.Hash(sha256.Sum256(output))

	job, err := m.CreateJob("task-1", payer, worker, big.NewInt(10_000))
	require.NoError(t, err)
	assert.Equal(t, StateCreated, job.State)
	assert.Equal(t, "90000", ledger.Balance(payer).String())
	require.NoError(t, m.CheckEscrowInvariant())

	require.NoError(t, m.Commit(job.ID, commit))
	require.NoError(t, m.Prove(job.ID, []byte("proof-blob")))
	require.NoError(t, m.Verify(job.ID, output))
	require.NoError(t, m.CheckEscrowInvariant())

	require.NoError(t, m.Settle(job.ID))
	assert.Equal(t, "10000", ledger.Balance(worker).String())
	assert.Equal(t, "0", ledger.EscrowBalance().String())
	require.NoError(t, m.CheckEscrowInvariant())

	got, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, got.State)
	assert.True(t, got.State.Terminal())
}

func TestVerifyFailureSlashes(t *testing.T) {
	m, ledger, _ := newTestManager(t)

	commit := common.Hash(sha256.Sum256([]byte("promised output")))
	job, err := m.CreateJob("task-1", payer, worker, big.NewInt(10_000))
	require.NoError(t, err)
	require.NoError(t, m.Commit(job.ID, commit))
	require.NoError(t, m.Prove(job.ID, []byte("proof")))

	require.NoError(t, m.Verify(job.ID, []byte("different output")))

	got, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSlashed, got.State)

	// 500 bps fee on 10000 is 500; the payer gets 9500 back.
	assert.Equal(t, "99500", ledger.Balance(payer).String())
	assert.Equal(t, "500", ledger.Balance(treasury).String())
	assert.Equal(t, "0", ledger.Balance(worker).String())
	require.NoError(t, m.CheckEscrowInvariant())
}

func TestTimeoutSweepSlashes(t *testing.T) {
	m, ledger, clock := newTestManager(t)
	m.SetTimeout(time.Minute)

	job, err := m.CreateJob("task-1", payer, worker, big.NewInt(10_000))
	require.NoError(t, err)
	require.NoError(t, m.Commit(job.ID, common.Hash{}))

	// Before the deadline nothing happens.
	assert.Empty(t, m.SweepTimeouts())

	clock.Advance(2 * time.Minute)
	slashed := m.SweepTimeouts()
	require.Len(t, slashed, 1)
	assert.Equal(t, job.ID, slashed[0])

	got, _ := m.Get(job.ID)
	assert.Equal(t, StateSlashed, got.State)
	assert.Equal(t, "99500", ledger.Balance(payer).String())
	require.NoError(t, m.CheckEscrowInvariant())
}

func TestVerifiedJobsSurviveSweep(t *testing.T) {
	m, _, clock := newTestManager(t)
	m.SetTimeout(time.Minute)

	output := []byte("done")
	job, err := m.CreateJob("task-1", payer, worker, big.NewInt(1000))
	require.NoError(t, err)
	require.NoError(t, m.Commit(job.ID, common.Hash(sha256.Sum256(output))))
	require.NoError(t, m.Prove(job.ID, []byte("p")))
	require.NoError(t, m.Verify(job.ID, output))

	clock.Advance(time.Hour)
	assert.Empty(t, m.SweepTimeouts(), "verified jobs wait for settlement, not slashing")
}

func TestInvalidTransitionsRejected(t *testing.T) {
	m, _, _ := newTestManager(t)

	job, err := m.CreateJob("task-1", payer, worker, big.NewInt(1000))
	require.NoError(t, err)

	// Created cannot settle or prove.
	assert.ErrorIs(t, m.Settle(job.ID), ErrInvalidTransition)
	assert.ErrorIs(t, m.Prove(job.ID, []byte("p")), ErrInvalidTransition)

	// Terminal jobs refuse everything.
	require.NoError(t, m.Slash(job.ID, "test"))
	assert.ErrorIs(t, m.Commit(job.ID, common.Hash{}), ErrJobTerminal)
}

func TestDuplicateTransitionsAreIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)

	job, err := m.CreateJob("task-1", payer, worker, big.NewInt(1000))
	require.NoError(t, err)
	require.NoError(t, m.Commit(job.ID, common.Hash{}))
	before := len(m.Journal())

	// Repeats succeed without new journal entries.
	require.NoError(t, m.Commit(job.ID, common.Hash{}))
	require.NoError(t, m.Commit(job.ID, common.Hash{}))
	assert.Len(t, m.Journal(), before)
}

func TestJournalMonotonicAndReplayable(t *testing.T) {
	m, _, _ := newTestManager(t)

	output := []byte("result")
	commit := common.Hash(sha256.Sum256(output))

	a, err := m.CreateJob("task-1", payer, worker, big.NewInt(1000))
	require.NoError(t, err)
	b, err := m.CreateJob("task-1", payer, worker, big.NewInt(2000))
	require.NoError(t, err)

	require.NoError(t, m.Commit(a.ID, commit))
	require.NoError(t, m.Prove(a.ID, []byte("p")))
	require.NoError(t, m.Verify(a.ID, output))
	require.NoError(t, m.Settle(a.ID))
	require.NoError(t, m.Slash(b.ID, "test"))

	journal := m.Journal()
	for i := 1; i < len(journal); i++ {
		assert.Equal(t, journal[i-1].Seq+1, journal[i].Seq, "seq is strictly monotonic")
	}

	replayed := ReplayStates(journal)
	assert.Equal(t, StateSettled, replayed[a.ID])
	assert.Equal(t, StateSlashed, replayed[b.ID])

	for id, st := range replayed {
		live, err := m.Get(id)
		require.NoError(t, err)
		assert.Equal(t, live.State, st, "replay matches live state")
	}
}

func TestCreateJobFailsWithoutFunds(t *testing.T) {
	ledger := payment.NewLedger(nil, events.NopSink{}, nil)
	m := NewManager(ledger, events.NopSink{}, nil, nil, treasury)

	_, err := m.CreateJob("task-1", payer, worker, big.NewInt(1000))
	assert.ErrorIs(t, err, payment.ErrInsufficientFunds)
}

// signedProofVerifier accepts only proofs that carry a fixed tag, regardless
// of the commitment. Stands in for a real proof system.
type signedProofVerifier struct{ tag string }

func (v signedProofVerifier) Verify(proof []byte, _ common.Hash, _ []byte) bool {
	return string(proof) == v.tag
}

func TestCustomVerifierDecidesOnProof(t *testing.T) {
	m, ledger, _ := newTestManager(t)
	m.SetVerifier(signedProofVerifier{tag: "valid-proof"})

	output := []byte("result")
	commit := common.Hash(sha256.Sum256(output))

	good, err := m.CreateJob("task-1", payer, worker, big.NewInt(1000))
	require.NoError(t, err)
	require.NoError(t, m.Commit(good.ID, commit))
	require.NoError(t, m.Prove(good.ID, []byte("valid-proof")))
	require.NoError(t, m.Verify(good.ID, output))
	got, err := m.Get(good.ID)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, got.State)

	// Matching output is not enough: a bad proof blob fails and slashes.
	bad, err := m.CreateJob("task-1", payer, worker, big.NewInt(1000))
	require.NoError(t, err)
	require.NoError(t, m.Commit(bad.ID, commit))
	require.NoError(t, m.Prove(bad.ID, []byte("forged")))
	require.NoError(t, m.Verify(bad.ID, output))
	got, err = m.Get(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSlashed, got.State)
	assert.Equal(t, "0", ledger.Balance(worker).String())
}

func TestSlashFeeOverride(t *testing.T) {
	m, ledger, _ := newTestManager(t)
	m.SetSlashFee(1000)

	job, err := m.CreateJob("task-1", payer, worker, big.NewInt(10_000))
	require.NoError(t, err)
	require.NoError(t, m.Slash(job.ID, "test"))

	// 1000 bps on 10000 is 1000 to the treasury, 9000 back.
	assert.Equal(t, "99000", ledger.Balance(payer).String())
	assert.Equal(t, "1000", ledger.Balance(treasury).String())
}

type memJournalSink struct {
	entries []JournalEntry
}

func (s *memJournalSink) Append(e JournalEntry) error {
	s.entries = append(s.entries, e)
	return nil
}

func TestJournalSinkReceivesEveryTransitionOnce(t *testing.T) {
	m, _, _ := newTestManager(t)
	sink := &memJournalSink{}
	m.SetJournalSink(sink)

	output := []byte("out")
	commit := common.Hash(sha256.Sum256(output))

	job, err := m.CreateJob("task-1", payer, worker, big.NewInt(1000))
	require.NoError(t, err)
	require.NoError(t, m.Commit(job.ID, commit))
	require.NoError(t, m.Commit(job.ID, commit)) // idempotent repeat, no entry
	require.NoError(t, m.Prove(job.ID, []byte("p")))
	require.NoError(t, m.Verify(job.ID, output))
	require.NoError(t, m.Settle(job.ID))

	require.Len(t, sink.entries, 5)
	assert.Equal(t, m.Journal(), sink.entries, "sink mirrors the in-memory journal")
	assert.Equal(t, StateSettled, ReplayStates(sink.entries)[job.ID])
}

package verifiable

import (
	"crypto/sha256"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/events"
	"github.com/mosaicprotocol/coordinator/internal/metrics"
	"github.com/mosaicprotocol/coordinator/internal/payment"
)

// DefaultSlashFeeBps is the protocol's cut of a slashed escrow.
const DefaultSlashFeeBps = 500

// DefaultJobTimeout bounds how long a job may sit pre-verification before a
// sweep slashes it.
const DefaultJobTimeout = 10 * time.Minute

// Manager owns all verifiable jobs and their journal. Escrow moves through
// the payment ledger; the invariant is that the ledger's held total always
// equals the sum of non-terminal job amounts.
type Manager struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	journal []JournalEntry
	seq     uint64

	ledger      *payment.Ledger
	sink        events.Sink
	clock       core.Clock
	mets        *metrics.Metrics
	treasury    common.Address
	slashFeeBps int64
	timeout     time.Duration
	persist     JournalSink
	verifier    Verifier
	logger      *log.Logger
}

// JournalSink receives every journal entry as it is written, for durable
// storage. Appends are best-effort: a failing sink is logged, not fatal,
// since the in-memory journal remains authoritative for a running manager.
type JournalSink interface {
	Append(entry JournalEntry) error
}

// Verifier decides whether a proof demonstrates that output matches the
// committed hash. Implementations must be pure: same inputs, same answer.
type Verifier interface {
	Verify(proof []byte, commitment common.Hash, output []byte) bool
}

// CommitmentVerifier is the default scheme: the commitment is sha256 of the
// output, and the proof is the output's preimage role itself, so an empty
// proof is acceptable.
type CommitmentVerifier struct{}

// Verify reports whether sha256(output) equals the commitment.
func (CommitmentVerifier) Verify(_ []byte, commitment common.Hash, output []byte) bool {
	return sha256.Sum256(output) == [32]byte(commitment)
}

// NewManager creates a job manager. mets may be nil.
func NewManager(ledger *payment.Ledger, sink events.Sink, clock core.Clock, mets *metrics.Metrics, treasury common.Address) *Manager {
	if sink == nil {
		sink = events.NopSink{}
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Manager{
		jobs:        make(map[string]*Job),
		ledger:      ledger,
		sink:        sink,
		clock:       clock,
		mets:        mets,
		treasury:    treasury,
		slashFeeBps: DefaultSlashFeeBps,
		timeout:     DefaultJobTimeout,
		verifier:    CommitmentVerifier{},
		logger:      log.New(log.Writer(), "[Verifiable] ", log.LstdFlags),
	}
}

// SetTimeout overrides the pre-verification deadline for new jobs.
func (m *Manager) SetTimeout(d time.Duration) { m.timeout = d }

// SetJournalSink installs durable journal storage. Call before first use.
func (m *Manager) SetJournalSink(s JournalSink) { m.persist = s }

// SetVerifier swaps the proof scheme. Call before first use.
func (m *Manager) SetVerifier(v Verifier) {
	if v != nil {
		m.verifier = v
	}
}

// SetSlashFee overrides the protocol's cut of slashed escrows, in basis
// points. Out-of-range values are ignored.
func (m *Manager) SetSlashFee(bps int64) {
	if bps >= 0 && bps <= 10_000 {
		m.slashFeeBps = bps
	}
}

func (m *Manager) persistEntry(e JournalEntry) {
	if m.persist == nil {
		return
	}
	if err := m.persist.Append(e); err != nil {
		m.logger.Printf("journal persist seq=%d job=%s: %v", e.Seq, e.JobID, err)
	}
}

// CreateJob escrows amount from the payer and opens a job in Created.
func (m *Manager) CreateJob(taskID string, payer, worker common.Address, amount *big.Int) (*Job, error) {
	jobID := uuid.New().String()
	if err := m.ledger.Escrow(jobID, payer, amount); err != nil {
		return nil, fmt.Errorf("escrow for job: %w", err)
	}

	now := m.clock.Now()
	job := &Job{
		ID:        jobID,
		TaskID:    taskID,
		Payer:     payer,
		Worker:    worker,
		Amount:    new(big.Int).Set(amount),
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
		Deadline:  now.Add(m.timeout),
	}

	m.mu.Lock()
	m.jobs[jobID] = job
	m.seq++
	entry := JournalEntry{
		Seq: m.seq, JobID: jobID, From: "", To: StateCreated, At: now.UnixMilli(),
	}
	m.journal = append(m.journal, entry)
	m.mu.Unlock()
	m.persistEntry(entry)

	m.sink.Emit(events.VerificationStart, taskID, map[string]interface{}{
		"jobId":  jobID,
		"worker": worker.Hex(),
		"amount": amount.String(),
	})
	m.sink.Emit(events.VerificationJobCreated, taskID, map[string]interface{}{
		"jobId":    jobID,
		"deadline": job.Deadline.UnixMilli(),
	})
	if m.mets != nil {
		m.mets.JobTransitions.WithLabelValues(string(StateCreated)).Inc()
	}
	return job.clone(), nil
}

// Commit records the worker's commitment hash. A repeat Commit on an already
// committed job is a no-op.
func (m *Manager) Commit(jobID string, commitHash common.Hash) error {
	job, dup, err := m.transition(jobID, StateCommitted, "commit")
	if err != nil {
		return err
	}
	if dup {
		return nil
	}

	m.mu.Lock()
	job.CommitHash = commitHash
	taskID := job.TaskID
	m.mu.Unlock()

	m.sink.Emit(events.VerificationCommitted, taskID, map[string]interface{}{
		"jobId":      jobID,
		"commitHash": commitHash.Hex(),
	})
	return nil
}

// Prove attaches the proof over the committed output and advances to Proven.
func (m *Manager) Prove(jobID string, proof []byte) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	taskID := job.TaskID
	m.mu.Unlock()

	m.sink.Emit(events.VerificationProofGenerating, taskID, map[string]interface{}{"jobId": jobID})

	_, dup, err := m.transition(jobID, StateProven, "prove")
	if err != nil {
		return err
	}
	if dup {
		return nil
	}

	m.mu.Lock()
	job.Proof = append([]byte(nil), proof...)
	m.mu.Unlock()

	m.sink.Emit(events.VerificationProofGenerated, taskID, map[string]interface{}{
		"jobId":     jobID,
		"proofSize": len(proof),
	})
	return nil
}

// Verify checks the proof against the commitment. A pass moves the job to
// Verified; a fail slashes it immediately.
func (m *Manager) Verify(jobID string, output []byte) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	taskID := job.TaskID
	commit := job.CommitHash
	proof := append([]byte(nil), job.Proof...)
	m.mu.Unlock()

	m.sink.Emit(events.VerificationSubmitted, taskID, map[string]interface{}{"jobId": jobID})

	if !m.verifier.Verify(proof, commit, output) {
		m.sink.Emit(events.VerificationError, taskID, map[string]interface{}{
			"jobId":  jobID,
			"reason": "proof does not verify against commitment",
		})
		return m.Slash(jobID, "verification failed")
	}

	_, dup, err := m.transition(jobID, StateVerified, "verify")
	if err != nil {
		return err
	}
	if !dup {
		m.sink.Emit(events.VerificationVerified, taskID, map[string]interface{}{"jobId": jobID})
	}
	return nil
}

// Settle releases the escrow to the worker. Only Verified jobs settle.
func (m *Manager) Settle(jobID string) error {
	job, dup, err := m.transition(jobID, StateSettled, "settle")
	if err != nil {
		return err
	}
	if dup {
		return nil
	}

	released, err := m.ledger.Release(jobID, job.Worker)
	if err != nil {
		// The journal already moved; surface the ledger fault loudly.
		m.logger.Printf("settle %s: escrow release failed: %v", jobID, err)
		return err
	}

	m.sink.Emit(events.VerificationSettled, job.TaskID, map[string]interface{}{
		"jobId":  jobID,
		"worker": job.Worker.Hex(),
		"amount": released.String(),
	})
	m.sink.Emit(events.VerificationComplete, job.TaskID, map[string]interface{}{"jobId": jobID})
	return nil
}

// Slash terminates the job and refunds the payer minus the protocol fee.
func (m *Manager) Slash(jobID, reason string) error {
	job, dup, err := m.transition(jobID, StateSlashed, reason)
	if err != nil {
		return err
	}
	if dup {
		return nil
	}

	refund, fee, err := m.ledger.Slash(jobID, m.treasury, m.slashFeeBps)
	if err != nil {
		m.logger.Printf("slash %s: escrow return failed: %v", jobID, err)
		return err
	}

	m.sink.Emit(events.VerificationSlashed, job.TaskID, map[string]interface{}{
		"jobId":  jobID,
		"reason": reason,
		"refund": refund.String(),
		"fee":    fee.String(),
	})
	return nil
}

// SweepTimeouts slashes every non-terminal, pre-Verified job past its
// deadline. Returns the ids slashed.
func (m *Manager) SweepTimeouts() []string {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []string
	for id, job := range m.jobs {
		if job.State.Terminal() || job.State == StateVerified {
			continue
		}
		if now.After(job.Deadline) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.Slash(id, "timeout"); err != nil {
			m.logger.Printf("timeout sweep: slash %s: %v", id, err)
		}
	}
	return expired
}

// Get returns a copy of the job.
func (m *Manager) Get(jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job.clone(), nil
}

// Journal returns a copy of the transition log, in Seq order.
func (m *Manager) Journal() []JournalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]JournalEntry(nil), m.journal...)
}

// ReplayStates folds a journal into the final state per job. Replaying the
// manager's own journal must reproduce its live states exactly.
func ReplayStates(journal []JournalEntry) map[string]State {
	states := make(map[string]State)
	for _, e := range journal {
		states[e.JobID] = e.To
	}
	return states
}

// HeldTotal sums the amounts of all non-terminal jobs.
func (m *Manager) HeldTotal() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := new(big.Int)
	for _, job := range m.jobs {
		if !job.State.Terminal() {
			total.Add(total, job.Amount)
		}
	}
	return total
}

// CheckEscrowInvariant asserts the ledger holds exactly the non-terminal sum.
func (m *Manager) CheckEscrowInvariant() error {
	held := m.HeldTotal()
	ledgerHeld := m.ledger.EscrowBalance()
	if held.Cmp(ledgerHeld) != 0 {
		return fmt.Errorf("escrow drift: jobs hold %s, ledger holds %s", held, ledgerHeld)
	}
	return nil
}

// transition applies from->to under the lock, journals it, and returns the
// job. dup is true when the job already sits in the target state, which is
// treated as an idempotent repeat rather than an error.
func (m *Manager) transition(jobID string, to State, note string) (job *Job, dup bool, err error) {
	var entry *JournalEntry
	// Registered before the unlock defer so persistence runs outside the lock.
	defer func() {
		if entry != nil {
			m.persistEntry(*entry)
		}
	}()
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.State == to {
		return job, true, nil
	}
	if !transitionAllowed(job.State, to) {
		return nil, false, invalidTransition(jobID, job.State, to)
	}

	from := job.State
	job.State = to
	job.UpdatedAt = m.clock.Now()
	m.seq++
	e := JournalEntry{
		Seq: m.seq, JobID: jobID, From: from, To: to, At: job.UpdatedAt.UnixMilli(), Note: note,
	}
	m.journal = append(m.journal, e)
	entry = &e
	if m.mets != nil {
		m.mets.JobTransitions.WithLabelValues(string(to)).Inc()
	}
	return job, false, nil
}

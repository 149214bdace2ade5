// Package payment owns all USDC balance state: the transfer ledger, job
// escrow sub-accounts, delegated budgets, and the streaming micro-payment
// meter. Amounts are big.Int minor units (6 decimals); floats never touch
// money.
package payment

import (
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/events"
	"github.com/mosaicprotocol/coordinator/internal/metrics"
)

var (
	// ErrInsufficientFunds means the payer balance cannot cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrEscrowNotFound means no escrow entry exists for the job.
	ErrEscrowNotFound = errors.New("no escrow for job")
	// ErrInvalidAmount rejects nil, zero or negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// escrowEntry is one job's funds held by the ledger on behalf of the
// verifiable job manager.
type escrowEntry struct {
	from   common.Address
	amount *big.Int
}

// Ledger is the single owner of balance state. Every mutation happens under
// one lock; reads return copies.
type Ledger struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	escrow   map[string]*escrowEntry

	delegations map[common.Address]*Delegation // keyed by delegated-to agent address

	nonce  uint64
	hasher core.TxHasher
	sink   events.Sink
	mets   *metrics.Metrics
	logger *log.Logger
}

// NewLedger creates an empty ledger. mets may be nil (tests).
func NewLedger(hasher core.TxHasher, sink events.Sink, mets *metrics.Metrics) *Ledger {
	if hasher == nil {
		hasher = core.Sha256TxHasher{}
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Ledger{
		balances:    make(map[common.Address]*big.Int),
		escrow:      make(map[string]*escrowEntry),
		delegations: make(map[common.Address]*Delegation),
		hasher:      hasher,
		sink:        sink,
		mets:        mets,
		logger:      log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
	}
}

// Credit funds an account. Used at boot (seeding mirrored balances) and by
// the payment verifier when an on-chain deposit is confirmed.
func (l *Ledger) Credit(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditLocked(addr, amount)
	return nil
}

// Balance returns a copy of the current balance (zero for unknown accounts).
func (l *Ledger) Balance(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Transfer moves amount from one account to another atomically. Emits
// payment:sending before the mutation and payment:confirmed after, so every
// confirmed event has exactly one matching sending event.
func (l *Ledger) Transfer(taskID string, from, to common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, ErrInvalidAmount
	}

	l.sink.Emit(events.PaymentSending, taskID, map[string]interface{}{
		"from":   from.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
	})

	l.mu.Lock()
	bal, ok := l.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		l.mu.Unlock()
		if l.mets != nil {
			l.mets.PaymentsTotal.WithLabelValues("failed").Inc()
		}
		return common.Hash{}, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), l.Balance(from), amount)
	}
	bal.Sub(bal, amount)
	l.creditLocked(to, amount)
	l.nonce++
	txHash := l.hasher.Hash(from, to, amount.String(), l.nonce)
	l.mu.Unlock()

	l.sink.Emit(events.PaymentConfirmed, taskID, map[string]interface{}{
		"from":   from.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
		"txHash": txHash.Hex(),
	})
	if l.mets != nil {
		l.mets.PaymentsTotal.WithLabelValues("confirmed").Inc()
	}
	return txHash, nil
}

// Escrow moves amount from the payer into the job's escrow sub-account.
func (l *Ledger) Escrow(jobID string, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.escrow[jobID]; exists {
		return fmt.Errorf("escrow already held for job %s", jobID)
	}
	bal, ok := l.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: escrow for job %s", ErrInsufficientFunds, jobID)
	}
	bal.Sub(bal, amount)
	l.escrow[jobID] = &escrowEntry{from: from, amount: new(big.Int).Set(amount)}
	l.updateEscrowGaugeLocked()
	return nil
}

// Release pays the full escrowed amount to the worker.
func (l *Ledger) Release(jobID string, to common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.escrow[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, jobID)
	}
	delete(l.escrow, jobID)
	l.creditLocked(to, entry.amount)
	l.updateEscrowGaugeLocked()
	return new(big.Int).Set(entry.amount), nil
}

// Slash returns the escrow to the payer minus a protocol fee of feeBps basis
// points, credited to the treasury. Returns (refunded, fee).
func (l *Ledger) Slash(jobID string, treasury common.Address, feeBps int64) (*big.Int, *big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.escrow[jobID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, jobID)
	}
	delete(l.escrow, jobID)

	fee := new(big.Int).Mul(entry.amount, big.NewInt(feeBps))
	fee.Div(fee, big.NewInt(10_000))
	refund := new(big.Int).Sub(entry.amount, fee)

	if fee.Sign() > 0 {
		l.creditLocked(treasury, fee)
	}
	if refund.Sign() > 0 {
		l.creditLocked(entry.from, refund)
	}
	l.updateEscrowGaugeLocked()
	l.logger.Printf("slashed job %s: refunded %s to %s, fee %s", jobID, refund, entry.from.Hex(), fee)
	return refund, fee, nil
}

// EscrowBalance is the total held across all jobs. The verifiable job
// manager asserts this equals the sum of its non-terminal job amounts.
func (l *Ledger) EscrowBalance() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := new(big.Int)
	for _, e := range l.escrow {
		total.Add(total, e.amount)
	}
	return total
}

func (l *Ledger) creditLocked(addr common.Address, amount *big.Int) {
	if b, ok := l.balances[addr]; ok {
		b.Add(b, amount)
		return
	}
	l.balances[addr] = new(big.Int).Set(amount)
}

func (l *Ledger) updateEscrowGaugeLocked() {
	if l.mets == nil {
		return
	}
	total := new(big.Int)
	for _, e := range l.escrow {
		total.Add(total, e.amount)
	}
	f, _ := new(big.Float).SetInt(total).Float64()
	l.mets.EscrowHeld.Set(f)
}

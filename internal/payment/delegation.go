package payment

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrBudgetExhausted means the delegation cannot cover the reservation.
	ErrBudgetExhausted = errors.New("delegated budget exhausted")
	// ErrNoDelegation means no delegation covers the agent address.
	ErrNoDelegation = errors.New("no delegation for agent")
	// ErrBudgetBelowSpent rejects shrinking maxBudget under what is already spent.
	ErrBudgetBelowSpent = errors.New("max budget below spent budget")
)

// Delegation lets an agent spend from a user's wallet up to a cap. Spent
// never decreases except through ReleaseReservation after a failed hire.
type Delegation struct {
	Delegator   common.Address `json:"delegator"`
	DelegatedTo common.Address `json:"delegated_to"`
	MaxBudget   *big.Int       `json:"-"`
	SpentBudget *big.Int       `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Remaining is MaxBudget - SpentBudget.
func (d *Delegation) Remaining() *big.Int {
	return new(big.Int).Sub(d.MaxBudget, d.SpentBudget)
}

// DelegateBudget registers or updates the delegation covering agent. An
// existing delegation keeps its SpentBudget; the new cap must not fall below
// what has already been spent.
func (l *Ledger) DelegateBudget(delegator, agent common.Address, maxBudget *big.Int) error {
	if maxBudget == nil || maxBudget.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.delegations[agent]; ok {
		if maxBudget.Cmp(existing.SpentBudget) < 0 {
			return fmt.Errorf("%w: spent %s, new cap %s", ErrBudgetBelowSpent, existing.SpentBudget, maxBudget)
		}
		existing.Delegator = delegator
		existing.MaxBudget = new(big.Int).Set(maxBudget)
		return nil
	}
	l.delegations[agent] = &Delegation{
		Delegator:   delegator,
		DelegatedTo: agent,
		MaxBudget:   new(big.Int).Set(maxBudget),
		SpentBudget: new(big.Int),
		CreatedAt:   time.Now(),
	}
	return nil
}

// DelegationFor returns a copy of the delegation covering agent, if any.
func (l *Ledger) DelegationFor(agent common.Address) (Delegation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.delegations[agent]
	if !ok {
		return Delegation{}, false
	}
	return Delegation{
		Delegator:   d.Delegator,
		DelegatedTo: d.DelegatedTo,
		MaxBudget:   new(big.Int).Set(d.MaxBudget),
		SpentBudget: new(big.Int).Set(d.SpentBudget),
		CreatedAt:   d.CreatedAt,
	}, true
}

// ReserveAgainstDelegation atomically bumps SpentBudget by amount if the cap
// allows it, returning the delegator whose wallet pays. The check and the
// bump happen under one lock so concurrent hires cannot both fit into the
// last slice of budget.
func (l *Ledger) ReserveAgainstDelegation(agent common.Address, amount *big.Int) (common.Address, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Address{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.delegations[agent]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNoDelegation, agent.Hex())
	}
	next := new(big.Int).Add(d.SpentBudget, amount)
	if next.Cmp(d.MaxBudget) > 0 {
		if l.mets != nil {
			l.mets.DelegationReserve.WithLabelValues("exhausted").Inc()
		}
		return common.Address{}, fmt.Errorf("%w: remaining %s, need %s", ErrBudgetExhausted, d.Remaining(), amount)
	}
	d.SpentBudget = next
	if l.mets != nil {
		l.mets.DelegationReserve.WithLabelValues("ok").Inc()
	}
	return d.Delegator, nil
}

// ReleaseReservation hands budget back after a hire that reserved it failed
// before paying. SpentBudget never goes negative.
func (l *Ledger) ReleaseReservation(agent common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.delegations[agent]
	if !ok {
		return
	}
	d.SpentBudget.Sub(d.SpentBudget, amount)
	if d.SpentBudget.Sign() < 0 {
		d.SpentBudget.SetInt64(0)
	}
	if l.mets != nil {
		l.mets.DelegationReserve.WithLabelValues("released").Inc()
	}
}

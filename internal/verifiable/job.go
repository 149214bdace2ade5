// Package verifiable runs the escrow-backed job lifecycle. Funds are held
// when the job is created, the worker commits to its output, proves it, and
// a verification pass releases the escrow. Failures or timeouts slash: the
// payer is refunded minus the protocol fee.
package verifiable

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State is a verifiable job's lifecycle position.
type State string

const (
	StateCreated   State = "created"
	StateCommitted State = "committed"
	StateProven    State = "proven"
	StateVerified  State = "verified"
	StateSettled   State = "settled"
	StateSlashed   State = "slashed"
)

// validTransitions is the authoritative edge set. Everything not listed is
// rejected.
var validTransitions = map[State][]State{
	StateCreated:   {StateCommitted, StateSlashed},
	StateCommitted: {StateProven, StateSlashed},
	StateProven:    {StateVerified, StateSlashed},
	StateVerified:  {StateSettled},
	StateSettled:   {},
	StateSlashed:   {},
}

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	return len(validTransitions[s]) == 0
}

func transitionAllowed(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrJobNotFound means no job carries the id.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition means the requested state change is not an edge
	// of the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrJobTerminal means the job is settled or slashed and immutable.
	ErrJobTerminal = errors.New("job in terminal state")
)

// Job is one escrow-backed unit of verifiable work.
type Job struct {
	ID     string
	TaskID string
	Payer  common.Address
	Worker common.Address
	Amount *big.Int

	State      State
	CommitHash common.Hash
	Proof      []byte

	CreatedAt time.Time
	UpdatedAt time.Time
	Deadline  time.Time
}

// clone returns a defensive copy for callers outside the manager lock.
func (j *Job) clone() *Job {
	cp := *j
	cp.Amount = new(big.Int).Set(j.Amount)
	if j.Proof != nil {
		cp.Proof = append([]byte(nil), j.Proof...)
	}
	return &cp
}

// JournalEntry is one recorded transition. Seq is strictly monotonic across
// the whole journal; replaying entries in Seq order reconstructs every job's
// final state.
type JournalEntry struct {
	Seq   uint64 `json:"seq"`
	JobID string `json:"job_id"`
	From  State  `json:"from"`
	To    State  `json:"to"`
	At    int64  `json:"at"` // Unix ms
	Note  string `json:"note,omitempty"`
}

func invalidTransition(jobID string, from, to State) error {
	if from.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobTerminal, jobID, from)
	}
	return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, jobID, from, to)
}

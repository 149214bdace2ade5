// Package circuitbreaker protects the coordinator's outbound dependencies
// (registry reads, planner calls, worker executions, chain RPC) from
// cascading failures.
package circuitbreaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // passing traffic
	StateOpen                  // shedding traffic
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen means the breaker is shedding traffic.
	ErrOpen = errors.New("circuit open")
	// ErrProbeBusy means the half-open probe quota is spent.
	ErrProbeBusy = errors.New("half-open probe limit reached")
)

// Counts is the per-generation request tally.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

func (c Counts) failureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Requests)
}

// Config tunes one breaker.
type Config struct {
	Name        string
	MaxProbes   uint32        // requests allowed while half-open
	Interval    time.Duration // closed-state tally reset period
	OpenTimeout time.Duration // how long open lasts before probing
	TripWhen    func(Counts) bool
}

func (c Config) withDefaults() Config {
	if c.MaxProbes == 0 {
		c.MaxProbes = 3
	}
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.TripWhen == nil {
		c.TripWhen = func(c Counts) bool {
			return c.Requests >= 5 && c.failureRatio() > 0.5
		}
	}
	return c
}

// Breaker is one circuit. Generation counting discards results that arrive
// after the breaker already moved on.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	logger     *log.Logger
}

// New creates a breaker.
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:    cfg,
		logger: log.New(log.Writer(), fmt.Sprintf("[Breaker:%s] ", cfg.Name), log.LstdFlags),
	}
}

// State reports the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Counts returns the current tally.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	err = fn()
	b.after(gen, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)

	if state == StateOpen {
		return gen, fmt.Errorf("%w: %s", ErrOpen, b.cfg.Name)
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return gen, fmt.Errorf("%w: %s", ErrProbeBusy, b.cfg.Name)
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if gen != current {
		return
	}

	if success {
		b.counts.Successes++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.cfg.TripWhen(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	b.logger.Printf("state %s -> %s", prev, state)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.OpenTimeout)
	default:
		b.expiry = time.Time{}
	}
}

// Set bundles the coordinator's pre-configured breakers, one per outbound
// dependency class.
type Set struct {
	Registry *Breaker // on-chain registry reads
	Planner  *Breaker // external planner endpoint
	Execute  *Breaker // worker-agent executions
	Chain    *Breaker // payment verification RPC
}

// NewSet builds the standard breakers. Executions tolerate more failure
// than the planner: a flaky worker shouldn't shed all hires, while a dead
// planner fails everything anyway.
func NewSet() *Set {
	return &Set{
		Registry: New(Config{
			Name:        "registry",
			OpenTimeout: 20 * time.Second,
			TripWhen:    func(c Counts) bool { return c.ConsecutiveFailures >= 5 },
		}),
		Planner: New(Config{
			Name:        "planner",
			OpenTimeout: 30 * time.Second,
			TripWhen:    func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
		}),
		Execute: New(Config{
			Name:        "execute",
			Interval:    120 * time.Second,
			OpenTimeout: 30 * time.Second,
			TripWhen:    func(c Counts) bool { return c.Requests >= 10 && c.failureRatio() > 0.8 },
		}),
		Chain: New(Config{
			Name:        "chain",
			OpenTimeout: 15 * time.Second,
			TripWhen:    func(c Counts) bool { return c.ConsecutiveFailures >= 4 },
		}),
	}
}

// Health reports each breaker's state and whether any circuit is open.
func (s *Set) Health() (bool, map[string]string) {
	states := map[string]string{
		"registry": s.Registry.State().String(),
		"planner":  s.Planner.State().String(),
		"execute":  s.Execute.State().String(),
		"chain":    s.Chain.State().String(),
	}
	for _, st := range states {
		if st == StateOpen.String() {
			return false, states
		}
	}
	return true, states
}

package quote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/metrics"
	"github.com/mosaicprotocol/coordinator/internal/registry"
	"github.com/mosaicprotocol/coordinator/internal/selection"
	"github.com/mosaicprotocol/coordinator/internal/task"
)

var (
	// ErrTaskLength rejects tasks outside the 10..2000 char window.
	ErrTaskLength = errors.New("task length out of bounds")
	// ErrQuoteExpired means the quote's expiry passed before payment.
	ErrQuoteExpired = errors.New("quote expired")
)

// Fees is the quote fee stack in basis points.
type Fees struct {
	CoordinatorBps int64
	BufferBps      int64
	PlatformBps    int64
}

// DefaultFees is 10% coordinator, 5% buffer, 2.5% platform.
func DefaultFees() Fees {
	return Fees{CoordinatorBps: 1000, BufferBps: 500, PlatformBps: 250}
}

// Service generates and validates quotes.
type Service struct {
	planner  task.Planner
	registry *registry.Client
	store    Store
	key      []byte
	fees     Fees
	ttl      time.Duration
	selOpts  selection.Options
	clock    core.Clock
	mets     *metrics.Metrics
	logger   *log.Logger
}

// NewService wires the quote pipeline. mets may be nil.
func NewService(planner task.Planner, reg *registry.Client, store Store, signingKey []byte, fees Fees, ttl time.Duration, clock core.Clock, mets *metrics.Metrics) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Service{
		planner:  planner,
		registry: reg,
		store:    store,
		key:      signingKey,
		fees:     fees,
		ttl:      ttl,
		clock:    clock,
		mets:     mets,
		logger:   log.New(log.Writer(), "[Quote] ", log.LstdFlags),
	}
}

// Generate plans the task without executing and prices each planned
// capability with the agent the selector would pick right now.
func (s *Service) Generate(ctx context.Context, taskText string) (*Quote, error) {
	if len(taskText) < MinTaskLen || len(taskText) > MaxTaskLen {
		return nil, fmt.Errorf("%w: %d chars, want %d..%d", ErrTaskLength, len(taskText), MinTaskLen, MaxTaskLen)
	}

	plan, err := s.planner.Plan(ctx, taskText)
	if err != nil {
		return nil, fmt.Errorf("plan for quote: %w", err)
	}
	if len(plan) == 0 {
		return nil, task.ErrPlanEmpty
	}
	if len(plan) > task.MaxSubtasks {
		plan = plan[:task.MaxSubtasks]
	}

	subtotal := new(big.Int)
	items := make([]LineItem, 0, len(plan))
	for _, st := range plan {
		disc, err := s.registry.DiscoverByCapability(ctx, st.Capability)
		if err != nil {
			if st.Optional {
				continue
			}
			return nil, fmt.Errorf("quote %s: %w", st.Capability, err)
		}
		sel, err := selection.Select(disc.Capability, disc.Candidates, s.selOpts)
		if err != nil {
			if st.Optional {
				continue
			}
			return nil, fmt.Errorf("quote %s: %w", st.Capability, err)
		}

		price := new(big.Int)
		if sel.Selected.Price != nil {
			price.Set(sel.Selected.Price)
		}
		subtotal.Add(subtotal, price)
		items = append(items, LineItem{
			Capability: disc.Capability,
			AgentName:  sel.Selected.Name,
			TokenID:    sel.Selected.TokenID,
			Price:      price.String(),
		})
	}
	if len(items) == 0 {
		return nil, task.ErrPlanEmpty
	}

	now := s.clock.Now()
	q := &Quote{
		ID:             uuid.New().String(),
		Task:           taskText,
		Items:          items,
		Subtotal:       subtotal,
		CoordinatorFee: applyBps(subtotal, s.fees.CoordinatorBps),
		Buffer:         applyBps(subtotal, s.fees.BufferBps),
		PlatformFee:    applyBps(subtotal, s.fees.PlatformBps),
		State:          StatePending,
		CreatedAt:      now.UnixMilli(),
		ExpiresAt:      now.Add(s.ttl).UnixMilli(),
	}
	q.Total = new(big.Int).Set(subtotal)
	q.Total.Add(q.Total, q.CoordinatorFee)
	q.Total.Add(q.Total, q.Buffer)
	q.Total.Add(q.Total, q.PlatformFee)
	q.Signature = Sign(s.key, q)

	if err := s.store.Put(q); err != nil {
		return nil, fmt.Errorf("store quote: %w", err)
	}
	if s.mets != nil {
		s.mets.QuotesIssued.Inc()
	}
	s.logger.Printf("quote %s: %d items, total %s, expires %s", q.ID, len(items), q.Total, time.UnixMilli(q.ExpiresAt).UTC().Format(time.RFC3339))
	return q, nil
}

// Get returns the stored quote.
func (s *Service) Get(id string) (*Quote, error) {
	return s.store.Get(id)
}

// Validate confirms the quote exists, is still pending, has not expired,
// and carries a genuine signature. Expired pending quotes are marked so.
func (s *Service) Validate(id string) (*Quote, error) {
	q, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if q.State != StatePending {
		return nil, fmt.Errorf("%w: %s is %s", ErrQuoteNotPending, id, q.State)
	}
	if s.clock.Now().UnixMilli() >= q.ExpiresAt {
		if err := s.store.MarkExpired(id); err == nil && s.mets != nil {
			s.mets.QuotesExpired.Inc()
		}
		return nil, fmt.Errorf("%w: %s", ErrQuoteExpired, id)
	}
	if !VerifySignature(s.key, q) {
		return nil, fmt.Errorf("quote %s: signature mismatch", id)
	}
	return q, nil
}

// MarkExecuted consumes the quote and the payment tx, exactly once.
func (s *Service) MarkExecuted(id, txHash string) error {
	if err := s.store.MarkExecuted(id, txHash); err != nil {
		return err
	}
	if s.mets != nil {
		s.mets.QuotesExecuted.Inc()
	}
	return nil
}

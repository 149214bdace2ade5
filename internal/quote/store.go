package quote

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrQuoteNotFound means no quote carries the id.
	ErrQuoteNotFound = errors.New("quote not found")
	// ErrQuoteNotPending means the quote already executed or expired.
	ErrQuoteNotPending = errors.New("quote not pending")
	// ErrTxConsumed means the payment tx already paid for another quote.
	ErrTxConsumed = errors.New("transaction already consumed")
)

// Store persists quotes. MarkExecuted must be atomic: concurrent execute
// calls for the same quote or the same tx hash admit exactly one.
type Store interface {
	Put(q *Quote) error
	Get(id string) (*Quote, error)
	// MarkExecuted transitions Pending -> Executed and consumes txHash.
	MarkExecuted(id, txHash string) error
	// MarkExpired transitions Pending -> Expired. Idempotent.
	MarkExpired(id string) error
	// PurgeBefore removes terminal quotes whose expiry is older than cutoff.
	PurgeBefore(cutoff time.Time) int
}

// MemoryStore is the in-process store used when no database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	quotes map[string]*Quote
	txUsed map[string]string // txHash -> quoteId
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotes: make(map[string]*Quote),
		txUsed: make(map[string]string),
	}
}

func (s *MemoryStore) Put(q *Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	s.quotes[q.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(id string) (*Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQuoteNotFound, id)
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) MarkExecuted(id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQuoteNotFound, id)
	}
	if q.State != StatePending {
		return fmt.Errorf("%w: %s is %s", ErrQuoteNotPending, id, q.State)
	}
	if holder, used := s.txUsed[txHash]; used {
		return fmt.Errorf("%w: by quote %s", ErrTxConsumed, holder)
	}
	q.State = StateExecuted
	q.TxHash = txHash
	s.txUsed[txHash] = id
	return nil
}

func (s *MemoryStore) MarkExpired(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQuoteNotFound, id)
	}
	switch q.State {
	case StatePending:
		q.State = StateExpired
	case StateExpired:
		// Idempotent.
	default:
		return fmt.Errorf("%w: %s is %s", ErrQuoteNotPending, id, q.State)
	}
	return nil
}

func (s *MemoryStore) PurgeBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoffMs := cutoff.UnixMilli()
	n := 0
	for id, q := range s.quotes {
		if q.State != StatePending && q.ExpiresAt < cutoffMs {
			delete(s.quotes, id)
			n++
		}
	}
	return n
}

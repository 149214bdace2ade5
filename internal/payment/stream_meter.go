package payment

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/events"
	"github.com/mosaicprotocol/coordinator/internal/metrics"
)

// MeterMode selects how micro-payments are honored.
type MeterMode string

const (
	// ModeBatch accumulates micro-payments off-ledger and settles the total
	// in one transfer when the stream closes.
	ModeBatch MeterMode = "batch"
	// ModeOnChain executes a ledger transfer for every micro-payment.
	ModeOnChain MeterMode = "onchain"
)

var (
	// ErrStreamExists means a stream with the id is already open.
	ErrStreamExists = errors.New("stream already open")
	// ErrStreamNotFound means no open stream carries the id.
	ErrStreamNotFound = errors.New("stream not found")
)

// Stream is the metering state for one payer/worker token stream.
type Stream struct {
	StreamID      string
	TaskID        string
	Payer         common.Address
	Worker        common.Address
	PricePerToken *big.Int

	TokensProduced int
	TokensPaidFor  int
	CumulativePaid *big.Int
	MicroPayments  int
	LastSettleAt   int64 // Unix ms, zero until first settle

	Threshold int
	MinMicro  *big.Int
}

// StreamMeter turns token production into micro-payments. The mode is
// process-wide; per-stream thresholds come from the open call.
type StreamMeter struct {
	mu      sync.Mutex
	streams map[string]*Stream

	ledger *Ledger
	sink   events.Sink
	clock  core.Clock
	mets   *metrics.Metrics
	mode   MeterMode

	defaultThreshold int
	defaultMinMicro  *big.Int
}

// NewStreamMeter creates a meter in the given mode.
func NewStreamMeter(ledger *Ledger, sink events.Sink, clock core.Clock, mets *metrics.Metrics, mode MeterMode) *StreamMeter {
	if sink == nil {
		sink = events.NopSink{}
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if mode == "" {
		mode = ModeBatch
	}
	return &StreamMeter{
		streams:          make(map[string]*Stream),
		ledger:           ledger,
		sink:             sink,
		clock:            clock,
		mets:             mets,
		mode:             mode,
		defaultThreshold: 50,
		defaultMinMicro:  big.NewInt(1000),
	}
}

// Mode reports the process-wide settlement mode.
func (m *StreamMeter) Mode() MeterMode { return m.mode }

// SetDefaults overrides the fallback threshold and minimum micro-payment
// used when Open is called without explicit values. Zero or nil arguments
// leave the corresponding default untouched.
func (m *StreamMeter) SetDefaults(threshold int, minMicro *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if threshold > 0 {
		m.defaultThreshold = threshold
	}
	if minMicro != nil && minMicro.Sign() > 0 {
		m.defaultMinMicro = new(big.Int).Set(minMicro)
	}
}

// Open starts metering a stream. threshold <= 0 and minMicro nil take the
// defaults (50 tokens, 1000 minor units).
func (m *StreamMeter) Open(streamID, taskID string, payer, worker common.Address, pricePerToken *big.Int, threshold int, minMicro *big.Int) error {
	if pricePerToken == nil || pricePerToken.Sign() < 0 {
		return ErrInvalidAmount
	}
	if threshold <= 0 {
		threshold = m.defaultThreshold
	}
	if minMicro == nil {
		minMicro = m.defaultMinMicro
	}

	m.mu.Lock()
	if _, exists := m.streams[streamID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamExists, streamID)
	}
	m.streams[streamID] = &Stream{
		StreamID:       streamID,
		TaskID:         taskID,
		Payer:          payer,
		Worker:         worker,
		PricePerToken:  new(big.Int).Set(pricePerToken),
		CumulativePaid: new(big.Int),
		Threshold:      threshold,
		MinMicro:       new(big.Int).Set(minMicro),
	}
	m.mu.Unlock()

	m.sink.Emit(events.StreamOpen, taskID, map[string]interface{}{
		"streamId":      streamID,
		"payer":         payer.Hex(),
		"worker":        worker.Hex(),
		"pricePerToken": pricePerToken.String(),
		"mode":          string(m.mode),
	})
	return nil
}

// OnTokensProduced records n produced tokens and fires a micro-payment when
// both gates open: unpaid tokens >= threshold AND unpaid value >= the
// minimum micro-payment. Below either gate the tokens just accumulate.
func (m *StreamMeter) OnTokensProduced(streamID string, n int) error {
	if n <= 0 {
		return nil
	}

	m.mu.Lock()
	s, ok := m.streams[streamID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	s.TokensProduced += n

	unpaid := s.TokensProduced - s.TokensPaidFor
	owed := new(big.Int).Mul(big.NewInt(int64(unpaid)), s.PricePerToken)
	if unpaid < s.Threshold || owed.Cmp(s.MinMicro) < 0 {
		m.mu.Unlock()
		return nil
	}

	// In on-chain mode the transfer must land before the meter records the
	// tokens as paid, so a failed transfer leaves them unpaid and a later
	// call or Close settles them.
	var txHash common.Hash
	if m.mode == ModeOnChain {
		var err error
		txHash, err = m.ledger.Transfer(s.TaskID, s.Payer, s.Worker, owed)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("on-chain micro-payment: %w", err)
		}
	}

	s.TokensPaidFor = s.TokensProduced
	s.CumulativePaid.Add(s.CumulativePaid, owed)
	s.MicroPayments++
	s.LastSettleAt = m.clock.Now().UnixMilli()
	payload := map[string]interface{}{
		"streamId":       s.StreamID,
		"tokens":         unpaid,
		"amount":         owed.String(),
		"cumulativePaid": s.CumulativePaid.String(),
	}
	taskID := s.TaskID
	m.mu.Unlock()

	if m.mets != nil {
		m.mets.MicroPayments.Inc()
	}

	if m.mode == ModeOnChain {
		payload["txHash"] = txHash.Hex()
		m.sink.Emit(events.StreamOnchain, taskID, payload)
		return nil
	}
	m.sink.Emit(events.StreamMicro, taskID, payload)
	return nil
}

// Close settles the stream and removes it. In batch mode the entire
// cumulative owed (paid-for plus residual unpaid tokens) moves in one
// transfer; in on-chain mode only the residual unpaid tokens do. Cancelled
// tasks settle too, so workers keep what they streamed.
func (m *StreamMeter) Close(streamID string) (*big.Int, error) {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	delete(m.streams, streamID)

	residualTokens := s.TokensProduced - s.TokensPaidFor
	residual := new(big.Int).Mul(big.NewInt(int64(residualTokens)), s.PricePerToken)

	due := new(big.Int).Set(residual)
	if m.mode == ModeBatch {
		due.Add(due, s.CumulativePaid)
	}
	total := new(big.Int).Add(s.CumulativePaid, residual)
	taskID, payer, worker := s.TaskID, s.Payer, s.Worker
	micro := s.MicroPayments
	m.mu.Unlock()

	if due.Sign() > 0 {
		txHash, err := m.ledger.Transfer(taskID, payer, worker, due)
		if err != nil {
			return nil, fmt.Errorf("stream settlement: %w", err)
		}
		m.sink.Emit(events.StreamSettle, taskID, map[string]interface{}{
			"streamId":      streamID,
			"amount":        due.String(),
			"totalStreamed": total.String(),
			"microPayments": micro,
			"txHash":        txHash.Hex(),
		})
	} else {
		m.sink.Emit(events.StreamSettle, taskID, map[string]interface{}{
			"streamId":      streamID,
			"amount":        "0",
			"totalStreamed": total.String(),
			"microPayments": micro,
		})
	}
	m.sink.Emit(events.StreamReset, taskID, map[string]interface{}{"streamId": streamID})
	return total, nil
}

// MicroPaymentCount sums micro-payments across open streams of a task.
// Settled streams report their counts through the Close return path.
func (m *StreamMeter) MicroPaymentCount(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.streams {
		if s.TaskID == taskID {
			n += s.MicroPayments
		}
	}
	return n
}

// Snapshot returns a copy of the stream state, if open.
func (m *StreamMeter) Snapshot(streamID string) (Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[streamID]
	if !ok {
		return Stream{}, false
	}
	cp := *s
	cp.PricePerToken = new(big.Int).Set(s.PricePerToken)
	cp.CumulativePaid = new(big.Int).Set(s.CumulativePaid)
	cp.MinMicro = new(big.Int).Set(s.MinMicro)
	return cp, true
}

// Package events is the one-way fan-out of structured progress events to
// subscribers (websocket feed, decision log, tests). Components never talk to
// a global broadcaster; they hold a Sink injected at boot.
package events

import (
	"fmt"
	"sync"
	"time"
)

// Type classifies coordinator events. The set mirrors the outbound event
// stream contract.
type Type string

const (
	AgentStatus     Type = "agent:status"
	AgentReputation Type = "agent:reputation"

	DecisionDiscovery  Type = "decision:discovery"
	DecisionSelection  Type = "decision:selection"
	DecisionAutonomous Type = "decision:autonomous"

	AuctionStart  Type = "auction:start"
	AuctionBid    Type = "auction:bid"
	AuctionWinner Type = "auction:winner"

	CollusionBlocked Type = "collusion:blocked"

	PaymentSending   Type = "payment:sending"
	PaymentConfirmed Type = "payment:confirmed"

	StreamOpen    Type = "stream:open"
	StreamMicro   Type = "stream:micro"
	StreamOnchain Type = "stream:onchain"
	StreamSettle  Type = "stream:settle"
	StreamReset   Type = "stream:reset"

	VerificationStart           Type = "verification:start"
	VerificationJobCreated      Type = "verification:job_created"
	VerificationCommitted       Type = "verification:committed"
	VerificationProofGenerating Type = "verification:proof_generating"
	VerificationProofGenerated  Type = "verification:proof_generated"
	VerificationSubmitted       Type = "verification:submitted"
	VerificationVerified        Type = "verification:verified"
	VerificationSettled         Type = "verification:settled"
	VerificationSlashed         Type = "verification:slashed"
	VerificationComplete        Type = "verification:complete"
	VerificationError           Type = "verification:error"

	SubtaskResult Type = "subtask:result"
	TaskComplete  Type = "task:complete"
	TaskCancelled Type = "task:cancelled"
	TaskError     Type = "error"
)

// Event is a single progress record. Payload values crossing the boundary
// follow the wire rules: money as decimal strings of minor units, times as
// Unix milliseconds. Produced once, shared read-only by subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	TaskID    string                 `json:"task_id,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp"` // Unix ms
}

// Sink is the narrow interface components publish through.
type Sink interface {
	Emit(eventType Type, taskID string, payload map[string]interface{})
}

// NopSink discards everything. Default for components constructed without a
// bus (unit tests that don't assert on events).
type NopSink struct{}

func (NopSink) Emit(Type, string, map[string]interface{}) {}

// Multi fans a single Emit out to several sinks, in order. Used at boot to
// feed both the bus and the decision log.
type Multi []Sink

func (m Multi) Emit(eventType Type, taskID string, payload map[string]interface{}) {
	for _, s := range m {
		s.Emit(eventType, taskID, payload)
	}
}

// Bus is the in-process fan-out. Subscribers receive events on buffered
// channels; a full channel drops the event for that subscriber rather than
// blocking the producer.
type Bus struct {
	mu         sync.RWMutex
	subs       map[int]chan *Event
	nextSubID  int
	seq        uint64
	bufferSize int
	closed     bool
}

// NewBus creates an event bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[int]chan *Event),
		bufferSize: 256,
	}
}

// Subscribe returns a channel receiving all events and a cancel function.
func (b *Bus) Subscribe() (<-chan *Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	ch := make(chan *Event, b.bufferSize)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Emit builds an event and delivers it to every subscriber.
func (b *Bus) Emit(eventType Type, taskID string, payload map[string]interface{}) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	ev := &Event{
		ID:        fmt.Sprintf("ev-%d", b.seq),
		Type:      eventType,
		TaskID:    taskID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	channels := make([]chan *Event, 0, len(b.subs))
	for _, ch := range b.subs {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; drop rather than stall the engine.
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers. Further Emits are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

package decisions

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicprotocol/coordinator/internal/events"
)

func TestLogRecordsDecisionEvents(t *testing.T) {
	l := NewLog(8)

	l.Emit(events.DecisionSelection, "task-1", map[string]interface{}{"selected": "a"})
	l.Emit(events.CollusionBlocked, "task-1", map[string]interface{}{"alertType": "same_owner"})
	l.Emit(events.PaymentConfirmed, "task-1", map[string]interface{}{"amount": "100"})
	l.Emit(events.StreamMicro, "task-1", nil)

	assert.Equal(t, 2, l.Len(), "payment and stream events stay out")

	recent := l.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, events.CollusionBlocked, recent[0].Type, "newest first")
	assert.Equal(t, events.DecisionSelection, recent[1].Type)
}

func TestLogRingOverwritesOldest(t *testing.T) {
	l := NewLog(4)
	for i := 0; i < 10; i++ {
		l.Emit(events.DecisionDiscovery, fmt.Sprintf("task-%d", i), nil)
	}

	assert.Equal(t, 4, l.Len())
	recent := l.Recent(0)
	assert.Equal(t, "task-9", recent[0].TaskID)
	assert.Equal(t, "task-6", recent[3].TaskID)
}

func TestRecentLimit(t *testing.T) {
	l := NewLog(8)
	for i := 0; i < 5; i++ {
		l.Emit(events.DecisionSelection, fmt.Sprintf("task-%d", i), nil)
	}
	assert.Len(t, l.Recent(2), 2)
	assert.Len(t, l.Recent(100), 5)
}

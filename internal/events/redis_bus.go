// Redis-backed event fan-out for multi-pod deployments.
//
// A single coordinator pod only needs the in-process Bus. When several pods
// serve the same marketplace, events published on pod 1 must reach websocket
// subscribers on pod 2; RedisBus bridges the local bus over Redis Pub/Sub.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const redisChannel = "coordinator:events"

// RedisBus wraps a local Bus and mirrors every event through Redis Pub/Sub.
// Events received from other pods are re-emitted locally.
type RedisBus struct {
	local  *Bus
	rdb    *redis.Client
	cancel context.CancelFunc
}

// NewRedisBus connects the local bus to Redis. The returned bus satisfies
// Sink; local subscribers keep using local.Subscribe.
func NewRedisBus(local *Bus, rdb *redis.Client) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	rb := &RedisBus{local: local, rdb: rdb, cancel: cancel}
	go rb.receive(ctx)
	return rb
}

// Emit publishes to Redis; local delivery happens when the message loops
// back through the subscription, so every pod (this one included) sees the
// same stream. On publish failure, falls back to local-only delivery.
func (rb *RedisBus) Emit(eventType Type, taskID string, payload map[string]interface{}) {
	ev := &Event{
		Type:    eventType,
		TaskID:  taskID,
		Payload: payload,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("[RedisBus] marshal failed", "type", eventType, "error", err)
		return
	}
	if err := rb.rdb.Publish(context.Background(), redisChannel, data).Err(); err != nil {
		slog.Warn("[RedisBus] publish failed, local-only delivery", "type", eventType, "error", err)
		rb.local.Emit(eventType, taskID, payload)
	}
}

func (rb *RedisBus) receive(ctx context.Context) {
	sub := rb.rdb.Subscribe(ctx, redisChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("[RedisBus] unmarshal failed", "error", err)
				continue
			}
			rb.local.Emit(ev.Type, ev.TaskID, ev.Payload)
		}
	}
}

// Close stops the Redis receive loop. The local bus is left to its owner.
func (rb *RedisBus) Close() error {
	rb.cancel()
	return nil
}

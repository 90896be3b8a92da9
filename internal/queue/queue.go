// Package queue is the durable named-queue fabric. One stream per model plus
// a validation stream; each stream has a single consumer group, so every
// message is delivered at-least-once to exactly one worker of the pool.
// Messages carry only identifiers; authoritative state lives in the store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ValidationQueue is the queue carrying job identifiers awaiting validation.
const ValidationQueue = "validation"

const (
	consumerGroup = "workers"
	payloadField  = "id"
)

// Handler processes one message payload. A nil return acknowledges the
// message; an error leaves it pending for redelivery, so handlers must be
// idempotent.
type Handler func(ctx context.Context, payload string) error

// Broker is the queue fabric interface.
type Broker interface {
	// EnsureQueue declares the queue and its consumer group. Idempotent:
	// declaring an existing queue is a no-op.
	EnsureQueue(ctx context.Context, name string) error

	// Publish appends a payload to the queue.
	Publish(ctx context.Context, name, payload string) error

	// Consume blocks, delivering messages to h until ctx is cancelled.
	// consumer names this worker within the queue's consumer group.
	Consume(ctx context.Context, name, consumer string, h Handler) error

	// ReclaimStale re-delivers messages that were claimed but not
	// acknowledged within minIdle, running them through h. Returns the
	// number of messages reclaimed.
	ReclaimStale(ctx context.Context, name, consumer string, minIdle time.Duration, h Handler) (int, error)

	Ping(ctx context.Context) error
}

// RedisBroker implements Broker on Redis Streams with consumer groups.
type RedisBroker struct {
	client *redis.Client
	block  time.Duration
}

// NewRedisBroker creates a broker over an existing Redis client.
// block bounds how long a consumer waits for the next message per read.
func NewRedisBroker(client *redis.Client, block time.Duration) *RedisBroker {
	if block <= 0 {
		block = 5 * time.Second
	}
	return &RedisBroker{client: client, block: block}
}

func streamKey(name string) string {
	return "queue:" + name
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) EnsureQueue(ctx context.Context, name string) error {
	err := b.client.XGroupCreateMkStream(ctx, streamKey(name), consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ensure queue %s: %w", name, err)
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, name, payload string) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(name),
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", name, err)
	}
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context, name, consumer string, h Handler) error {
	stream := streamKey(name)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    b.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("queue read failed", "queue", name, "error", err)
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				b.handle(ctx, name, consumer, msg, h)
			}
		}
	}
}

func (b *RedisBroker) ReclaimStale(ctx context.Context, name, consumer string, minIdle time.Duration, h Handler) (int, error) {
	stream := streamKey(name)
	reclaimed := 0
	start := "0-0"

	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    consumerGroup,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    64,
		}).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim stale on %s: %w", name, err)
		}

		for _, msg := range msgs {
			b.handle(ctx, name, consumer, msg, h)
			reclaimed++
		}

		if next == "0-0" || len(msgs) == 0 {
			return reclaimed, nil
		}
		start = next
	}
}

// handle runs one message through h and acknowledges it on success.
// Acknowledgement happens only after the handler's durable writes succeed.
func (b *RedisBroker) handle(ctx context.Context, name, consumer string, msg redis.XMessage, h Handler) {
	payload, _ := msg.Values[payloadField].(string)
	if payload == "" {
		// Malformed message; ack so it never redelivers.
		_ = b.client.XAck(ctx, streamKey(name), consumerGroup, msg.ID).Err()
		slog.Warn("discarding malformed queue message", "queue", name, "msg_id", msg.ID)
		return
	}

	if err := h(ctx, payload); err != nil {
		slog.Error("message handling failed, leaving for redelivery",
			"queue", name, "consumer", consumer, "payload", payload, "error", err)
		return
	}

	if err := b.client.XAck(ctx, streamKey(name), consumerGroup, msg.ID).Err(); err != nil {
		slog.Warn("ack failed", "queue", name, "msg_id", msg.ID, "error", err)
	}
}

var _ Broker = (*RedisBroker)(nil)

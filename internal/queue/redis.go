package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisBroker.
type RedisOptions struct {
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string
	// VisibilityTimeout is how long a delivery may stay unacked before another
	// consumer takes it over.
	VisibilityTimeout time.Duration
	BlockTimeout      time.Duration
	// DeadLetterMaxLen caps the dead-letter stream, trimmed approximately.
	DeadLetterMaxLen  int64
}

// DefaultDeadLetterMaxLen bounds the dead-letter stream when no cap is set.
const DefaultDeadLetterMaxLen = 10000

// RedisBroker is a Broker on a Redis stream read through one consumer group.
// Unacked entries stay in the group's pending list and are re-claimed with
// XAUTOCLAIM once idle longer than the visibility timeout.
type RedisBroker struct {
	client *redis.Client
	opts   RedisOptions
	closed atomic.Bool
}

// NewRedisBroker creates the consumer group when missing and returns the broker.
func NewRedisBroker(ctx context.Context, client *redis.Client, opts RedisOptions) (*RedisBroker, error) {
	if opts.Stream == "" || opts.Group == "" {
		return nil, errors.New("redis broker: stream and group are required")
	}
	if opts.Consumer == "" {
		return nil, errors.New("redis broker: consumer name is required")
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 15 * time.Minute
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	if opts.DeadLetterMaxLen <= 0 {
		opts.DeadLetterMaxLen = DefaultDeadLetterMaxLen
	}

	err := client.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &RedisBroker{client: client, opts: opts}, nil
}

func (b *RedisBroker) Enqueue(ctx context.Context, task Task) error {
	if b.closed.Load() {
		return ErrClosed
	}
	body, err := task.Encode()
	if err != nil {
		return err
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.opts.Stream,
		Values: map[string]any{"task": string(body)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if b.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Stale deliveries of dead consumers come first.
		claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.opts.Stream,
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			MinIdle:  b.opts.VisibilityTimeout,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("xautoclaim: %w", err)
		}
		for _, msg := range claimed {
			if d := b.toDelivery(ctx, msg, true); d != nil {
				return d, nil
			}
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			Streams:  []string{b.opts.Stream, ">"},
			Count:    1,
			Block:    b.opts.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("xreadgroup: %w", err)
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				if d := b.toDelivery(ctx, msg, false); d != nil {
					return d, nil
				}
			}
		}
	}
}

// toDelivery decodes a stream entry. Undecodable entries are dead-lettered and
// nil is returned.
func (b *RedisBroker) toDelivery(ctx context.Context, msg redis.XMessage, redelivered bool) *Delivery {
	raw, _ := msg.Values["task"].(string)
	task, err := DecodeTask([]byte(raw))
	if err != nil {
		slog.Warn("dropping malformed task", "stream", b.opts.Stream, "id", msg.ID, "error", err)
		d := &Delivery{ID: msg.ID, raw: raw}
		if rerr := b.Reject(ctx, d, err.Error()); rerr != nil {
			slog.Error("dead-letter malformed task", "id", msg.ID, "error", rerr)
		}
		return nil
	}
	return &Delivery{ID: msg.ID, Task: task, Redelivered: redelivered, raw: raw}
}

// Ack removes the entry from the pending list and from the stream, so acked
// payloads do not accumulate.
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, b.opts.Stream, b.opts.Group, d.ID)
		pipe.XDel(ctx, b.opts.Stream, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

func (b *RedisBroker) Reject(ctx context.Context, d *Delivery, reason string) error {
	if b.opts.DeadLetterStream != "" {
		raw, _ := d.raw.(string)
		err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: b.opts.DeadLetterStream,
			MaxLen: b.opts.DeadLetterMaxLen,
			Approx: true,
			Values: map[string]any{"task": raw, "reason": reason, "source_id": d.ID},
		}).Err()
		if err != nil {
			return fmt.Errorf("dead-letter: %w", err)
		}
	}
	return b.Ack(ctx, d)
}

// Release leaves the entry pending; XAUTOCLAIM hands it out again once the
// visibility timeout elapsed.
func (b *RedisBroker) Release(_ context.Context, _ *Delivery) error {
	return nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops Dequeue. The client is owned by the caller.
func (b *RedisBroker) Close() error {
	b.closed.Store(true)
	return nil
}

var _ Broker = (*RedisBroker)(nil)

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/calebmoy/perpagent/internal/domain"
)

const (
	eventStream  = "events:lifecycle"
	streamMaxLen = 10000
	readBlock    = 5 * time.Second
	readCount    = 64
)

// EventBus implements domain.EventBus on a Redis stream with consumer
// groups, so the websocket fanout and the notifier each see every
// event exactly once per group.
type EventBus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client, logger *slog.Logger) *EventBus {
	return &EventBus{
		rdb:    c.Underlying(),
		logger: logger.With(slog.String("component", "event_bus")),
	}
}

// Publish appends a lifecycle event to the stream. The stream is
// trimmed to an approximate maximum length on every append.
func (b *EventBus) Publish(ctx context.Context, ev domain.LifecycleEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: publish event %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe delivers events to handler until ctx is done, acknowledging
// each message after the handler returns. Handler errors leave the
// message unacked for redelivery to the group.
func (b *EventBus) Subscribe(ctx context.Context, group, consumer string, handler func(domain.LifecycleEvent) error) error {
	err := b.rdb.XGroupCreateMkStream(ctx, eventStream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create consumer group %s: %w", group, err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{eventStream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.WarnContext(ctx, "event read failed",
				slog.String("group", group),
				slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				payload, ok := msg.Values["payload"].(string)
				if !ok {
					_ = b.rdb.XAck(ctx, eventStream, group, msg.ID).Err()
					continue
				}

				var ev domain.LifecycleEvent
				if err := json.Unmarshal([]byte(payload), &ev); err != nil {
					b.logger.WarnContext(ctx, "dropping undecodable event",
						slog.String("id", msg.ID),
						slog.String("error", err.Error()))
					_ = b.rdb.XAck(ctx, eventStream, group, msg.ID).Err()
					continue
				}

				if err := handler(ev); err != nil {
					b.logger.WarnContext(ctx, "event handler failed, leaving unacked",
						slog.String("id", msg.ID),
						slog.String("type", string(ev.Type)),
						slog.String("error", err.Error()))
					continue
				}
				_ = b.rdb.XAck(ctx, eventStream, group, msg.ID).Err()
			}
		}
	}
}

// Compile-time interface check.
var _ domain.EventBus = (*EventBus)(nil)

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-delegate/internal/delegation"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStream is the stream delegation events are appended to.
const DefaultStream = "nuka:delegations"

// streamMaxLen caps the stream; trimming is approximate.
const streamMaxLen = 10000

// MessageBus publishes delegation lifecycle events to a Redis Stream so
// other processes can follow delegations as they start and settle.
type MessageBus struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

// NewMessageBus creates a Redis-backed message bus.
func NewMessageBus(redisURL, stream string, logger *zap.Logger) (*MessageBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewMessageBusFromClient(rdb, stream, logger), nil
}

// NewMessageBusFromClient wraps an existing client.
func NewMessageBusFromClient(rdb *redis.Client, stream string, logger *zap.Logger) *MessageBus {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageBus{rdb: rdb, stream: stream, logger: logger.With(zap.String("component", "messagebus"))}
}

// Stream returns the stream name.
func (mb *MessageBus) Stream() string { return mb.stream }

// Publish appends ev to the stream.
func (mb *MessageBus) Publish(ctx context.Context, ev *delegation.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = mb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: mb.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":       string(ev.Type),
			"delegation": ev.DelegationID,
			"data":       string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", mb.stream, err)
	}

	mb.logger.Debug("published event",
		zap.String("type", string(ev.Type)),
		zap.String("delegation", ev.DelegationID),
		zap.String("from", ev.From),
		zap.String("to", ev.To))
	return nil
}

// Subscribe follows the stream starting after fromID ("$" for new entries
// only, "0" for the whole stream). Cancel the context to stop.
func (mb *MessageBus) Subscribe(ctx context.Context, fromID string) <-chan *delegation.Event {
	ch := make(chan *delegation.Event, 16)
	if fromID == "" {
		fromID = "$"
	}

	go func() {
		defer close(ch)
		lastID := fromID

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := mb.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{mb.stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					mb.logger.Warn("stream read failed", zap.String("stream", mb.stream), zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev delegation.Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- &ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Recent returns up to n of the latest events, newest first.
func (mb *MessageBus) Recent(ctx context.Context, n int64) ([]*delegation.Event, error) {
	msgs, err := mb.rdb.XRevRangeN(ctx, mb.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", mb.stream, err)
	}
	out := make([]*delegation.Event, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var ev delegation.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			mb.logger.Debug("skipping malformed entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

// Close shuts down the Redis connection.
func (mb *MessageBus) Close() error {
	return mb.rdb.Close()
}

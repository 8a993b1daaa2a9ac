package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TaskStream is the Redis stream carrying task lifecycle events.
const TaskStream = "nuka:tasks"

// streamMaxLen caps the stream; trimming is approximate.
const streamMaxLen = 10000

// MessageBus publishes task events on a Redis stream.
type MessageBus struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

// NewMessageBus connects to Redis and verifies the connection.
func NewMessageBus(ctx context.Context, redisURL string, logger *zap.Logger) (*MessageBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &MessageBus{rdb: rdb, stream: TaskStream, logger: logger}, nil
}

// PublishEvent appends ev to the task stream.
func (mb *MessageBus) PublishEvent(ctx context.Context, ev *TaskEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal task event: %w", err)
	}
	err = mb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: mb.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"task":   ev.TaskID,
			"status": string(ev.Status),
			"data":   string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", mb.stream, err)
	}

	mb.logger.Debug("published task event",
		zap.String("task", ev.TaskID),
		zap.String("status", string(ev.Status)))
	return nil
}

// Subscribe streams events published after the call. The channel closes
// when ctx is cancelled.
func (mb *MessageBus) Subscribe(ctx context.Context) <-chan *TaskEvent {
	return mb.subscribe(ctx, "$")
}

// Replay streams every retained event from the start of the stream.
func (mb *MessageBus) Replay(ctx context.Context) <-chan *TaskEvent {
	return mb.subscribe(ctx, "0")
}

func (mb *MessageBus) subscribe(ctx context.Context, lastID string) <-chan *TaskEvent {
	ch := make(chan *TaskEvent, 16)

	go func() {
		defer close(ch)
		for {
			if ctx.Err() != nil {
				return
			}
			streams, err := mb.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{mb.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					mb.logger.Debug("read task stream", zap.Error(err))
				}
				continue
			}

			for _, s := range streams {
				for _, msg := range s.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev TaskEvent
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

// Ping checks the Redis connection.
func (mb *MessageBus) Ping(ctx context.Context) error {
	return mb.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (mb *MessageBus) Close() error {
	return mb.rdb.Close()
}

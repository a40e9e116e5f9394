// Package redis carries observe events between processes over Redis pub/sub.
// Each user has a channel, so an instance serving websocket clients receives
// the events of runs executed anywhere in the deployment.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/finagent/logging"
	"github.com/PipeOpsHQ/finagent/observe"
)

const defaultPrefix = "finagent:events"

type Bus struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
}

type Option func(*Bus)

func WithPrefix(prefix string) Option {
	return func(b *Bus) {
		if p := strings.TrimSpace(prefix); p != "" {
			b.prefix = p
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

func New(client goredis.UniversalClient, opts ...Option) (*Bus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	b := &Bus{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrDiscard(b.logger)
	return b, nil
}

// Channel returns the pub/sub channel carrying userID's events.
func (b *Bus) Channel(userID string) string {
	return b.prefix + ":" + userID
}

// Emit publishes event on its owner's channel.
func (b *Bus) Emit(ctx context.Context, event observe.Event) error {
	if event.UserID == "" {
		return nil
	}
	event.Normalize()
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(event.UserID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Forward subscribes to every user channel and emits received events into
// sink until ctx is cancelled. Undecodable messages are logged and skipped.
func (b *Bus) Forward(ctx context.Context, sink observe.Sink) error {
	if sink == nil {
		return fmt.Errorf("sink is required")
	}
	sub := b.client.PSubscribe(ctx, b.prefix+":*")
	defer sub.Close()
	// Wait for the subscription to be confirmed so no event published after
	// Forward starts is missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event observe.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("dropping undecodable event", "channel", msg.Channel, "error", err)
				continue
			}
			if err := sink.Emit(ctx, event); err != nil {
				b.logger.Warn("forward event failed", "thread_id", event.ThreadID, "error", err)
			}
		}
	}
}

func (b *Bus) Close() error {
	return b.client.Close()
}

var _ observe.Sink = (*Bus)(nil)

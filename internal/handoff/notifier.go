package handoff

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "supportdesk:agent:"

// Channel returns the pub/sub channel for a session's agent events.
func Channel(sessionID string) string {
	return channelPrefix + sessionID
}

// Notifier publishes and subscribes to agent events over Redis pub/sub.
// Events are hints only; the watch still reads the store for content.
type Notifier struct {
	client *redis.Client
	logger *slog.Logger
}

// NewNotifier wraps an existing client.
func NewNotifier(client *redis.Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, logger: logger}
}

// DialNotifier connects to addr and verifies the connection.
func DialNotifier(ctx context.Context, addr string, logger *slog.Logger) (*Notifier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewNotifier(client, logger), nil
}

// Publish announces an agent event for sessionID.
func (n *Notifier) Publish(ctx context.Context, sessionID, event string) error {
	if err := n.client.Publish(ctx, Channel(sessionID), event).Err(); err != nil {
		return fmt.Errorf("publish agent event: %w", err)
	}
	return nil
}

// Wake subscribes to sessionID's channel. The returned channel coalesces
// bursts into a single pending signal and is closed when the subscription ends.
func (n *Notifier) Wake(ctx context.Context, sessionID string) (<-chan struct{}, func() error, error) {
	sub := n.client.Subscribe(ctx, Channel(sessionID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe agent events: %w", err)
	}

	out := make(chan struct{}, 1)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		for range msgs {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, sub.Close, nil
}

// Ping verifies connectivity.
func (n *Notifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (n *Notifier) Close() error {
	return n.client.Close()
}

package configcache

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisNotifier propagates cache notices over a Redis pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
	timeout time.Duration
}

// NewRedisNotifier connects to Redis and verifies the connection. Callers
// fall back to TTL-only mode when this fails.
func NewRedisNotifier(addr, password string, db int, channel string, logger *slog.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if channel == "" {
		channel = "config_changes"
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
		logger:  logger,
		timeout: 2 * time.Second,
	}, nil
}

// Publish broadcasts a notice. Failures are logged at debug level only; the
// TTL bound covers lost notices.
func (n *RedisNotifier) Publish(ctx context.Context, notice Notice) error {
	opCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.client.Publish(opCtx, n.channel, notice).Err(); err != nil {
		if n.logger != nil {
			n.logger.Debug("cache notice publish failed", "error", err)
		}
		return err
	}
	return nil
}

// Subscribe consumes notices until the context is cancelled.
func (n *RedisNotifier) Subscribe(ctx context.Context, handler func(Notice)) {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			notice, err := decodeNotice([]byte(msg.Payload))
			if err != nil {
				if n.logger != nil {
					n.logger.Debug("dropping malformed cache notice", "error", err)
				}
				continue
			}
			handler(notice)
		}
	}
}

// Close releases the Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

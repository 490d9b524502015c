package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a Feed over Redis pub/sub.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{client: client, logger: logger}, nil
}

// Publish implements Feed.
func (r *Redis) Publish(ctx context.Context, tenantID string, c Change) error {
	payload, err := encode(c)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, Channel(tenantID), payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe implements Feed. Malformed messages are logged and dropped.
func (r *Redis) Subscribe(ctx context.Context, tenantID string) (<-chan Change, error) {
	sub := r.client.Subscribe(ctx, Channel(tenantID))
	// Wait for the subscription confirmation so errors surface here.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(tenantID), err)
	}

	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				c, err := decode([]byte(msg.Payload))
				if err != nil {
					r.logger.Warn("dropping change message", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements Feed.
func (r *Redis) Close() error {
	return r.client.Close()
}

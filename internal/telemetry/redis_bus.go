package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const defaultRelayChannel = "meshpay:telemetry"

// RedisRelay distributes accepted telemetry across multiple server
// instances over Redis Pub/Sub, so dashboards connected to different
// instances see the same mesh. Off unless configured.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   []*redis.PubSub
}

// NewRedisRelay connects a relay to redis at addr. channel may be empty
// for the default.
func NewRedisRelay(addr, password, channel string) *RedisRelay {
	if channel == "" {
		channel = defaultRelayChannel
	}
	return &RedisRelay{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		channel: channel,
		logger:  slog.With("component", "redis-relay"),
	}
}

// Ping verifies connectivity. Called at startup so a misconfigured
// relay fails fast instead of silently dropping events.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Publish sends a raw telemetry message to the relay channel.
func (r *RedisRelay) Publish(ctx context.Context, raw []byte) error {
	return r.client.Publish(ctx, r.channel, raw).Err()
}

// Subscribe registers a handler for messages published by sibling
// instances. The returned func cancels the subscription.
func (r *RedisRelay) Subscribe(ctx context.Context, handler func(raw []byte)) (func(), error) {
	sub := r.client.Subscribe(ctx, r.channel)

	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	go func() {
		for msg := range sub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	return func() {
		if err := sub.Close(); err != nil {
			r.logger.Warn("unsubscribe failed", "error", err)
		}
	}, nil
}

// Close tears down all subscriptions and the client.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, sub := range r.subs {
		sub.Close()
	}
	return r.client.Close()
}

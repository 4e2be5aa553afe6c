package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/notikit/pkg/logger"
)

// RedisBroadcaster relays messages through a Redis pub/sub channel, so
// subscribers attached to any process sharing the Redis server receive them.
// Payloads are JSON encoded. Delivery is at-most-once: Redis does not buffer
// messages for disconnected subscribers.
type RedisBroadcaster[T any] struct {
	client     redis.UniversalClient
	channel    string
	bufferSize int
	logger     *slog.Logger
	subs       map[*subscriber[T]]*redis.PubSub
	closed     bool
	mu         sync.Mutex
	wg         sync.WaitGroup
}

// RedisOption configures a RedisBroadcaster.
type RedisOption func(*redisOptions)

type redisOptions struct {
	bufferSize int
	logger     *slog.Logger
}

// WithRedisBufferSize sets the per-subscriber channel capacity.
func WithRedisBufferSize(n int) RedisOption {
	return func(o *redisOptions) { o.bufferSize = n }
}

// WithRedisLogger sets the logger used for decode and subscribe failures.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(o *redisOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewRedisBroadcaster creates a broadcaster bound to a single Redis channel.
func NewRedisBroadcaster[T any](client redis.UniversalClient, channel string, opts ...RedisOption) *RedisBroadcaster[T] {
	o := redisOptions{bufferSize: 64, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisBroadcaster[T]{
		client:     client,
		channel:    channel,
		bufferSize: max(o.bufferSize, 1),
		logger:     o.logger,
		subs:       make(map[*subscriber[T]]*redis.PubSub),
	}
}

// Subscribe opens a Redis subscription and waits for the server to confirm it,
// so anything published after Subscribe returns is observed. On failure the
// returned subscriber is already closed; callers may simply subscribe again.
func (b *RedisBroadcaster[T]) Subscribe(ctx context.Context) Subscriber[T] {
	sub := newSubscriber[T](b.bufferSize)

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		_ = sub.Close()
		return sub
	}

	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		b.logger.LogAttrs(ctx, slog.LevelWarn, "redis subscribe failed",
			logger.Channel(b.channel),
			logger.Error(err),
		)
		_ = ps.Close()
		_ = sub.Close()
		return sub
	}

	sub.onClose = func() { b.remove(sub) }

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		_ = sub.Close()
		return sub
	}
	b.subs[sub] = ps
	b.wg.Add(1)
	b.mu.Unlock()

	go b.pump(ctx, sub, ps)

	return sub
}

func (b *RedisBroadcaster[T]) pump(ctx context.Context, sub *subscriber[T], ps *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			data, err := decode[T](m.Payload)
			if err != nil {
				b.logger.LogAttrs(ctx, slog.LevelWarn, "dropping undecodable message",
					logger.Channel(b.channel),
					logger.Error(err),
				)
				continue
			}
			sub.send(Message[T]{Data: data})
		}
	}
}

// Broadcast publishes the JSON-encoded message on the Redis channel.
func (b *RedisBroadcaster[T]) Broadcast(ctx context.Context, msg Message[T]) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBroadcasterClosed
	}

	payload, err := encode(msg.Data)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return errors.Join(ErrPublish, err)
	}
	return nil
}

// Close closes every local subscriber and its Redis subscription.
// Other processes subscribed to the channel are unaffected.
func (b *RedisBroadcaster[T]) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber[T], 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	b.wg.Wait()

	return nil
}

func (b *RedisBroadcaster[T]) remove(sub *subscriber[T]) {
	b.mu.Lock()
	ps := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()

	if ps != nil {
		_ = ps.Close()
	}
}

func encode[T any](data T) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Join(ErrEncode, err)
	}
	return payload, nil
}

func decode[T any](payload string) (T, error) {
	var data T
	err := json.Unmarshal([]byte(payload), &data)
	return data, err
}

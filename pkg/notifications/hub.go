package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/notikit/pkg/broadcast"
	"github.com/dmitrymomot/notikit/pkg/cache"
	"github.com/dmitrymomot/notikit/pkg/logger"
)

// RedisChannelPrefix prefixes the per-recipient Redis pub/sub channel.
const RedisChannelPrefix = "notifications:"

// BroadcasterFactory creates the bus for one recipient.
type BroadcasterFactory func(recipientID string) broadcast.Broadcaster[Event]

// MemoryBroadcasters fans out inside the current process only.
func MemoryBroadcasters(bufferSize int) BroadcasterFactory {
	return func(string) broadcast.Broadcaster[Event] {
		return broadcast.NewMemoryBroadcaster[Event](bufferSize)
	}
}

// RedisBroadcasters relays events through Redis channel
// "notifications:<recipient>", so every instance reaches its own live
// subscribers.
func RedisBroadcasters(client redis.UniversalClient, bufferSize int, log *slog.Logger) BroadcasterFactory {
	return func(recipientID string) broadcast.Broadcaster[Event] {
		return broadcast.NewRedisBroadcaster[Event](client, RedisChannelPrefix+recipientID,
			broadcast.WithRedisBufferSize(bufferSize),
			broadcast.WithRedisLogger(log),
		)
	}
}

// Hub is the real-time publish/subscribe side of the engine. It implements
// Publisher and filters events by recipient: each recipient has its own
// broadcaster, held in an LRU while anyone is subscribed.
type Hub struct {
	factory         BroadcasterFactory
	maxBroadcasters int
	logger          *slog.Logger

	mu           sync.Mutex
	broadcasters *cache.LRUCache[string, broadcast.Broadcaster[Event]]
	refs         map[string]int
	closed       bool
	wg           sync.WaitGroup
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger for the Hub.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMaxBroadcasters bounds the number of recipients with a live
// broadcaster. When exceeded, the least recently used one is closed along
// with its subscriptions. Default is 10,000.
func WithMaxBroadcasters(limit int) HubOption {
	return func(h *Hub) {
		if limit > 0 {
			h.maxBroadcasters = limit
		}
	}
}

// WithBroadcasterFactory selects the bus backend. Default is MemoryBroadcasters(64).
func WithBroadcasterFactory(f BroadcasterFactory) HubOption {
	return func(h *Hub) {
		if f != nil {
			h.factory = f
		}
	}
}

// NewHub creates a hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		factory:         MemoryBroadcasters(64),
		maxBroadcasters: 10000,
		logger:          slog.Default(),
		refs:            make(map[string]int),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.broadcasters = cache.NewLRUCache[string, broadcast.Broadcaster[Event]](h.maxBroadcasters)
	h.broadcasters.SetEvictCallback(func(recipientID string, b broadcast.Broadcaster[Event]) {
		if err := b.Close(); err != nil {
			h.logger.LogAttrs(context.Background(), slog.LevelError, "failed to close recipient broadcaster",
				logger.RecipientID(recipientID),
				logger.Error(err),
			)
		}
	})

	return h
}

// Publish delivers ev to the subscribers of ev.Record.RecipientID.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	recipientID := ev.Record.RecipientID

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	b, ok := h.broadcasters.Get(recipientID)
	h.mu.Unlock()

	if !ok {
		// No local subscriber; a shared bus may still have remote ones.
		b = h.factory(recipientID)
		defer b.Close()
	}

	if err := b.Broadcast(ctx, broadcast.Message[Event]{Data: ev}); err != nil {
		return errors.Join(ErrPublish, err)
	}
	return nil
}

// Subscribe registers fn for every event published for recipientID after
// the call returns. Events reach fn in publish order on a dedicated
// goroutine; when fn falls behind, events are dropped for this subscription
// only. There is no replay: fetch missed records from the store.
//
// The subscription ends when ctx is done, on Close/Unsubscribe, or when the
// hub closes. Subscribing again after a failure is always safe.
func (h *Hub) Subscribe(ctx context.Context, recipientID string, fn func(Event)) (*Subscription, error) {
	if recipientID == "" || fn == nil {
		return nil, ErrInvalidInput
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	b, _ := h.broadcasters.GetOrPut(recipientID, func() broadcast.Broadcaster[Event] {
		return h.factory(recipientID)
	})
	h.refs[recipientID]++
	h.wg.Add(1)
	h.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		id:          uuid.NewString(),
		recipientID: recipientID,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.sub = b.Subscribe(subCtx)

	go func() {
		defer h.wg.Done()
		defer close(s.done)
		defer h.release(recipientID)
		defer cancel()

		for msg := range s.sub.Receive(subCtx) {
			fn(msg.Data)
		}
	}()

	return s, nil
}

// Unsubscribe ends s. It is idempotent and accepts nil.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s != nil {
		s.Close()
	}
}

// Subscribers returns the number of live subscriptions for recipientID on
// this instance.
func (h *Hub) Subscribers(recipientID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs[recipientID]
}

// Close ends every subscription and releases all broadcasters.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.broadcasters.Clear()
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

// release drops the broadcaster of recipientID once its last subscription ended.
func (h *Hub) release(recipientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.refs[recipientID]--
	if h.refs[recipientID] > 0 {
		return
	}
	delete(h.refs, recipientID)
	if !h.closed {
		h.broadcasters.Remove(recipientID)
	}
}

// Subscription is the handle returned by Hub.Subscribe.
type Subscription struct {
	id          string
	recipientID string
	sub         broadcast.Subscriber[Event]
	cancel      context.CancelFunc
	done        chan struct{}
	once        sync.Once
}

func (s *Subscription) ID() string          { return s.id }
func (s *Subscription) RecipientID() string { return s.recipientID }

// Done is closed once the subscription stopped delivering.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped reports events discarded because the callback fell behind.
func (s *Subscription) Dropped() int64 {
	if dc, ok := s.sub.(broadcast.DropCounter); ok {
		return dc.Dropped()
	}
	return 0
}

// Close ends the subscription. It does not wait for an in-progress
// callback, so it may be called from inside one.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.sub.Close()
	})
}

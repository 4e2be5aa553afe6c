// Package broadcast provides type-safe one-to-many message delivery.
//
// Two Broadcaster implementations are available:
//
//   - MemoryBroadcaster delivers to subscribers in the same process.
//   - RedisBroadcaster relays through a Redis pub/sub channel so every
//     process sharing the Redis server sees each message.
//
// Both are non-blocking towards the sender: every subscriber owns a buffered
// channel and a message that does not fit is dropped for that subscriber only.
// Messages published sequentially arrive in the same order on each subscriber.
//
//	b := broadcast.NewMemoryBroadcaster[string](16)
//	defer b.Close()
//
//	sub := b.Subscribe(ctx)
//	defer sub.Close()
//
//	_ = b.Broadcast(ctx, broadcast.Message[string]{Data: "hello"})
//	for msg := range sub.Receive(ctx) {
//		fmt.Println(msg.Data)
//	}
//
// A subscription ends when its context is cancelled, when Close is called on
// it, or when the broadcaster is closed; in every case the receive channel is
// closed.
package broadcast

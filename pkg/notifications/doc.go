// Package notifications is an in-app notification engine: it decides whether
// a notification is created, delivers it immediately or aggregates it with
// others of the same kind, honours the recipient's quiet hours and fans new
// records out to live subscribers.
//
// # Architecture
//
//   - Storage and PreferenceStorage: persistence, the source of truth.
//     MemoryStorage ships here; pgstore and mongostore live in subpackages.
//   - PolicyTable: per-category batching configuration and summary builders.
//   - Batcher: per (recipient, category) debounced aggregation with size and
//     time triggers.
//   - Hub: per-recipient publish/subscribe over pkg/broadcast, in memory or
//     through Redis.
//   - Manager: the creation path, bulk fan-out, queries and preferences.
//   - Sweeper: periodic removal of expired and long-read records.
//
// # Basic Usage
//
//	storage := notifications.NewMemoryStorage()
//	hub := notifications.NewHub()
//	manager := notifications.NewManager(storage, notifications.WithPublisher(hub))
//	defer manager.Close(ctx)
//
//	res, err := manager.Create(ctx, "user-1", notifications.CategoryReaction,
//		"New reaction", "Ana liked your post",
//		notifications.WithMetadata(map[string]any{"actor": "ana"}),
//	)
//	// res.Status == notifications.StatusQueued: reactions are batched for 60s.
//
// # Creation Path
//
// Create first resolves preferences (falling back to defaults when the
// store fails or has no record). A disabled category is a silent no-op.
// Batchable categories below urgent priority are queued. Everything else is
// checked against quiet hours, which suppress only low and normal priority,
// and then stored and published.
//
// # Live Subscriptions
//
//	sub, err := hub.Subscribe(ctx, "user-1", func(ev notifications.Event) {
//		// ev.Type == notifications.EventInsert
//	})
//	defer hub.Unsubscribe(sub)
//
// Delivery is at most once per subscription with no replay; clients fetch
// missed records with Manager.List after reconnecting.
package notifications

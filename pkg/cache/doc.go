// Package cache provides a generic, thread-safe LRU cache with optional
// time-to-live expiry.
//
// The notification engine uses it twice: to bound the number of per-recipient
// live broadcasters (closing evicted ones through the evict callback) and to
// keep recently resolved recipient preferences for a short TTL.
//
//	prefs := cache.NewLRUCache[string, notifications.Preferences](10000,
//		cache.WithTTL(30*time.Second),
//	)
//	prefs.Put(recipientID, p)
//	if p, ok := prefs.Get(recipientID); ok {
//		// fresh enough
//	}
//
// Entries leave the cache through capacity eviction, expiry (checked lazily
// on access), Remove or Clear; the callback set with SetEvictCallback runs in
// every case while the cache lock is held, so it must not call back into the
// cache.
package cache

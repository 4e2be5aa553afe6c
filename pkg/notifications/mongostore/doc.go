// Package mongostore stores notifications and recipient preferences in
// MongoDB.
//
// Notifications live in one collection keyed by their id, preferences in a
// second one keyed by recipient id:
//
//	db, err := mongo.NewWithDatabase(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	store := mongostore.New(db)
//	if err := store.EnsureIndexes(ctx); err != nil {
//		return err
//	}
//	manager := notifications.NewManager(store)
//
// CreateMany is an ordered InsertMany without a transaction: on failure the
// records before the failing one stay stored. Timestamps are kept at
// millisecond precision.
package mongostore

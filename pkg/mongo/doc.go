// Package mongo opens MongoDB connections with the official v2 driver.
//
// It backs the document flavour of the notification store
// (pkg/notifications/mongostore). Select it with NOTIFY_STORE=mongo.
//
//	db, err := mongo.NewWithDatabase(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	store := mongostore.New(db)
package mongo

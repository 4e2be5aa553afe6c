// Package pgstore stores notifications and recipient preferences in
// PostgreSQL through pgx.
//
// The schema ships as embedded goose migrations:
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	if err := pg.Migrate(ctx, pool, pgstore.Migrations, pgstore.MigrationsDir, cfg, log); err != nil {
//		return err
//	}
//	store := pgstore.New(pool)
//	manager := notifications.NewManager(store)
//
// Store implements both notifications.Storage and
// notifications.PreferenceStorage, so the manager picks up preferences from
// the same database. Metadata and preference groups are kept in JSONB
// columns. Listing order is created_at descending with insertion order as
// the tie-breaker.
package pgstore

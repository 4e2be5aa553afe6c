// Package pg bootstraps PostgreSQL access on top of pgx/v5.
//
// It exposes three pieces that the daemon wires together at startup:
//
//   - Config, populated from environment variables through pkg/config.
//   - Connect, which opens a *pgxpool.Pool and retries until the database
//     answers or the context is cancelled.
//   - Migrate, which runs goose migrations from an fs.FS (usually an
//     embed.FS owned by the store package) against the same pool.
//
// Usage:
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	if err := pg.Migrate(ctx, pool, pgstore.Migrations, pgstore.MigrationsDir, cfg, log); err != nil {
//		return err
//	}
//
// Healthcheck returns the check of an httpserver.Probe,
// and the Is* helpers classify driver errors without importing pgconn.
package pg

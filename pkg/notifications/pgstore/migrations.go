package pgstore

import "embed"

// Migrations holds the goose migrations of the store schema.
// Apply them with pg.Migrate(ctx, pool, pgstore.Migrations, pgstore.MigrationsDir, cfg, log).
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations that holds the SQL files.
const MigrationsDir = "migrations"

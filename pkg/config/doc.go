// Package config loads service configuration from environment variables
// into tagged structs using github.com/caarlos0/env/v11, after reading
// optional dotenv files with github.com/joho/godotenv.
//
// Every infrastructure package (pg, redis, mongo, notifications) exposes a
// Config struct with `env` tags; the daemon loads each of them with Load.
//
//	var pgCfg pg.Config
//	config.MustLoad(&pgCfg)
//
// Load never caches: each call re-reads the environment, which keeps tests
// that use t.Setenv straightforward.
package config

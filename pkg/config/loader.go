package config

import (
	"errors"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var defaultEnvLoaded sync.Once

// Option customises a single Load call.
type Option func(*loadOptions)

type loadOptions struct {
	files  []string
	prefix string
}

// WithEnvFiles loads the given dotenv files before parsing. Variables that
// are already set in the process environment are not overridden. Missing
// files are an error, unlike the implicit default ".env".
func WithEnvFiles(paths ...string) Option {
	return func(o *loadOptions) { o.files = append(o.files, paths...) }
}

// WithPrefix prepends prefix to every env tag of the target struct.
func WithPrefix(prefix string) Option {
	return func(o *loadOptions) { o.prefix = prefix }
}

// Load parses environment variables into v using `env` / `envDefault` tags.
// The first call also reads an optional ".env" file from the working directory.
//
//	type Config struct {
//		Addr          string        `env:"HTTP_ADDR" envDefault:":8080"`
//		SweepInterval time.Duration `env:"NOTIFY_SWEEP_INTERVAL" envDefault:"1h"`
//	}
//
//	var cfg Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T, opts ...Option) error {
	defaultEnvLoaded.Do(func() {
		// the default .env file is optional
		_ = godotenv.Load()
	})
	if v == nil {
		return ErrNilPointer
	}

	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	if len(o.files) > 0 {
		if err := godotenv.Load(o.files...); err != nil {
			return errors.Join(ErrEnvFile, err)
		}
	}

	if err := env.ParseWithOptions(v, env.Options{Prefix: o.prefix}); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad works like Load but panics on failure. Use it for configuration
// the process cannot start without.
func MustLoad[T any](v *T, opts ...Option) {
	if err := Load(v, opts...); err != nil {
		panic(err)
	}
}

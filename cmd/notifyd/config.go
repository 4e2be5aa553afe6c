package main

import (
	"fmt"

	"github.com/dmitrymomot/notikit/pkg/httpserver"
	"github.com/dmitrymomot/notikit/pkg/notifications"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"
	storeMongo    = "mongo"

	busMemory = "memory"
	busRedis  = "redis"
)

type appConfig struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	Service  string `env:"APP_NAME" envDefault:"notifyd"`
	LogLevel string `env:"LOG_LEVEL"`

	Store string `env:"NOTIFY_STORE" envDefault:"memory"` // memory, postgres or mongo
	Bus   string `env:"NOTIFY_BUS" envDefault:"memory"`   // memory or redis

	HTTP   httpserver.Config
	Notify notifications.Config
}

func (c appConfig) validate() error {
	switch c.Store {
	case storeMemory, storePostgres, storeMongo:
	default:
		return fmt.Errorf("unknown NOTIFY_STORE %q", c.Store)
	}
	switch c.Bus {
	case busMemory, busRedis:
	default:
		return fmt.Errorf("unknown NOTIFY_BUS %q", c.Bus)
	}
	return nil
}

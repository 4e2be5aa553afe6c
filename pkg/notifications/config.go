package notifications

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds the engine settings read from the environment.
type Config struct {
	BulkConcurrency     int           `env:"NOTIFY_BULK_CONCURRENCY" envDefault:"16"`
	RawBulkInsert       bool          `env:"NOTIFY_RAW_BULK_INSERT" envDefault:"false"`
	PreferenceCacheTTL  time.Duration `env:"NOTIFY_PREFERENCE_CACHE_TTL" envDefault:"0s"` // 0 disables the cache
	PreferenceCacheSize int           `env:"NOTIFY_PREFERENCE_CACHE_SIZE" envDefault:"10000"`
	RetentionPeriod     time.Duration `env:"NOTIFY_RETENTION_PERIOD" envDefault:"720h"`
	PolicyFile          string        `env:"NOTIFY_POLICY_FILE"`
	SweepInterval       time.Duration `env:"NOTIFY_SWEEP_INTERVAL" envDefault:"1h"`
	SweepAt             string        `env:"NOTIFY_SWEEP_AT"` // HH:MM UTC, overrides the interval
	SweepConcurrency    int           `env:"NOTIFY_SWEEP_CONCURRENCY" envDefault:"8"`
	SubscriberBuffer    int           `env:"NOTIFY_SUBSCRIBER_BUFFER" envDefault:"64"`
	MaxBroadcasters     int           `env:"NOTIFY_MAX_BROADCASTERS" envDefault:"10000"`
}

// PolicyTable builds the default table with the overrides file applied, if any.
func (c Config) PolicyTable() (*PolicyTable, error) {
	var overrides map[Category]PolicyOverride
	if c.PolicyFile != "" {
		var err error
		if overrides, err = LoadPolicyOverrides(c.PolicyFile); err != nil {
			return nil, err
		}
	}
	return NewPolicyTable(DefaultPolicies(), overrides)
}

// ManagerOptions translates the config into manager options.
func (c Config) ManagerOptions(log *slog.Logger) []ManagerOption {
	opts := []ManagerOption{
		WithManagerLogger(log),
		WithBulkConcurrency(c.BulkConcurrency),
		WithRetentionPeriod(c.RetentionPeriod),
		WithPreferenceCache(c.PreferenceCacheTTL, c.PreferenceCacheSize),
	}
	if c.RawBulkInsert {
		opts = append(opts, WithRawBulkInsert())
	}
	return opts
}

// SweeperOptions translates the config into sweeper options.
func (c Config) SweeperOptions(log *slog.Logger) ([]SweeperOption, error) {
	opts := []SweeperOption{
		WithSweeperLogger(log),
		WithSweepInterval(c.SweepInterval),
		WithSweepConcurrency(c.SweepConcurrency),
	}
	if c.SweepAt != "" {
		sch, err := ParseDailySchedule(c.SweepAt)
		if err != nil {
			return nil, fmt.Errorf("NOTIFY_SWEEP_AT: %w", err)
		}
		opts = append(opts, WithSweepSchedule(sch))
	}
	return opts, nil
}

// HubOptions translates the config into hub options. The broadcaster
// factory is chosen by the caller.
func (c Config) HubOptions(log *slog.Logger) []HubOption {
	return []HubOption{
		WithHubLogger(log),
		WithMaxBroadcasters(c.MaxBroadcasters),
	}
}

package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/notikit/pkg/logger"
)

// expiryCleaner is the part of Manager the sweeper drives.
type expiryCleaner interface {
	Recipients(ctx context.Context) ([]string, error)
	CleanupExpired(ctx context.Context, recipientID string) (int, error)
}

// Sweeper periodically removes expired and long-read notifications for every
// recipient. Recipients are swept in parallel; one recipient is never swept
// twice at once.
type Sweeper struct {
	cleaner     expiryCleaner
	schedule    Schedule
	now         func() time.Time
	concurrency int
	logger      *slog.Logger
	running     atomic.Bool
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the pause between sweeps. Default is one hour.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.schedule = EveryInterval(d)
		}
	}
}

// WithSweepSchedule replaces the interval with an arbitrary schedule,
// e.g. DailyAt(3, 0).
func WithSweepSchedule(sch Schedule) SweeperOption {
	return func(s *Sweeper) {
		if sch != nil {
			s.schedule = sch
		}
	}
}

// WithSweepConcurrency bounds how many recipients are swept at once. Default is 8.
func WithSweepConcurrency(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSweeper creates a sweeper for m.
func NewSweeper(m *Manager, opts ...SweeperOption) *Sweeper {
	return newSweeper(m, opts...)
}

func newSweeper(c expiryCleaner, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		cleaner:     c,
		schedule:    EveryInterval(time.Hour),
		now:         time.Now,
		concurrency: 8,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps immediately and then whenever the schedule fires, until ctx
// is done. It returns nil on cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSweeperRunning
	}
	defer s.running.Store(false)

	s.logger.LogAttrs(ctx, slog.LevelInfo, "notification sweeper started",
		slog.String("schedule", s.schedule.String()),
	)

	s.sweep(ctx)
	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.sweep(ctx)
			timer.Reset(s.untilNext())
		}
	}
}

func (s *Sweeper) untilNext() time.Duration {
	now := s.now()
	return max(s.schedule.Next(now).Sub(now), 0)
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	removed, err := s.SweepOnce(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "notification sweep finished with errors",
			logger.Count(removed),
			logger.Error(err),
		)
		return
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "notification sweep finished",
		logger.Count(removed),
		logger.Duration(time.Since(start)),
	)
}

// SweepOnce sweeps every recipient once and returns the number of removed
// notifications. Per-recipient failures do not stop the sweep; they are
// joined into the returned error.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	recipients, err := s.cleaner.Recipients(ctx)
	if err != nil {
		return 0, fmt.Errorf("list recipients: %w", err)
	}

	var (
		removed atomic.Int64
		mu      sync.Mutex
		errs    []error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for _, id := range recipients {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			n, err := s.cleaner.CleanupExpired(ctx, id)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("recipient %s: %w", id, err))
				mu.Unlock()
				return nil
			}
			removed.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	return int(removed.Load()), errors.Join(errs...)
}

package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/notikit/pkg/logger"
)

// Timer is the handle returned by an AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc is the default.
type AfterFunc func(d time.Duration, f func()) Timer

// BatchSink stores and publishes the summary of a flushed batch.
type BatchSink func(ctx context.Context, key BatchKey, summary Draft, size int) error

// Batcher aggregates drafts per (recipient, category) key and flushes each
// key once its debounce window elapses or it reaches the policy's maximum
// size. Pending state is process-local.
//
// A key is detached from the pending map before any I/O happens, so an
// Enqueue racing with a flush always starts a fresh batch, and a failed
// write never affects later batches.
type Batcher struct {
	policies  *PolicyTable
	sink      BatchSink
	afterFunc AfterFunc
	logger    *slog.Logger
	baseCtx   context.Context

	mu       sync.Mutex
	pending  map[BatchKey]*pendingBatch
	gen      uint64
	closed   bool
	inflight sync.WaitGroup
}

type pendingBatch struct {
	drafts []Draft
	timer  Timer
	gen    uint64
}

// BatcherOption configures a Batcher.
type BatcherOption func(*Batcher)

// WithAfterFunc replaces the timer factory. Tests use it to drive windows
// deterministically.
func WithAfterFunc(fn AfterFunc) BatcherOption {
	return func(b *Batcher) {
		if fn != nil {
			b.afterFunc = fn
		}
	}
}

// WithBatcherLogger sets the logger used for flush failures.
func WithBatcherLogger(l *slog.Logger) BatcherOption {
	return func(b *Batcher) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBatcherContext sets the context timer-triggered flushes run with.
func WithBatcherContext(ctx context.Context) BatcherOption {
	return func(b *Batcher) {
		if ctx != nil {
			b.baseCtx = ctx
		}
	}
}

// NewBatcher creates a batcher that hands flushed batches to sink.
func NewBatcher(policies *PolicyTable, sink BatchSink, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		policies: policies,
		sink:     sink,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		logger:  slog.Default(),
		baseCtx: context.Background(),
		pending: make(map[BatchKey]*pendingBatch),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue appends d to the batch of key and returns the queue length after
// the append. The first draft of a key arms the debounce timer; the draft
// that reaches MaxBatchSize flushes the batch synchronously on the caller's
// goroutine and cancels the timer.
func (b *Batcher) Enqueue(ctx context.Context, key BatchKey, d Draft) (int, error) {
	policy, ok := b.policies.Policy(key.Category)
	if !ok || !policy.ShouldBatch {
		return 0, ErrNotBatchable
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrBatcherClosed
	}

	entry, ok := b.pending[key]
	if !ok {
		b.gen++
		entry = &pendingBatch{gen: b.gen}
		b.pending[key] = entry
		gen := entry.gen
		entry.timer = b.afterFunc(policy.BatchWindow, func() { b.flush(key, gen) })
	}
	entry.drafts = append(entry.drafts, d)
	size := len(entry.drafts)

	if size < policy.MaxBatchSize {
		b.mu.Unlock()
		return size, nil
	}

	delete(b.pending, key)
	entry.timer.Stop()
	b.inflight.Add(1)
	b.mu.Unlock()

	b.deliver(context.WithoutCancel(ctx), key, policy, entry.drafts)
	return size, nil
}

// flush is the timer callback. A timer that fires after its batch was
// already detached (size flush or drain) finds a different generation, or
// no entry, and does nothing.
func (b *Batcher) flush(key BatchKey, gen uint64) {
	b.mu.Lock()
	entry, ok := b.pending[key]
	if !ok || entry.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	b.inflight.Add(1)
	b.mu.Unlock()

	policy, _ := b.policies.Policy(key.Category)
	b.deliver(b.baseCtx, key, policy, entry.drafts)
}

// Flush immediately flushes every pending key and returns how many batches
// were handed to the sink.
func (b *Batcher) Flush(ctx context.Context) int {
	b.mu.Lock()
	detached := make(map[BatchKey]*pendingBatch, len(b.pending))
	for key, entry := range b.pending {
		entry.timer.Stop()
		detached[key] = entry
		b.inflight.Add(1)
	}
	clear(b.pending)
	b.mu.Unlock()

	for key, entry := range detached {
		policy, _ := b.policies.Policy(key.Category)
		b.deliver(ctx, key, policy, entry.drafts)
	}
	return len(detached)
}

// Close stops accepting drafts, drains every pending key and waits for
// in-flight flushes, or for ctx to be done. Later calls only wait.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	if n := b.Flush(ctx); n > 0 {
		b.logger.InfoContext(ctx, "drained pending notification batches", logger.Count(n))
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of drafts queued for key.
func (b *Batcher) Pending(key BatchKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.pending[key]; ok {
		return len(entry.drafts)
	}
	return 0
}

// Keys returns the number of keys with a pending batch.
func (b *Batcher) Keys() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) deliver(ctx context.Context, key BatchKey, policy Policy, drafts []Draft) {
	defer b.inflight.Done()

	summary := Synthesize(policy, key, drafts)
	if err := b.sink(ctx, key, summary, len(drafts)); err != nil {
		b.logger.LogAttrs(ctx, slog.LevelError, "failed to deliver notification batch",
			logger.RecipientID(key.RecipientID),
			logger.Category(key.Category),
			logger.BatchSize(len(drafts)),
			logger.Error(err),
		)
	}
}

// Synthesize builds the single summary draft of a batch. Metadata carries
// the count, every draft's metadata in arrival order and the batch key;
// the priority is the highest among the drafts and the action URL the
// first non-empty one.
func Synthesize(policy Policy, key BatchKey, drafts []Draft) Draft {
	items := make([]map[string]any, 0, len(drafts))
	summary := Draft{
		RecipientID: key.RecipientID,
		Category:    key.Category,
		Priority:    PriorityLow,
	}

	var latestExpiry *time.Time
	allExpire := len(drafts) > 0
	for _, d := range drafts {
		meta := d.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		items = append(items, meta)

		if d.Priority.Rank() > summary.Priority.Rank() {
			summary.Priority = d.Priority
		}
		if summary.ActionURL == "" {
			summary.ActionURL = d.ActionURL
		}
		if d.ExpiresAt == nil {
			allExpire = false
		} else if latestExpiry == nil || d.ExpiresAt.After(*latestExpiry) {
			latestExpiry = d.ExpiresAt
		}
	}
	if allExpire {
		summary.ExpiresAt = latestExpiry
	}

	if policy.Title != nil {
		summary.Title = policy.Title(len(drafts))
	}
	if policy.Message != nil {
		summary.Message = policy.Message(drafts)
	}
	summary.Metadata = map[string]any{
		"count":     len(drafts),
		"items":     items,
		"batch_key": key.String(),
	}
	return summary
}

package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notikit/pkg/logger"
)

type sinkCall struct {
	key     BatchKey
	summary Draft
	size    int
}

type sinkRecorder struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

func (s *sinkRecorder) sink(_ context.Context, key BatchKey, summary Draft, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{key: key, summary: summary, size: size})
	return s.err
}

func (s *sinkRecorder) Calls() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

func reactionTable(t *testing.T, window time.Duration, maxSize int) *PolicyTable {
	t.Helper()
	table, err := NewPolicyTable(DefaultPolicies(), map[Category]PolicyOverride{
		CategoryReaction: {BatchWindow: &window, MaxBatchSize: &maxSize},
	})
	require.NoError(t, err)
	return table
}

func reactionDraft(recipient, actor string) Draft {
	return Draft{
		RecipientID: recipient,
		Category:    CategoryReaction,
		Priority:    PriorityNormal,
		Title:       "New reaction",
		Message:     actor + " reacted",
		Metadata:    map[string]any{"actor": actor},
	}
}

func TestBatcher_TimerFlush(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(testEpoch)
	rec := &sinkRecorder{}
	b := NewBatcher(reactionTable(t, time.Minute, 10), rec.sink,
		WithAfterFunc(clock.AfterFunc), WithBatcherLogger(logger.Discard()))

	key := BatchKey{RecipientID: "r1", Category: CategoryReaction}
	for i, actor := range []string{"ana", "bo", "cy"} {
		n, err := b.Enqueue(context.Background(), key, reactionDraft("r1", actor))
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
	}
	assert.Equal(t, 3, b.Pending(key))
	assert.Equal(t, 1, clock.activeTimers(), "one timer per key")

	clock.Advance(59 * time.Second)
	assert.Empty(t, rec.Calls())

	clock.Advance(time.Second)
	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, key, calls[0].key)
	assert.Equal(t, 3, calls[0].size)
	assert.Equal(t, 3, calls[0].summary.Metadata["count"])
	assert.Equal(t, 0, b.Pending(key))
	assert.Equal(t, 0, b.Keys())
}

func TestBatcher_SizeFlushCancelsTimer(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(testEpoch)
	rec := &sinkRecorder{}
	b := NewBatcher(reactionTable(t, time.Minute, 3), rec.sink,
		WithAfterFunc(clock.AfterFunc), WithBatcherLogger(logger.Discard()))

	key := BatchKey{RecipientID: "r1", Category: CategoryReaction}
	for _, actor := range []string{"a", "b", "c"} {
		_, err := b.Enqueue(context.Background(), key, reactionDraft("r1", actor))
		require.NoError(t, err)
	}

	require.Len(t, rec.Calls(), 1, "reaching max size flushes immediately")
	assert.Equal(t, 0, clock.activeTimers(), "timer is cancelled")

	clock.Advance(2 * time.Minute)
	assert.Len(t, rec.Calls(), 1, "no duplicate flush when the window would have elapsed")
}

func TestBatcher_StaleTimerIsNoop(t *testing.T) {
	t.Parallel()
	var callbacks []func()
	afterFunc := func(d time.Duration, f func()) Timer {
		callbacks = append(callbacks, f)
		return time.NewTimer(time.Hour) // never fires within the test
	}
	rec := &sinkRecorder{}
	b := NewBatcher(reactionTable(t, time.Minute, 2), rec.sink,
		WithAfterFunc(afterFunc), WithBatcherLogger(logger.Discard()))
	key := BatchKey{RecipientID: "r1", Category: CategoryReaction}
	ctx := context.Background()

	_, _ = b.Enqueue(ctx, key, reactionDraft("r1", "a"))
	_, _ = b.Enqueue(ctx, key, reactionDraft("r1", "b")) // size flush
	_, _ = b.Enqueue(ctx, key, reactionDraft("r1", "c")) // fresh batch
	require.Len(t, callbacks, 2)
	require.Len(t, rec.Calls(), 1)

	// The first batch's timer fires late, racing the size flush.
	callbacks[0]()
	assert.Len(t, rec.Calls(), 1)
	assert.Equal(t, 1, b.Pending(key), "fresh batch untouched by stale timer")

	callbacks[1]()
	calls := rec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, calls[1].size)
}

func TestBatcher_KeysAreIndependent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(testEpoch)
	rec := &sinkRecorder{}
	b := NewBatcher(DefaultPolicyTable(), rec.sink,
		WithAfterFunc(clock.AfterFunc), WithBatcherLogger(logger.Discard()))
	ctx := context.Background()

	_, _ = b.Enqueue(ctx, BatchKey{"r1", CategoryReaction}, reactionDraft("r1", "a"))
	_, _ = b.Enqueue(ctx, BatchKey{"r2", CategoryReaction}, reactionDraft("r2", "a"))
	_, _ = b.Enqueue(ctx, BatchKey{"r1", CategoryComment}, Draft{RecipientID: "r1", Category: CategoryComment, Priority: PriorityNormal})
	assert.Equal(t, 3, b.Keys())

	clock.Advance(time.Minute)
	assert.Len(t, rec.Calls(), 2, "reaction windows elapsed, comment window still open")
	assert.Equal(t, 1, b.Pending(BatchKey{"r1", CategoryComment}))

	clock.Advance(time.Minute)
	assert.Len(t, rec.Calls(), 3)
}

func TestBatcher_NotBatchable(t *testing.T) {
	t.Parallel()
	b := NewBatcher(DefaultPolicyTable(), (&sinkRecorder{}).sink)
	_, err := b.Enqueue(context.Background(), BatchKey{"r1", CategoryMention}, Draft{})
	assert.ErrorIs(t, err, ErrNotBatchable)
}

func TestBatcher_SinkFailureLeavesKeyEmpty(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(testEpoch)
	rec := &sinkRecorder{err: errors.New("db down")}
	b := NewBatcher(reactionTable(t, time.Minute, 10), rec.sink,
		WithAfterFunc(clock.AfterFunc), WithBatcherLogger(logger.Discard()))
	key := BatchKey{RecipientID: "r1", Category: CategoryReaction}

	_, _ = b.Enqueue(context.Background(), key, reactionDraft("r1", "a"))
	clock.Advance(time.Minute)
	require.Len(t, rec.Calls(), 1)
	assert.Equal(t, 0, b.Pending(key), "failed batch is dropped, not retried")

	n, err := b.Enqueue(context.Background(), key, reactionDraft("r1", "b"))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "later enqueues start a new batch")
}

func TestBatcher_CloseDrainsAndRejects(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(testEpoch)
	rec := &sinkRecorder{}
	b := NewBatcher(DefaultPolicyTable(), rec.sink,
		WithAfterFunc(clock.AfterFunc), WithBatcherLogger(logger.Discard()))
	ctx := context.Background()

	_, _ = b.Enqueue(ctx, BatchKey{"r1", CategoryReaction}, reactionDraft("r1", "a"))
	_, _ = b.Enqueue(ctx, BatchKey{"r1", CategoryReaction}, reactionDraft("r1", "b"))
	_, _ = b.Enqueue(ctx, BatchKey{"r2", CategoryFollow}, Draft{RecipientID: "r2", Category: CategoryFollow, Priority: PriorityLow})

	require.NoError(t, b.Close(ctx))
	calls := rec.Calls()
	assert.Len(t, calls, 2)
	assert.Equal(t, 0, b.Keys())
	assert.Equal(t, 0, clock.activeTimers())

	_, err := b.Enqueue(ctx, BatchKey{"r1", CategoryReaction}, reactionDraft("r1", "c"))
	assert.ErrorIs(t, err, ErrBatcherClosed)
	assert.NoError(t, b.Close(ctx), "second close is harmless")
}

func TestBatcher_ConcurrentEnqueueNeverLosesItems(t *testing.T) {
	t.Parallel()
	rec := &sinkRecorder{}
	// real timers with a tiny window so flushes interleave with enqueues
	b := NewBatcher(reactionTable(t, 2*time.Millisecond, 1000), rec.sink, WithBatcherLogger(logger.Discard()))
	key := BatchKey{RecipientID: "r1", Category: CategoryReaction}

	const workers, perWorker = 20, 50
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				_, err := b.Enqueue(context.Background(), key, reactionDraft("r1", "w"))
				assert.NoError(t, err)
				if (w+i)%7 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, b.Close(context.Background()))

	total := 0
	for _, c := range rec.Calls() {
		total += c.size
		assert.Equal(t, c.size, c.summary.Metadata["count"])
		assert.Len(t, c.summary.Metadata["items"], c.size)
	}
	assert.Equal(t, workers*perWorker, total)
}

func TestSynthesize(t *testing.T) {
	t.Parallel()
	policy, _ := DefaultPolicyTable().Policy(CategoryReaction)
	exp1 := testEpoch.Add(time.Hour)
	exp2 := testEpoch.Add(2 * time.Hour)
	key := BatchKey{RecipientID: "r1", Category: CategoryReaction}

	drafts := []Draft{
		{Priority: PriorityLow, Message: "ana reacted", Metadata: map[string]any{"actor": "ana"}, ExpiresAt: &exp2},
		{Priority: PriorityHigh, Message: "bo reacted", ActionURL: "/posts/1", ExpiresAt: &exp1},
		{Priority: PriorityNormal, Message: "cy reacted", ActionURL: "/posts/2", Metadata: map[string]any{"actor": "cy"}, ExpiresAt: &exp1},
	}
	s := Synthesize(policy, key, drafts)

	assert.Equal(t, "r1", s.RecipientID)
	assert.Equal(t, CategoryReaction, s.Category)
	assert.Equal(t, PriorityHigh, s.Priority)
	assert.Equal(t, "/posts/1", s.ActionURL)
	assert.Equal(t, "3 people reacted to your post", s.Title)
	assert.Equal(t, "cy reacted and 2 more", s.Message)
	assert.Equal(t, exp2, *s.ExpiresAt)
	assert.Equal(t, 3, s.Metadata["count"])
	assert.Equal(t, "r1:reaction", s.Metadata["batch_key"])
	assert.Equal(t, []map[string]any{
		{"actor": "ana"},
		{},
		{"actor": "cy"},
	}, s.Metadata["items"])

	drafts[1].ExpiresAt = nil
	assert.Nil(t, Synthesize(policy, key, drafts).ExpiresAt, "no expiry unless every item expires")
}

package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notikit/pkg/logger"
)

// MockStorage wraps MemoryStorage so single methods can be made to fail.
type MockStorage struct {
	mock.Mock
	*MemoryStorage
}

func (m *MockStorage) Create(ctx context.Context, n Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func (m *MockStorage) CreateMany(ctx context.Context, ns []Notification) error {
	args := m.Called(ctx, ns)
	return args.Error(0)
}

// MockPreferenceStorage for preference failure paths.
type MockPreferenceStorage struct {
	mock.Mock
}

func (m *MockPreferenceStorage) GetPreferences(ctx context.Context, recipientID string) (Preferences, error) {
	args := m.Called(ctx, recipientID)
	return args.Get(0).(Preferences), args.Error(1)
}

func (m *MockPreferenceStorage) UpsertPreferences(ctx context.Context, p Preferences) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func setPrefs(t *testing.T, env *testEnv, p Preferences) {
	t.Helper()
	require.NoError(t, env.storage.UpsertPreferences(context.Background(), p))
}

func TestManager_CreateImmediate(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()

	res, err := env.manager.Create(ctx, "r1", CategoryMention, "Mentioned", "ana mentioned you",
		WithActionURL("/posts/9"),
		WithMetadata(map[string]any{"post_id": "9"}),
	)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, res.Status)
	require.NotNil(t, res.Notification)

	n := res.Notification
	assert.Equal(t, "n-1", n.ID)
	assert.Equal(t, "r1", n.RecipientID)
	assert.Equal(t, PriorityNormal, n.Priority)
	assert.Equal(t, "/posts/9", n.ActionURL)
	assert.Equal(t, testEpoch, n.CreatedAt)
	assert.False(t, n.IsRead)

	stored, err := env.manager.Get(ctx, "r1", n.ID)
	require.NoError(t, err)
	assert.Equal(t, *n, *stored)

	events := env.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventInsert, events[0].Type)
	assert.Equal(t, n.ID, events[0].Record.ID)
}

func TestManager_CreateInvalidInput(t *testing.T) {
	t.Parallel()
	env := newTestEnv()

	tests := []struct {
		name      string
		recipient string
		category  Category
		opts      []CreateOption
	}{
		{name: "empty recipient", recipient: "", category: CategorySystem},
		{name: "unknown category", recipient: "r1", category: "poke"},
		{name: "invalid priority", recipient: "r1", category: CategorySystem, opts: []CreateOption{WithPriority("critical")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.manager.Create(context.Background(), tt.recipient, tt.category, "t", "m", tt.opts...)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Empty(t, env.publisher.Events())
}

func TestManager_DisabledCategoryIsSilentNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name     string
		prefs    func(p *Preferences)
		category Category
	}{
		{name: "group toggle off", prefs: func(p *Preferences) { p.Groups[GroupSocial] = false }, category: CategoryMention},
		{name: "group toggle off for batchable", prefs: func(p *Preferences) { p.Groups[GroupSocial] = false }, category: CategoryReaction},
		{name: "in-app off overrides groups", prefs: func(p *Preferences) { p.InAppEnabled = false }, category: CategorySystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			p := DefaultPreferences("r1")
			tt.prefs(&p)
			setPrefs(t, env, p)

			res, err := env.manager.Create(ctx, "r1", tt.category, "t", "m", WithPriority(PriorityUrgent))
			require.NoError(t, err)
			assert.Equal(t, StatusDisabled, res.Status)
			assert.Nil(t, res.Notification)

			list, err := env.manager.List(ctx, "r1", ListOptions{})
			require.NoError(t, err)
			assert.Empty(t, list)
			assert.Empty(t, env.publisher.Events())
			assert.Equal(t, 0, env.manager.PendingBatch(BatchKey{"r1", tt.category}))
		})
	}
}

func TestManager_QuietHours(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name     string
		at       time.Time
		priority Priority
		want     Status
	}{
		{name: "normal at 23:30", at: clock(23, 30), priority: PriorityNormal, want: StatusSuppressed},
		{name: "low at 05:00", at: clock(5, 0), priority: PriorityLow, want: StatusSuppressed},
		{name: "normal at 12:00", at: clock(12, 0), priority: PriorityNormal, want: StatusDelivered},
		{name: "high at 23:30", at: clock(23, 30), priority: PriorityHigh, want: StatusDelivered},
		{name: "urgent at 05:00", at: clock(5, 0), priority: PriorityUrgent, want: StatusDelivered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.clock.AdvanceTo(tt.at)
			p := DefaultPreferences("r1")
			p.QuietHours = QuietHours{Enabled: true, Start: "22:00", End: "08:00"}
			setPrefs(t, env, p)

			res, err := env.manager.Create(ctx, "r1", CategoryChallengeReminder, "t", "m", WithPriority(tt.priority))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)

			wantEvents := 0
			if tt.want == StatusDelivered {
				wantEvents = 1
			}
			assert.Len(t, env.publisher.Events(), wantEvents)
		})
	}
}

// clock returns testEpoch's next occurrence of hh:mm.
func clock(hh, mm int) time.Time {
	t := time.Date(testEpoch.Year(), testEpoch.Month(), testEpoch.Day(), hh, mm, 0, 0, time.UTC)
	if t.Before(testEpoch) {
		t = t.Add(24 * time.Hour)
	}
	return t
}

func TestManager_BatchedIgnoresQuietHours(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	env.clock.AdvanceTo(clock(23, 0))
	p := DefaultPreferences("r1")
	p.QuietHours = QuietHours{Enabled: true, Start: "22:00", End: "08:00"}
	setPrefs(t, env, p)

	res, err := env.manager.Create(context.Background(), "r1", CategoryReaction, "t", "m")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)

	env.clock.Advance(time.Minute)
	assert.Len(t, env.publisher.Events(), 1)
}

func TestManager_UrgentBypassesBatching(t *testing.T) {
	t.Parallel()
	env := newTestEnv()

	res, err := env.manager.Create(context.Background(), "r1", CategoryReaction, "t", "m", WithPriority(PriorityUrgent))
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, res.Status)
	assert.Equal(t, 0, env.manager.PendingBatch(BatchKey{"r1", CategoryReaction}))
}

func TestManager_BatchWindowScenario(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()
	start := env.clock.Now()

	for i, at := range []time.Duration{0, 5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second} {
		env.clock.AdvanceTo(start.Add(at))
		res, err := env.manager.Create(ctx, "R", CategoryReaction, "New reaction", fmt.Sprintf("user %d reacted", i),
			WithMetadata(map[string]any{"actor": fmt.Sprintf("u%d", i)}))
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, res.Status)
	}

	env.clock.AdvanceTo(start.Add(59 * time.Second))
	list, err := env.manager.List(ctx, "R", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list, "nothing stored before the window elapses")

	env.clock.AdvanceTo(start.Add(60 * time.Second))
	list, err = env.manager.List(ctx, "R", ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	first := list[0]
	assert.Equal(t, 5, first.Metadata["count"])
	assert.Equal(t, "5 people reacted to your post", first.Title)
	assert.Equal(t, "user 4 reacted and 4 more", first.Message)
	items := first.Metadata["items"].([]map[string]any)
	require.Len(t, items, 5)
	for i, item := range items {
		assert.Equal(t, fmt.Sprintf("u%d", i), item["actor"], "arrival order is kept")
	}

	env.clock.AdvanceTo(start.Add(65 * time.Second))
	res, err := env.manager.Create(ctx, "R", CategoryReaction, "New reaction", "late reaction")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, 1, env.manager.PendingBatch(BatchKey{"R", CategoryReaction}))

	env.clock.AdvanceTo(start.Add(124 * time.Second))
	list, err = env.manager.List(ctx, "R", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	env.clock.AdvanceTo(start.Add(125 * time.Second))
	list, err = env.manager.List(ctx, "R", ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Metadata["count"], "newest first")
	assert.Equal(t, "1 person reacted to your post", list[0].Title)
	assert.Len(t, env.publisher.Events(), 2)
}

func TestManager_SizeTriggeredFlush(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()

	for i := range 5 {
		_, err := env.manager.Create(ctx, "r1", CategoryComment, "c", fmt.Sprintf("comment %d", i))
		require.NoError(t, err)
	}

	list, err := env.manager.List(ctx, "r1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1, "max batch size of comments is 5")
	assert.Equal(t, 5, list[0].Metadata["count"])

	env.clock.Advance(10 * time.Minute)
	list, err = env.manager.List(ctx, "r1", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 1, "cancelled timer does not flush again")
}

func TestManager_StoreFailure(t *testing.T) {
	t.Parallel()
	ms := &MockStorage{MemoryStorage: NewMemoryStorage()}
	ms.On("Create", mock.Anything, mock.AnythingOfType("Notification")).Return(errors.New("disk full"))
	pub := &recordingPublisher{}
	m := NewManager(ms, WithPublisher(pub), WithManagerLogger(logger.Discard()))

	res, err := m.Create(context.Background(), "r1", CategorySystem, "t", "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreWrite)
	assert.Nil(t, res.Notification)
	assert.Empty(t, pub.Events(), "no publish without a stored record")
	ms.AssertExpectations(t)
}

func TestManager_PublishFailureIsNotReturned(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	env.publisher.err = errors.New("bus down")

	res, err := env.manager.Create(context.Background(), "r1", CategorySystem, "t", "m")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, res.Status)

	count, err := env.manager.CountUnread(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "record remains fetchable")
}

func TestManager_PreferenceFailureFailsOpen(t *testing.T) {
	t.Parallel()
	ps := &MockPreferenceStorage{}
	ps.On("GetPreferences", mock.Anything, "r1").Return(Preferences{}, errors.New("timeout"))
	env := newTestEnv(WithPreferenceStorage(ps))

	res, err := env.manager.Create(context.Background(), "r1", CategoryMention, "t", "m")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, res.Status)

	prefs := env.manager.GetPreferences(context.Background(), "r1")
	assert.Equal(t, DefaultPreferences("r1"), prefs)
	ps.AssertExpectations(t)
}

func TestManager_MarkAllReadThenCountUnread(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, n := range []int{0, 1, 7, 30} {
		t.Run(fmt.Sprintf("%d unread", n), func(t *testing.T) {
			env := newTestEnv()
			for i := range n {
				_, err := env.manager.Create(ctx, "r1", CategoryAchievement, "t", fmt.Sprintf("m%d", i))
				require.NoError(t, err)
			}
			_, err := env.manager.Create(ctx, "other", CategoryAchievement, "t", "m")
			require.NoError(t, err)

			changed, err := env.manager.MarkAllRead(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, n, changed)

			count, err := env.manager.CountUnread(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, 0, count)

			other, err := env.manager.CountUnread(ctx, "other")
			require.NoError(t, err)
			assert.Equal(t, 1, other, "other recipients untouched")
		})
	}
}

func TestManager_RecipientScopedMutations(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()

	res, err := env.manager.Create(ctx, "r1", CategorySystem, "t", "m")
	require.NoError(t, err)
	id := res.Notification.ID

	assert.ErrorIs(t, env.manager.MarkRead(ctx, "r2", id), ErrNotificationNotFound)
	assert.ErrorIs(t, env.manager.Archive(ctx, "r2", id), ErrNotificationNotFound)
	assert.ErrorIs(t, env.manager.Delete(ctx, "r2", id), ErrNotificationNotFound)

	require.NoError(t, env.manager.MarkRead(ctx, "r1", id))
	n, err := env.manager.Get(ctx, "r1", id)
	require.NoError(t, err)
	assert.True(t, n.IsRead)
	require.NotNil(t, n.ReadAt)
	assert.Equal(t, testEpoch, *n.ReadAt)

	require.NoError(t, env.manager.Archive(ctx, "r1", id))
	list, err := env.manager.List(ctx, "r1", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list, "archived hidden by default")
	list, err = env.manager.List(ctx, "r1", ListOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, env.manager.Delete(ctx, "r1", id))
	_, err = env.manager.Get(ctx, "r1", id)
	assert.ErrorIs(t, err, ErrNotificationNotFound)
}

func TestManager_ClearAll(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()
	for range 3 {
		_, err := env.manager.Create(ctx, "r1", CategorySystem, "t", "m")
		require.NoError(t, err)
	}

	n, err := env.manager.ClearAll(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := env.manager.List(ctx, "r1", ListOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManager_CleanupExpired(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()

	past, err := env.manager.Create(ctx, "r1", CategorySystem, "past", "m", WithExpiresAt(testEpoch.Add(time.Hour)))
	require.NoError(t, err)
	future, err := env.manager.Create(ctx, "r1", CategorySystem, "future", "m", WithExpiresAt(testEpoch.Add(72*time.Hour)))
	require.NoError(t, err)
	forever, err := env.manager.Create(ctx, "r1", CategorySystem, "forever", "m")
	require.NoError(t, err)
	oldRead, err := env.manager.Create(ctx, "r1", CategorySystem, "old read", "m")
	require.NoError(t, err)
	require.NoError(t, env.manager.MarkRead(ctx, "r1", oldRead.Notification.ID))

	env.clock.Advance(31 * 24 * time.Hour)
	recentRead, err := env.manager.Create(ctx, "r1", CategorySystem, "recent read", "m")
	require.NoError(t, err)
	require.NoError(t, env.manager.MarkRead(ctx, "r1", recentRead.Notification.ID))

	removed, err := env.manager.CleanupExpired(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, removed, "both expired records and the old read one")

	for _, gone := range []Result{past, future, oldRead} {
		_, err = env.manager.Get(ctx, "r1", gone.Notification.ID)
		assert.ErrorIs(t, err, ErrNotificationNotFound)
	}
	_, err = env.manager.Get(ctx, "r1", forever.Notification.ID)
	assert.NoError(t, err)
	_, err = env.manager.Get(ctx, "r1", recentRead.Notification.ID)
	assert.NoError(t, err)
}

func TestManager_CleanupExpiredUsesRecordAge(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()

	old, err := env.manager.Create(ctx, "r1", CategorySystem, "old", "m")
	require.NoError(t, err)
	unread, err := env.manager.Create(ctx, "r1", CategorySystem, "old unread", "m")
	require.NoError(t, err)

	env.clock.Advance(59 * 24 * time.Hour)
	require.NoError(t, env.manager.MarkRead(ctx, "r1", old.Notification.ID))
	env.clock.Advance(24 * time.Hour)

	removed, err := env.manager.CleanupExpired(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "read yesterday but created sixty days ago")

	_, err = env.manager.Get(ctx, "r1", old.Notification.ID)
	assert.ErrorIs(t, err, ErrNotificationNotFound)
	_, err = env.manager.Get(ctx, "r1", unread.Notification.ID)
	assert.NoError(t, err, "unread records are kept regardless of age")
}

func TestManager_CleanupExpiredKeepsUnexpired(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()

	expired, err := env.manager.Create(ctx, "r1", CategorySystem, "t", "m", WithExpiresAt(testEpoch.Add(time.Minute)))
	require.NoError(t, err)
	future, err := env.manager.Create(ctx, "r1", CategorySystem, "t", "m", WithExpiresAt(testEpoch.Add(time.Hour)))
	require.NoError(t, err)
	unset, err := env.manager.Create(ctx, "r1", CategorySystem, "t", "m")
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)
	removed, err := env.manager.CleanupExpired(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = env.manager.Get(ctx, "r1", expired.Notification.ID)
	assert.ErrorIs(t, err, ErrNotificationNotFound)
	_, err = env.manager.Get(ctx, "r1", future.Notification.ID)
	assert.NoError(t, err)
	_, err = env.manager.Get(ctx, "r1", unset.Notification.ID)
	assert.NoError(t, err)
}

func TestManager_CreateBulkGated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(WithBulkConcurrency(4))
	ctx := context.Background()

	muted := DefaultPreferences("muted")
	muted.Groups[GroupBroadcasts] = false
	setPrefs(t, env, muted)

	items := make([]BulkItem, 0, 12)
	for i := range 10 {
		items = append(items, BulkItem{
			RecipientID: fmt.Sprintf("f%d", i),
			Category:    CategoryBroadcastLive,
			Title:       "Live now",
			Message:     "ana is live",
			Metadata:    map[string]any{"broadcast_id": "b1"},
		})
	}
	items = append(items,
		BulkItem{RecipientID: "muted", Category: CategoryBroadcastLive, Title: "Live now"},
		BulkItem{RecipientID: "f0", Category: CategoryFollow, Title: "New follower"},
	)

	count, err := env.manager.CreateBulk(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 11, count, "10 delivered plus one queued follow; muted recipient skipped")
	assert.Len(t, env.publisher.Events(), 10)
	assert.Equal(t, 1, env.manager.PendingBatch(BatchKey{"f0", CategoryFollow}))

	muteList, err := env.manager.List(ctx, "muted", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, muteList)
}

func TestManager_CreateBulkPartialFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv()

	count, err := env.manager.CreateBulk(context.Background(), []BulkItem{
		{RecipientID: "r1", Category: CategorySystem, Title: "ok"},
		{RecipientID: "", Category: CategorySystem, Title: "bad"},
		{RecipientID: "r2", Category: CategorySystem, Title: "ok"},
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 2, count)
}

func TestManager_CreateBulkRaw(t *testing.T) {
	t.Parallel()
	ms := &MockStorage{MemoryStorage: NewMemoryStorage()}
	ms.On("CreateMany", mock.Anything, mock.MatchedBy(func(ns []Notification) bool { return len(ns) == 3 })).Return(nil).Once()
	pub := &recordingPublisher{}
	m := NewManager(ms, WithRawBulkInsert(), WithPublisher(pub), WithManagerLogger(logger.Discard()))

	muted := DefaultPreferences("r1")
	muted.InAppEnabled = false
	require.NoError(t, ms.UpsertPreferences(context.Background(), muted))

	count, err := m.CreateBulk(context.Background(), []BulkItem{
		{RecipientID: "r1", Category: CategoryBroadcastLive, Title: "Live"},
		{RecipientID: "r2", Category: CategoryReaction, Title: "Batchable but raw"},
		{RecipientID: "r3", Category: CategorySystem, Title: "Sys", Priority: PriorityHigh},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count, "raw insert bypasses gating and batching")
	assert.Len(t, pub.Events(), 3)
	ms.AssertExpectations(t)
	ms.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestManager_CreateBulkRawStoreFailure(t *testing.T) {
	t.Parallel()
	ms := &MockStorage{MemoryStorage: NewMemoryStorage()}
	ms.On("CreateMany", mock.Anything, mock.Anything).Return(errors.New("constraint"))
	pub := &recordingPublisher{}
	m := NewManager(ms, WithRawBulkInsert(), WithPublisher(pub), WithManagerLogger(logger.Discard()))

	count, err := m.CreateBulk(context.Background(), []BulkItem{{RecipientID: "r1", Category: CategorySystem}})
	assert.ErrorIs(t, err, ErrStoreWrite)
	assert.Zero(t, count)
	assert.Empty(t, pub.Events())
}

func TestManager_UpdatePreferences(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()

	off := false
	start, end, tz := "23:00", "07:00", "Europe/Berlin"
	enabled := true
	prefs, err := env.manager.UpdatePreferences(ctx, "r1", PreferencesUpdate{
		Groups:     map[Group]bool{GroupChallenges: off},
		QuietHours: &QuietHoursUpdate{Enabled: &enabled, Start: &start, End: &end, Timezone: &tz},
	})
	require.NoError(t, err)
	assert.True(t, prefs.InAppEnabled, "untouched fields keep defaults")
	assert.False(t, prefs.Groups[GroupChallenges])
	assert.True(t, prefs.Groups[GroupSocial])
	assert.Equal(t, QuietHours{Enabled: true, Start: "23:00", End: "07:00", Timezone: "Europe/Berlin"}, prefs.QuietHours)
	assert.Equal(t, testEpoch, prefs.UpdatedAt)

	// second partial update keeps the first one
	inApp := false
	prefs, err = env.manager.UpdatePreferences(ctx, "r1", PreferencesUpdate{InAppEnabled: &inApp})
	require.NoError(t, err)
	assert.False(t, prefs.InAppEnabled)
	assert.False(t, prefs.Groups[GroupChallenges])
	assert.Equal(t, "23:00", prefs.QuietHours.Start)

	assert.Equal(t, prefs, env.manager.GetPreferences(ctx, "r1"))
}

// slowPreferences widens the read-modify-write window of UpdatePreferences.
type slowPreferences struct {
	*MemoryStorage
	delay time.Duration
}

func (s slowPreferences) GetPreferences(ctx context.Context, recipientID string) (Preferences, error) {
	time.Sleep(s.delay)
	return s.MemoryStorage.GetPreferences(ctx, recipientID)
}

func TestManager_UpdatePreferencesConcurrent(t *testing.T) {
	t.Parallel()
	ps := slowPreferences{MemoryStorage: NewMemoryStorage(), delay: 20 * time.Millisecond}
	env := newTestEnv(WithPreferenceStorage(ps))
	ctx := context.Background()

	off, on := false, true
	start, end := "22:00", "08:00"
	updates := []PreferencesUpdate{
		{Groups: map[Group]bool{GroupSocial: off}},
		{QuietHours: &QuietHoursUpdate{Enabled: &on, Start: &start, End: &end}},
		{Groups: map[Group]bool{GroupBroadcasts: off}},
	}

	var wg sync.WaitGroup
	for _, u := range updates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.manager.UpdatePreferences(ctx, "r1", u)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := ps.MemoryStorage.GetPreferences(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, stored.Groups[GroupSocial])
	assert.False(t, stored.Groups[GroupBroadcasts])
	assert.True(t, stored.QuietHours.Enabled)
	assert.Equal(t, "22:00", stored.QuietHours.Start)
}

func TestManager_UpdatePreferencesInvalid(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()

	bad := "25:99"
	unknownTZ := "Mars/Olympus"
	tests := []struct {
		name   string
		update PreferencesUpdate
	}{
		{name: "bad start", update: PreferencesUpdate{QuietHours: &QuietHoursUpdate{Start: &bad}}},
		{name: "bad end", update: PreferencesUpdate{QuietHours: &QuietHoursUpdate{End: &bad}}},
		{name: "bad timezone", update: PreferencesUpdate{QuietHours: &QuietHoursUpdate{Timezone: &unknownTZ}}},
		{name: "unknown group", update: PreferencesUpdate{Groups: map[Group]bool{"games": true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.manager.UpdatePreferences(ctx, "r1", tt.update)
			assert.ErrorIs(t, err, ErrInvalidPreferenceUpdate)
		})
	}

	_, err := env.storage.GetPreferences(ctx, "r1")
	assert.ErrorIs(t, err, ErrPreferencesNotFound, "nothing stored on invalid updates")
}

func TestManager_UpdatePreferencesStoreUnavailable(t *testing.T) {
	t.Parallel()
	ps := &MockPreferenceStorage{}
	ps.On("GetPreferences", mock.Anything, "r1").Return(Preferences{}, errors.New("timeout"))
	env := newTestEnv(WithPreferenceStorage(ps))

	on := true
	_, err := env.manager.UpdatePreferences(context.Background(), "r1", PreferencesUpdate{InAppEnabled: &on})
	assert.ErrorIs(t, err, ErrPreferenceUnavailable)
	ps.AssertNotCalled(t, "UpsertPreferences", mock.Anything, mock.Anything)
}

func TestManager_PreferenceCache(t *testing.T) {
	t.Parallel()
	ps := &MockPreferenceStorage{}
	ps.On("GetPreferences", mock.Anything, "r1").Return(Preferences{}, ErrPreferencesNotFound).Once()
	ps.On("UpsertPreferences", mock.Anything, mock.Anything).Return(nil).Once()
	env := newTestEnv(WithPreferenceStorage(ps), WithPreferenceCache(time.Minute, 100))
	ctx := context.Background()

	for range 3 {
		assert.True(t, env.manager.GetPreferences(ctx, "r1").InAppEnabled)
	}
	ps.AssertNumberOfCalls(t, "GetPreferences", 1)

	ps.On("GetPreferences", mock.Anything, "r1").Return(DefaultPreferences("r1"), nil).Once()
	off := false
	_, err := env.manager.UpdatePreferences(ctx, "r1", PreferencesUpdate{InAppEnabled: &off})
	require.NoError(t, err)

	assert.False(t, env.manager.GetPreferences(ctx, "r1").InAppEnabled, "cache refreshed by update")
	ps.AssertNumberOfCalls(t, "GetPreferences", 2)
}

func TestManager_CloseDrainsBatches(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()

	for _, r := range []string{"r1", "r2"} {
		_, err := env.manager.Create(ctx, r, CategoryFollow, "f", "m")
		require.NoError(t, err)
	}
	require.NoError(t, env.manager.Close(ctx))
	assert.Len(t, env.publisher.Events(), 2)

	res, err := env.manager.Create(ctx, "r1", CategoryFollow, "f", "after close")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, res.Status, "no draft is lost after shutdown began")
}

func TestManager_ConcurrentCreateAndTimers(t *testing.T) {
	t.Parallel()
	m := NewManager(NewMemoryStorage(),
		WithManagerLogger(logger.Discard()),
		WithPolicies(func() *PolicyTable {
			w, size := 3*time.Millisecond, 1000
			table, _ := NewPolicyTable(DefaultPolicies(), map[Category]PolicyOverride{
				CategoryReaction: {BatchWindow: &w, MaxBatchSize: &size},
			})
			return table
		}()),
	)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 30 {
				_, err := m.Create(ctx, "r1", CategoryReaction, "t", "m")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, m.Close(ctx))

	list, err := m.List(ctx, "r1", ListOptions{})
	require.NoError(t, err)
	total := 0
	for _, n := range list {
		total += n.Metadata["count"].(int)
	}
	assert.Equal(t, 300, total)
}

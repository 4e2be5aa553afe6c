package notifications

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/notikit/pkg/cache"
	"github.com/dmitrymomot/notikit/pkg/logger"
)

// RetentionPeriod is the age after which read notifications are removed by the sweep.
const RetentionPeriod = 30 * 24 * time.Hour

// Status tells what Create did with a notification.
type Status string

const (
	StatusDelivered  Status = "delivered"  // stored and published
	StatusQueued     Status = "queued"     // added to a pending batch
	StatusSuppressed Status = "suppressed" // dropped by quiet hours
	StatusDisabled   Status = "disabled"   // dropped by recipient preferences
)

// Result of Create. Notification is set only for StatusDelivered.
type Result struct {
	Status       Status        `json:"status"`
	Notification *Notification `json:"notification,omitempty"`
}

// BulkItem is one notification of a bulk fan-out.
type BulkItem struct {
	RecipientID string         `json:"recipient_id"`
	Category    Category       `json:"category"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	ActionURL   string         `json:"action_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Priority    Priority       `json:"priority,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// Manager is the engine entry point: it gates, batches, stores and
// publishes notifications and serves recipient-scoped queries.
type Manager struct {
	storage     Storage
	preferences PreferenceStorage
	publisher   Publisher
	policies    *PolicyTable
	batcher     *Batcher
	logger      *slog.Logger

	now             func() time.Time
	newID           func() string
	bulkConcurrency int
	rawBulk         bool
	retention       time.Duration
	prefCache       *cache.LRUCache[string, Preferences]
	batcherOpts     []BatcherOption
	sweepLocks      keyedMutex
	prefLocks       keyedMutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger for the Manager and its batcher.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPreferenceStorage sets where preferences live. By default the
// notification storage is used when it implements PreferenceStorage,
// otherwise an in-memory store.
func WithPreferenceStorage(ps PreferenceStorage) ManagerOption {
	return func(m *Manager) { m.preferences = ps }
}

// WithPublisher sets the real-time publisher, usually a *Hub.
func WithPublisher(p Publisher) ManagerOption {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithPolicies replaces the default policy table.
func WithPolicies(t *PolicyTable) ManagerOption {
	return func(m *Manager) {
		if t != nil {
			m.policies = t
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator injects the notification id source. Default is uuid v4.
func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// WithBulkConcurrency bounds how many bulk items go through the creation
// path at once. Default is 16.
func WithBulkConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.bulkConcurrency = n
		}
	}
}

// WithRawBulkInsert makes CreateBulk write all items with one
// Storage.CreateMany call, skipping batching, preferences and quiet hours.
func WithRawBulkInsert() ManagerOption {
	return func(m *Manager) { m.rawBulk = true }
}

// WithPreferenceCache caches resolved preferences for ttl, up to size
// recipients. UpdatePreferences refreshes the entry of its recipient.
func WithPreferenceCache(ttl time.Duration, size int) ManagerOption {
	return func(m *Manager) {
		if ttl <= 0 || size <= 0 {
			return
		}
		m.prefCache = cache.NewLRUCache[string, Preferences](size, cache.WithTTL(ttl))
	}
}

// WithRetentionPeriod changes the age at which read notifications are removed. Default is RetentionPeriod.
func WithRetentionPeriod(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithBatcherOptions passes options to the internal batcher.
func WithBatcherOptions(opts ...BatcherOption) ManagerOption {
	return func(m *Manager) { m.batcherOpts = append(m.batcherOpts, opts...) }
}

// NewManager creates a notification manager on top of storage.
func NewManager(storage Storage, opts ...ManagerOption) *Manager {
	m := &Manager{
		storage:         storage,
		publisher:       NoOpPublisher{},
		policies:        DefaultPolicyTable(),
		logger:          slog.Default(),
		now:             time.Now,
		newID:           uuid.NewString,
		bulkConcurrency: 16,
		retention:       RetentionPeriod,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.preferences == nil {
		if ps, ok := storage.(PreferenceStorage); ok {
			m.preferences = ps
		} else {
			m.preferences = NewMemoryStorage()
		}
	}

	batcherOpts := append([]BatcherOption{WithBatcherLogger(m.logger)}, m.batcherOpts...)
	m.batcher = NewBatcher(m.policies, m.deliverBatch, batcherOpts...)

	return m
}

// CreateOption customises a single Create call.
type CreateOption func(*Draft)

func WithActionURL(url string) CreateOption {
	return func(d *Draft) { d.ActionURL = url }
}

func WithMetadata(meta map[string]any) CreateOption {
	return func(d *Draft) { d.Metadata = maps.Clone(meta) }
}

// WithPriority sets the priority. Default is PriorityNormal.
func WithPriority(p Priority) CreateOption {
	return func(d *Draft) { d.Priority = p }
}

func WithExpiresAt(t time.Time) CreateOption {
	return func(d *Draft) { d.ExpiresAt = &t }
}

// Create runs the creation path for one notification:
//
//  1. a category disabled by the recipient's preferences is dropped;
//  2. a batchable category below urgent priority is queued in its batch;
//  3. otherwise quiet hours may suppress it, else it is stored and published.
//
// Dropping and queueing are successes. Only a failed store write is an
// error (wrapping ErrStoreWrite); a failed publish is logged.
func (m *Manager) Create(ctx context.Context, recipientID string, category Category, title, message string, opts ...CreateOption) (Result, error) {
	d := Draft{
		RecipientID: recipientID,
		Category:    category,
		Priority:    PriorityNormal,
		Title:       title,
		Message:     message,
	}
	for _, opt := range opts {
		opt(&d)
	}
	if err := d.validate(); err != nil {
		return Result{}, err
	}
	return m.create(ctx, d)
}

func (m *Manager) create(ctx context.Context, d Draft) (Result, error) {
	prefs := m.GetPreferences(ctx, d.RecipientID)
	if !IsCategoryEnabled(d.Category, prefs) {
		return Result{Status: StatusDisabled}, nil
	}

	policy, _ := m.policies.Policy(d.Category)
	if policy.ShouldBatch && d.Priority != PriorityUrgent {
		key := BatchKey{RecipientID: d.RecipientID, Category: d.Category}
		_, err := m.batcher.Enqueue(ctx, key, d)
		if err == nil {
			return Result{Status: StatusQueued}, nil
		}
		// After shutdown began, deliver directly instead of losing the draft.
		m.logger.LogAttrs(ctx, slog.LevelWarn, "batching unavailable, delivering immediately",
			logger.RecipientID(d.RecipientID),
			logger.Category(d.Category),
			logger.Error(err),
		)
	}

	if Suppressible(d.Priority) && IsQuietHours(prefs, m.now()) {
		return Result{Status: StatusSuppressed}, nil
	}

	n, err := m.deliver(ctx, d)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusDelivered, Notification: n}, nil
}

// CreateBulk fans out items. Each item goes through the same gate as Create,
// with at most WithBulkConcurrency items in flight. It returns how many
// items were stored or queued; on failures the first error is returned
// along with that count.
func (m *Manager) CreateBulk(ctx context.Context, items []BulkItem) (int, error) {
	if m.rawBulk {
		return m.createBulkRaw(ctx, items)
	}

	var accepted atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(m.bulkConcurrency)

	for _, item := range items {
		d := item.draft()
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := d.validate(); err != nil {
				return err
			}
			res, err := m.create(ctx, d)
			if err != nil {
				return err
			}
			if res.Status == StatusDelivered || res.Status == StatusQueued {
				accepted.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	count := int(accepted.Load())
	if err != nil {
		m.logger.LogAttrs(ctx, slog.LevelError, "bulk notification fan-out partially failed",
			logger.Count(len(items)),
			slog.Int("accepted", count),
			logger.Error(err),
		)
	}
	return count, err
}

// createBulkRaw stores everything in one write and publishes each record.
func (m *Manager) createBulkRaw(ctx context.Context, items []BulkItem) (int, error) {
	records := make([]Notification, 0, len(items))
	for _, item := range items {
		d := item.draft()
		if err := d.validate(); err != nil {
			return 0, err
		}
		records = append(records, m.materialize(d))
	}
	if len(records) == 0 {
		return 0, nil
	}

	if err := m.storage.CreateMany(ctx, records); err != nil {
		return 0, errors.Join(ErrStoreWrite, err)
	}
	for _, n := range records {
		m.publish(ctx, n)
	}
	return len(records), nil
}

func (item BulkItem) draft() Draft {
	d := Draft{
		RecipientID: item.RecipientID,
		Category:    item.Category,
		Priority:    item.Priority,
		Title:       item.Title,
		Message:     item.Message,
		ActionURL:   item.ActionURL,
		Metadata:    maps.Clone(item.Metadata),
		ExpiresAt:   item.ExpiresAt,
	}
	if d.Priority == "" {
		d.Priority = PriorityNormal
	}
	return d
}

// deliverBatch is the batcher sink.
func (m *Manager) deliverBatch(ctx context.Context, key BatchKey, summary Draft, size int) error {
	n, err := m.deliver(ctx, summary)
	if err != nil {
		return err
	}
	m.logger.LogAttrs(ctx, slog.LevelDebug, "notification batch delivered",
		logger.RecipientID(key.RecipientID),
		logger.Category(key.Category),
		logger.NotificationID(n.ID),
		logger.BatchSize(size),
	)
	return nil
}

func (m *Manager) deliver(ctx context.Context, d Draft) (*Notification, error) {
	n := m.materialize(d)
	if err := m.storage.Create(ctx, n); err != nil {
		return nil, errors.Join(ErrStoreWrite, err)
	}
	m.publish(ctx, n)
	return &n, nil
}

func (m *Manager) materialize(d Draft) Notification {
	return Notification{
		ID:          m.newID(),
		RecipientID: d.RecipientID,
		Category:    d.Category,
		Priority:    d.Priority,
		Title:       d.Title,
		Message:     d.Message,
		ActionURL:   d.ActionURL,
		Metadata:    d.Metadata,
		ExpiresAt:   d.ExpiresAt,
		CreatedAt:   m.now().UTC(),
	}
}

// publish never fails the caller: the record is already stored.
func (m *Manager) publish(ctx context.Context, n Notification) {
	if err := m.publisher.Publish(ctx, Event{Type: EventInsert, Record: n}); err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "failed to publish notification, it was stored",
			logger.NotificationID(n.ID),
			logger.RecipientID(n.RecipientID),
			logger.Error(errors.Join(ErrPublish, err)),
		)
	}
}

func (m *Manager) Get(ctx context.Context, recipientID, id string) (*Notification, error) {
	return m.storage.Get(ctx, recipientID, id)
}

// List returns the recipient's notifications newest first, without expired ones.
func (m *Manager) List(ctx context.Context, recipientID string, opts ListOptions) ([]Notification, error) {
	opts.Now = m.now()
	return m.storage.List(ctx, recipientID, opts)
}

func (m *Manager) CountUnread(ctx context.Context, recipientID string) (int, error) {
	return m.storage.CountUnread(ctx, recipientID, m.now())
}

func (m *Manager) MarkRead(ctx context.Context, recipientID, id string) error {
	n, err := m.storage.MarkRead(ctx, recipientID, m.now().UTC(), id)
	return affectedOne(n, err)
}

// MarkAllRead marks every unread notification read and returns how many changed.
func (m *Manager) MarkAllRead(ctx context.Context, recipientID string) (int, error) {
	return m.storage.MarkAllRead(ctx, recipientID, m.now().UTC())
}

func (m *Manager) Archive(ctx context.Context, recipientID, id string) error {
	n, err := m.storage.Archive(ctx, recipientID, id)
	return affectedOne(n, err)
}

func (m *Manager) Delete(ctx context.Context, recipientID, id string) error {
	n, err := m.storage.Delete(ctx, recipientID, id)
	return affectedOne(n, err)
}

// ClearAll deletes every notification of the recipient.
func (m *Manager) ClearAll(ctx context.Context, recipientID string) (int, error) {
	return m.storage.DeleteAll(ctx, recipientID)
}

// CleanupExpired deletes the recipient's expired notifications and read
// ones older than the retention period. Calls for the same recipient run
// one at a time.
func (m *Manager) CleanupExpired(ctx context.Context, recipientID string) (int, error) {
	unlock := m.sweepLocks.Lock(recipientID)
	defer unlock()

	now := m.now()
	return m.storage.DeleteExpired(ctx, recipientID, now, now.Add(-m.retention))
}

// Recipients lists recipients that own notifications; the sweeper iterates them.
func (m *Manager) Recipients(ctx context.Context) ([]string, error) {
	return m.storage.Recipients(ctx)
}

// GetPreferences resolves the recipient's preferences. It always succeeds:
// a missing record or a failing store yields DefaultPreferences.
func (m *Manager) GetPreferences(ctx context.Context, recipientID string) Preferences {
	if m.prefCache != nil {
		if p, ok := m.prefCache.Get(recipientID); ok {
			return p.Clone()
		}
	}

	p, err := m.preferences.GetPreferences(ctx, recipientID)
	switch {
	case err == nil:
	case errors.Is(err, ErrPreferencesNotFound):
		p = DefaultPreferences(recipientID)
	default:
		m.logger.LogAttrs(ctx, slog.LevelWarn, "preferences unavailable, using defaults",
			logger.RecipientID(recipientID),
			logger.Error(errors.Join(ErrPreferenceUnavailable, err)),
		)
		return DefaultPreferences(recipientID)
	}

	if m.prefCache != nil {
		m.prefCache.Put(recipientID, p.Clone())
	}
	return p
}

// UpdatePreferences applies a partial update over the current record and
// stores the complete result. Updates for the same recipient run one at a
// time within the process.
func (m *Manager) UpdatePreferences(ctx context.Context, recipientID string, update PreferencesUpdate) (Preferences, error) {
	if recipientID == "" {
		return Preferences{}, ErrInvalidInput
	}

	unlock := m.prefLocks.Lock(recipientID)
	defer unlock()

	current, err := m.preferences.GetPreferences(ctx, recipientID)
	switch {
	case err == nil:
	case errors.Is(err, ErrPreferencesNotFound):
		current = DefaultPreferences(recipientID)
	default:
		return Preferences{}, errors.Join(ErrPreferenceUnavailable, err)
	}

	next := update.Apply(current)
	next.RecipientID = recipientID
	next.UpdatedAt = m.now().UTC()
	if err := next.Validate(); err != nil {
		return Preferences{}, errors.Join(ErrInvalidPreferenceUpdate, err)
	}

	if err := m.preferences.UpsertPreferences(ctx, next); err != nil {
		return Preferences{}, errors.Join(ErrStoreWrite, err)
	}
	if m.prefCache != nil {
		m.prefCache.Put(recipientID, next.Clone())
	}
	return next, nil
}

// PendingBatch returns the number of drafts waiting in the batch of key.
func (m *Manager) PendingBatch(key BatchKey) int {
	return m.batcher.Pending(key)
}

// FlushBatches delivers every pending batch now.
func (m *Manager) FlushBatches(ctx context.Context) int {
	return m.batcher.Flush(ctx)
}

// Close drains pending batches. Create keeps working afterwards, delivering
// batchable notifications immediately.
func (m *Manager) Close(ctx context.Context) error {
	return m.batcher.Close(ctx)
}

func affectedOne(n int, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

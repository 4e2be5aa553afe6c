package notifications

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// MemoryStorage keeps notifications and preferences in process memory.
// Suitable for development, tests and single-instance deployments.
type MemoryStorage struct {
	notifications map[string][]Notification // recipientID -> records in insertion order
	preferences   map[string]Preferences
	mu            sync.RWMutex
}

// NewMemoryStorage creates an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		notifications: make(map[string][]Notification),
		preferences:   make(map[string]Preferences),
	}
}

func (s *MemoryStorage) Create(ctx context.Context, n Notification) error {
	if err := checkRecord(n); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.RecipientID] = append(s.notifications[n.RecipientID], n)
	return nil
}

func (s *MemoryStorage) CreateMany(ctx context.Context, ns []Notification) error {
	for _, n := range ns {
		if err := checkRecord(n); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range ns {
		s.notifications[n.RecipientID] = append(s.notifications[n.RecipientID], n)
	}
	return nil
}

func (s *MemoryStorage) Get(ctx context.Context, recipientID, id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.notifications[recipientID] {
		if n.ID == id {
			return &n, nil
		}
	}
	return nil, ErrNotificationNotFound
}

func (s *MemoryStorage) List(ctx context.Context, recipientID string, opts ListOptions) ([]Notification, error) {
	s.mu.RLock()
	filtered := make([]Notification, 0, len(s.notifications[recipientID]))
	for _, n := range s.notifications[recipientID] {
		if n.IsExpired(opts.Now) {
			continue
		}
		if opts.UnreadOnly && n.IsRead {
			continue
		}
		if !opts.IncludeArchived && n.IsArchived {
			continue
		}
		if opts.Category != "" && n.Category != opts.Category {
			continue
		}
		filtered = append(filtered, n)
	}
	s.mu.RUnlock()

	// newest first; insertion order breaks ties
	slices.Reverse(filtered)
	slices.SortStableFunc(filtered, func(a, b Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return paginate(filtered, opts.Offset, opts.Limit), nil
}

func (s *MemoryStorage) CountUnread(ctx context.Context, recipientID string, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, n := range s.notifications[recipientID] {
		if !n.IsRead && !n.IsArchived && !n.IsExpired(now) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) MarkRead(ctx context.Context, recipientID string, at time.Time, ids ...string) (int, error) {
	return s.update(recipientID, ids, func(n *Notification) { markRead(n, at) }), nil
}

func (s *MemoryStorage) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	records := s.notifications[recipientID]
	for i := range records {
		if !records[i].IsRead {
			markRead(&records[i], at)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) Archive(ctx context.Context, recipientID string, ids ...string) (int, error) {
	return s.update(recipientID, ids, func(n *Notification) { n.IsArchived = true }), nil
}

func (s *MemoryStorage) Delete(ctx context.Context, recipientID string, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteWhere(recipientID, func(n Notification) bool { return slices.Contains(ids, n.ID) }), nil
}

func (s *MemoryStorage) DeleteAll(ctx context.Context, recipientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.notifications[recipientID])
	delete(s.notifications, recipientID)
	return count, nil
}

func (s *MemoryStorage) DeleteExpired(ctx context.Context, recipientID string, now, createdBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteWhere(recipientID, func(n Notification) bool {
		if n.IsExpired(now) {
			return true
		}
		return n.IsRead && n.CreatedAt.Before(createdBefore)
	}), nil
}

func (s *MemoryStorage) Recipients(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.notifications))
	for id, records := range s.notifications {
		if len(records) > 0 {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, cmp.Compare[string])
	return ids, nil
}

func (s *MemoryStorage) GetPreferences(ctx context.Context, recipientID string) (Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.preferences[recipientID]
	if !ok {
		return Preferences{}, ErrPreferencesNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStorage) UpsertPreferences(ctx context.Context, prefs Preferences) error {
	if prefs.RecipientID == "" {
		return errors.New("recipient id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[prefs.RecipientID] = prefs.Clone()
	return nil
}

func (s *MemoryStorage) update(recipientID string, ids []string, fn func(*Notification)) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	records := s.notifications[recipientID]
	for i := range records {
		if slices.Contains(ids, records[i].ID) {
			fn(&records[i])
			count++
		}
	}
	return count
}

// deleteWhere must be called with s.mu held.
func (s *MemoryStorage) deleteWhere(recipientID string, match func(Notification) bool) int {
	records := s.notifications[recipientID]
	kept := slices.DeleteFunc(slices.Clone(records), match)
	removed := len(records) - len(kept)
	if len(kept) == 0 {
		delete(s.notifications, recipientID)
	} else {
		s.notifications[recipientID] = kept
	}
	return removed
}

func markRead(n *Notification, at time.Time) {
	if n.IsRead {
		return
	}
	n.IsRead = true
	n.ReadAt = &at
}

func checkRecord(n Notification) error {
	if n.ID == "" {
		return errors.New("notification id is required")
	}
	if n.RecipientID == "" {
		return errors.New("recipient id is required")
	}
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

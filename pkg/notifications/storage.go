package notifications

import (
	"context"
	"time"
)

// Storage persists notifications. It is the source of truth; the engine
// treats every call as an independent, non-transactional operation.
// Mutations are scoped to the recipient and return the number of matching
// records.
type Storage interface {
	Create(ctx context.Context, n Notification) error
	CreateMany(ctx context.Context, ns []Notification) error

	Get(ctx context.Context, recipientID, id string) (*Notification, error)
	// List returns newest first, excluding records expired at opts.Now.
	List(ctx context.Context, recipientID string, opts ListOptions) ([]Notification, error)
	CountUnread(ctx context.Context, recipientID string, now time.Time) (int, error)

	MarkRead(ctx context.Context, recipientID string, at time.Time, ids ...string) (int, error)
	MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int, error)
	Archive(ctx context.Context, recipientID string, ids ...string) (int, error)
	Delete(ctx context.Context, recipientID string, ids ...string) (int, error)
	DeleteAll(ctx context.Context, recipientID string) (int, error)

	// DeleteExpired removes records expired at now and read records created
	// before createdBefore.
	DeleteExpired(ctx context.Context, recipientID string, now, createdBefore time.Time) (int, error)
	// Recipients lists every recipient that owns at least one record.
	Recipients(ctx context.Context) ([]string, error)
}

// PreferenceStorage persists one preference record per recipient.
type PreferenceStorage interface {
	// GetPreferences returns ErrPreferencesNotFound when the recipient has no record.
	GetPreferences(ctx context.Context, recipientID string) (Preferences, error)
	// UpsertPreferences creates or replaces the whole record.
	UpsertPreferences(ctx context.Context, prefs Preferences) error
}

// ListOptions filters and paginates List.
type ListOptions struct {
	UnreadOnly      bool
	Category        Category // empty means any
	IncludeArchived bool
	Limit           int // 0 means no limit
	Offset          int
	Now             time.Time // expiry reference, set by the manager
}

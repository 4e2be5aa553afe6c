package notifications

import (
	"fmt"
	"time"
)

// Category is the fixed kind of a notification.
type Category string

const (
	CategoryReaction          Category = "reaction"
	CategoryComment           Category = "comment"
	CategoryMention           Category = "mention"
	CategoryFollow            Category = "follow"
	CategoryBroadcastLive     Category = "broadcast_live"
	CategoryChallengeReminder Category = "challenge_reminder"
	CategoryChallengeWon      Category = "challenge_won"
	CategoryAchievement       Category = "achievement"
	CategorySystem            Category = "system"
)

// Categories returns every known category in declaration order.
func Categories() []Category {
	return []Category{
		CategoryReaction,
		CategoryComment,
		CategoryMention,
		CategoryFollow,
		CategoryBroadcastLive,
		CategoryChallengeReminder,
		CategoryChallengeWon,
		CategoryAchievement,
		CategorySystem,
	}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := CategoryGroups[c]
	return ok
}

// Priority of a notification. Only low and normal are subject to quiet hours.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities from 1 (low) to 4 (urgent); unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Notification is a single stored, deliverable event for one recipient.
type Notification struct {
	ID          string         `json:"id"`
	RecipientID string         `json:"recipient_id"`
	Category    Category       `json:"category"`
	Priority    Priority       `json:"priority"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	ActionURL   string         `json:"action_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	IsRead      bool           `json:"is_read"`
	IsArchived  bool           `json:"is_archived"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	GroupedWith string         `json:"grouped_with,omitempty"` // back-reference to a synthesized parent
	CreatedAt   time.Time      `json:"created_at"`
}

// IsExpired reports whether the notification expired at or before now.
func (n *Notification) IsExpired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

// Draft is a notification that has not been stored yet: the unit queued by
// the batcher and the input of immediate delivery.
type Draft struct {
	RecipientID string
	Category    Category
	Priority    Priority
	Title       string
	Message     string
	ActionURL   string
	Metadata    map[string]any
	ExpiresAt   *time.Time
}

func (d Draft) validate() error {
	switch {
	case d.RecipientID == "":
		return fmt.Errorf("%w: recipient id is required", ErrInvalidInput)
	case !d.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, d.Category)
	case !d.Priority.Valid():
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, d.Priority)
	}
	return nil
}

// BatchKey identifies one pending batch.
type BatchKey struct {
	RecipientID string
	Category    Category
}

func (k BatchKey) String() string {
	return k.RecipientID + ":" + string(k.Category)
}

// EventType names a real-time event.
type EventType string

// EventInsert is published once for every stored notification.
const EventInsert EventType = "INSERT"

// Event is the payload fanned out to live subscribers of a recipient.
type Event struct {
	Type   EventType    `json:"type"`
	Record Notification `json:"record"`
}

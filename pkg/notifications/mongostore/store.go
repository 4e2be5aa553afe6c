package mongostore

import (
	"context"
	"errors"
	"maps"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/notikit/pkg/notifications"
)

const (
	NotificationsCollection = "notifications"
	PreferencesCollection   = "notification_preferences"
)

// Store implements notifications.Storage and notifications.PreferenceStorage
// on MongoDB.
type Store struct {
	notifications *mongo.Collection
	preferences   *mongo.Collection
	seq           atomic.Int64
}

var (
	_ notifications.Storage           = (*Store)(nil)
	_ notifications.PreferenceStorage = (*Store)(nil)
)

// New creates a store on db.
func New(db *mongo.Database) *Store {
	s := &Store{
		notifications: db.Collection(NotificationsCollection),
		preferences:   db.Collection(PreferencesCollection),
	}
	s.seq.Store(time.Now().UnixNano())
	return s
}

// EnsureIndexes creates the indexes the queries rely on. It is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.notifications.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "recipient_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "seq", Value: -1}},
			Options: options.Index().SetName("recipient_created"),
		},
		{
			Keys:    bson.D{{Key: "recipient_id", Value: 1}, {Key: "is_read", Value: 1}, {Key: "is_archived", Value: 1}},
			Options: options.Index().SetName("recipient_unread"),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("expires_at").SetSparse(true),
		},
	})
	if err != nil {
		return errors.Join(ErrIndexes, err)
	}
	return nil
}

type notificationDoc struct {
	ID          string         `bson:"_id"`
	Seq         int64          `bson:"seq"`
	RecipientID string         `bson:"recipient_id"`
	Category    string         `bson:"category"`
	Priority    string         `bson:"priority"`
	Title       string         `bson:"title"`
	Message     string         `bson:"message"`
	ActionURL   string         `bson:"action_url,omitempty"`
	Metadata    map[string]any `bson:"metadata,omitempty"`
	IsRead      bool           `bson:"is_read"`
	IsArchived  bool           `bson:"is_archived"`
	ReadAt      *time.Time     `bson:"read_at,omitempty"`
	ExpiresAt   *time.Time     `bson:"expires_at,omitempty"`
	GroupedWith string         `bson:"grouped_with,omitempty"`
	CreatedAt   time.Time      `bson:"created_at"`
}

func (s *Store) toDoc(n notifications.Notification) (notificationDoc, error) {
	if n.ID == "" || n.RecipientID == "" {
		return notificationDoc{}, ErrMissingKey
	}
	return notificationDoc{
		ID:          n.ID,
		Seq:         s.seq.Add(1),
		RecipientID: n.RecipientID,
		Category:    string(n.Category),
		Priority:    string(n.Priority),
		Title:       n.Title,
		Message:     n.Message,
		ActionURL:   n.ActionURL,
		Metadata:    n.Metadata,
		IsRead:      n.IsRead,
		IsArchived:  n.IsArchived,
		ReadAt:      n.ReadAt,
		ExpiresAt:   n.ExpiresAt,
		GroupedWith: n.GroupedWith,
		CreatedAt:   n.CreatedAt,
	}, nil
}

func (d notificationDoc) notification() notifications.Notification {
	n := notifications.Notification{
		ID:          d.ID,
		RecipientID: d.RecipientID,
		Category:    notifications.Category(d.Category),
		Priority:    notifications.Priority(d.Priority),
		Title:       d.Title,
		Message:     d.Message,
		ActionURL:   d.ActionURL,
		IsRead:      d.IsRead,
		IsArchived:  d.IsArchived,
		GroupedWith: d.GroupedWith,
		CreatedAt:   d.CreatedAt.UTC(),
		ReadAt:      utcPtr(d.ReadAt),
		ExpiresAt:   utcPtr(d.ExpiresAt),
	}
	if len(d.Metadata) > 0 {
		n.Metadata = normalizeMap(d.Metadata)
	}
	return n
}

func (s *Store) Create(ctx context.Context, n notifications.Notification) error {
	doc, err := s.toDoc(n)
	if err != nil {
		return err
	}
	if _, err := s.notifications.InsertOne(ctx, doc); err != nil {
		return errors.Join(ErrInsert, err)
	}
	return nil
}

func (s *Store) CreateMany(ctx context.Context, ns []notifications.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	docs := make([]notificationDoc, 0, len(ns))
	for _, n := range ns {
		doc, err := s.toDoc(n)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	if _, err := s.notifications.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return errors.Join(ErrInsert, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, recipientID, id string) (*notifications.Notification, error) {
	var doc notificationDoc
	err := s.notifications.FindOne(ctx, bson.M{"_id": id, "recipient_id": recipientID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notifications.ErrNotificationNotFound
		}
		return nil, errors.Join(ErrQuery, err)
	}
	n := doc.notification()
	return &n, nil
}

func (s *Store) List(ctx context.Context, recipientID string, opts notifications.ListOptions) ([]notifications.Notification, error) {
	filter := bson.M{
		"recipient_id": recipientID,
		"$or":          notExpired(opts.Now),
	}
	if opts.UnreadOnly {
		filter["is_read"] = false
	}
	if !opts.IncludeArchived {
		filter["is_archived"] = false
	}
	if opts.Category != "" {
		filter["category"] = string(opts.Category)
	}

	find := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "seq", Value: -1}})
	if opts.Offset > 0 {
		find.SetSkip(int64(opts.Offset))
	}
	if opts.Limit > 0 {
		find.SetLimit(int64(opts.Limit))
	}

	cursor, err := s.notifications.Find(ctx, filter, find)
	if err != nil {
		return nil, errors.Join(ErrQuery, err)
	}
	var docs []notificationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Join(ErrQuery, err)
	}

	list := make([]notifications.Notification, len(docs))
	for i, doc := range docs {
		list[i] = doc.notification()
	}
	return list, nil
}

func (s *Store) CountUnread(ctx context.Context, recipientID string, now time.Time) (int, error) {
	count, err := s.notifications.CountDocuments(ctx, bson.M{
		"recipient_id": recipientID,
		"is_read":      false,
		"is_archived":  false,
		"$or":          notExpired(now),
	})
	if err != nil {
		return 0, errors.Join(ErrQuery, err)
	}
	return int(count), nil
}

// MarkRead keeps the first read_at of records that were already read.
func (s *Store) MarkRead(ctx context.Context, recipientID string, at time.Time, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "is_read", Value: true},
			{Key: "read_at", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$read_at", at}}}},
		}}},
	}
	return s.updateMany(ctx, bson.M{"recipient_id": recipientID, "_id": bson.M{"$in": ids}}, update)
}

func (s *Store) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int, error) {
	return s.updateMany(ctx,
		bson.M{"recipient_id": recipientID, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true, "read_at": at}},
	)
}

func (s *Store) Archive(ctx context.Context, recipientID string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.updateMany(ctx,
		bson.M{"recipient_id": recipientID, "_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"is_archived": true}},
	)
}

func (s *Store) Delete(ctx context.Context, recipientID string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.deleteMany(ctx, bson.M{"recipient_id": recipientID, "_id": bson.M{"$in": ids}})
}

func (s *Store) DeleteAll(ctx context.Context, recipientID string) (int, error) {
	return s.deleteMany(ctx, bson.M{"recipient_id": recipientID})
}

func (s *Store) DeleteExpired(ctx context.Context, recipientID string, now, createdBefore time.Time) (int, error) {
	return s.deleteMany(ctx, bson.M{
		"recipient_id": recipientID,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$lte": now}},
			bson.M{"is_read": true, "created_at": bson.M{"$lt": createdBefore}},
		},
	})
}

func (s *Store) Recipients(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.notifications.Distinct(ctx, "recipient_id", bson.M{}).Decode(&ids); err != nil {
		return nil, errors.Join(ErrQuery, err)
	}
	return ids, nil
}

type preferencesDoc struct {
	RecipientID   string          `bson:"_id"`
	InAppEnabled  bool            `bson:"in_app_enabled"`
	Groups        map[string]bool `bson:"groups"`
	QuietEnabled  bool            `bson:"quiet_enabled"`
	QuietStart    string          `bson:"quiet_start"`
	QuietEnd      string          `bson:"quiet_end"`
	QuietTimezone string          `bson:"quiet_timezone"`
	UpdatedAt     time.Time       `bson:"updated_at"`
}

func (s *Store) GetPreferences(ctx context.Context, recipientID string) (notifications.Preferences, error) {
	var doc preferencesDoc
	err := s.preferences.FindOne(ctx, bson.M{"_id": recipientID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return notifications.Preferences{}, notifications.ErrPreferencesNotFound
		}
		return notifications.Preferences{}, errors.Join(ErrQuery, err)
	}

	groups := make(map[notifications.Group]bool, len(doc.Groups))
	for g, on := range doc.Groups {
		groups[notifications.Group(g)] = on
	}
	return notifications.Preferences{
		RecipientID:  doc.RecipientID,
		InAppEnabled: doc.InAppEnabled,
		Groups:       groups,
		QuietHours: notifications.QuietHours{
			Enabled:  doc.QuietEnabled,
			Start:    doc.QuietStart,
			End:      doc.QuietEnd,
			Timezone: doc.QuietTimezone,
		},
		UpdatedAt: doc.UpdatedAt.UTC(),
	}, nil
}

func (s *Store) UpsertPreferences(ctx context.Context, p notifications.Preferences) error {
	groups := make(map[string]bool, len(p.Groups))
	for g, on := range p.Groups {
		groups[string(g)] = on
	}
	doc := preferencesDoc{
		RecipientID:   p.RecipientID,
		InAppEnabled:  p.InAppEnabled,
		Groups:        groups,
		QuietEnabled:  p.QuietHours.Enabled,
		QuietStart:    p.QuietHours.Start,
		QuietEnd:      p.QuietHours.End,
		QuietTimezone: p.QuietHours.Timezone,
		UpdatedAt:     p.UpdatedAt,
	}

	_, err := s.preferences.ReplaceOne(ctx, bson.M{"_id": p.RecipientID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Join(ErrUpdate, err)
	}
	return nil
}

func (s *Store) updateMany(ctx context.Context, filter, update any) (int, error) {
	res, err := s.notifications.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, errors.Join(ErrUpdate, err)
	}
	return int(res.MatchedCount), nil
}

func (s *Store) deleteMany(ctx context.Context, filter any) (int, error) {
	res, err := s.notifications.DeleteMany(ctx, filter)
	if err != nil {
		return 0, errors.Join(ErrUpdate, err)
	}
	return int(res.DeletedCount), nil
}

// notExpired matches records without expiry or expiring after now.
func notExpired(now time.Time) bson.A {
	return bson.A{
		bson.M{"expires_at": nil},
		bson.M{"expires_at": bson.M{"$gt": now}},
	}
}

// normalizeMap turns decoded BSON containers into plain maps and slices so
// metadata serializes to JSON the same way regardless of the store.
func normalizeMap(m map[string]any) map[string]any {
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch val := v.(type) {
	case bson.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.M:
		return normalizeMap(val)
	case map[string]any:
		return normalizeMap(val)
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

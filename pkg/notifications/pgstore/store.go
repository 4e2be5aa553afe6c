package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/notikit/pkg/notifications"
	"github.com/dmitrymomot/notikit/pkg/pg"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements notifications.Storage and notifications.PreferenceStorage
// on PostgreSQL.
type Store struct {
	db DB
}

var (
	_ notifications.Storage           = (*Store)(nil)
	_ notifications.PreferenceStorage = (*Store)(nil)
)

// New creates a store. The schema must already be migrated.
func New(db DB) *Store {
	return &Store{db: db}
}

const notificationColumns = `id, recipient_id, category, priority, title, message, action_url,
	metadata, is_read, is_archived, read_at, expires_at, grouped_with, created_at`

const insertNotification = `INSERT INTO notifications (` + notificationColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

func (s *Store) Create(ctx context.Context, n notifications.Notification) error {
	args, err := insertArgs(n)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, insertNotification, args...); err != nil {
		return errors.Join(ErrInsert, err)
	}
	return nil
}

// CreateMany inserts all records in one transaction.
func (s *Store) CreateMany(ctx context.Context, ns []notifications.Notification) error {
	if len(ns) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, n := range ns {
		args, err := insertArgs(n)
		if err != nil {
			return err
		}
		batch.Queue(insertNotification, args...)
	}

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return errors.Join(ErrInsert, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, recipientID, id string) (*notifications.Notification, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE recipient_id = $1 AND id = $2`,
		recipientID, id,
	)
	n, err := scanNotification(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, notifications.ErrNotificationNotFound
		}
		return nil, errors.Join(ErrQuery, err)
	}
	return &n, nil
}

func (s *Store) List(ctx context.Context, recipientID string, opts notifications.ListOptions) ([]notifications.Notification, error) {
	where := []string{"recipient_id = $1", "(expires_at IS NULL OR expires_at > $2)"}
	args := []any{recipientID, opts.Now}

	if opts.UnreadOnly {
		where = append(where, "is_read = FALSE")
	}
	if !opts.IncludeArchived {
		where = append(where, "is_archived = FALSE")
	}
	if opts.Category != "" {
		args = append(args, string(opts.Category))
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, seq DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrQuery, err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (notifications.Notification, error) {
		return scanNotification(row)
	})
	if err != nil {
		return nil, errors.Join(ErrQuery, err)
	}
	return list, nil
}

func (s *Store) CountUnread(ctx context.Context, recipientID string, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM notifications
		WHERE recipient_id = $1 AND is_read = FALSE AND is_archived = FALSE
		AND (expires_at IS NULL OR expires_at > $2)`,
		recipientID, now,
	).Scan(&count)
	if err != nil {
		return 0, errors.Join(ErrQuery, err)
	}
	return count, nil
}

// MarkRead keeps the first read_at of records that were already read.
func (s *Store) MarkRead(ctx context.Context, recipientID string, at time.Time, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.exec(ctx, `UPDATE notifications
		SET is_read = TRUE, read_at = COALESCE(read_at, $3)
		WHERE recipient_id = $1 AND id = ANY($2)`,
		recipientID, ids, at,
	)
}

func (s *Store) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int, error) {
	return s.exec(ctx, `UPDATE notifications
		SET is_read = TRUE, read_at = $2
		WHERE recipient_id = $1 AND is_read = FALSE`,
		recipientID, at,
	)
}

func (s *Store) Archive(ctx context.Context, recipientID string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.exec(ctx, `UPDATE notifications SET is_archived = TRUE
		WHERE recipient_id = $1 AND id = ANY($2)`,
		recipientID, ids,
	)
}

func (s *Store) Delete(ctx context.Context, recipientID string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.exec(ctx, `DELETE FROM notifications WHERE recipient_id = $1 AND id = ANY($2)`,
		recipientID, ids,
	)
}

func (s *Store) DeleteAll(ctx context.Context, recipientID string) (int, error) {
	return s.exec(ctx, `DELETE FROM notifications WHERE recipient_id = $1`, recipientID)
}

func (s *Store) DeleteExpired(ctx context.Context, recipientID string, now, createdBefore time.Time) (int, error) {
	return s.exec(ctx, `DELETE FROM notifications
		WHERE recipient_id = $1
		AND ((expires_at IS NOT NULL AND expires_at <= $2)
			OR (is_read = TRUE AND created_at < $3))`,
		recipientID, now.UTC(), createdBefore.UTC(),
	)
}

func (s *Store) Recipients(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT recipient_id FROM notifications ORDER BY recipient_id`)
	if err != nil {
		return nil, errors.Join(ErrQuery, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Join(ErrQuery, err)
	}
	return ids, nil
}

func (s *Store) GetPreferences(ctx context.Context, recipientID string) (notifications.Preferences, error) {
	var (
		p      notifications.Preferences
		groups []byte
	)
	err := s.db.QueryRow(ctx, `SELECT recipient_id, in_app_enabled, groups,
		quiet_enabled, quiet_start, quiet_end, quiet_timezone, updated_at
		FROM notification_preferences WHERE recipient_id = $1`,
		recipientID,
	).Scan(
		&p.RecipientID, &p.InAppEnabled, &groups,
		&p.QuietHours.Enabled, &p.QuietHours.Start, &p.QuietHours.End, &p.QuietHours.Timezone,
		&p.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return notifications.Preferences{}, notifications.ErrPreferencesNotFound
		}
		return notifications.Preferences{}, errors.Join(ErrQuery, err)
	}
	if err := json.Unmarshal(groups, &p.Groups); err != nil {
		return notifications.Preferences{}, errors.Join(ErrDecode, err)
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) UpsertPreferences(ctx context.Context, p notifications.Preferences) error {
	groups, err := json.Marshal(p.Groups)
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	if p.Groups == nil {
		groups = []byte("{}")
	}

	_, err = s.db.Exec(ctx, `INSERT INTO notification_preferences (recipient_id, in_app_enabled, groups,
			quiet_enabled, quiet_start, quiet_end, quiet_timezone, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (recipient_id) DO UPDATE SET
			in_app_enabled = EXCLUDED.in_app_enabled,
			groups = EXCLUDED.groups,
			quiet_enabled = EXCLUDED.quiet_enabled,
			quiet_start = EXCLUDED.quiet_start,
			quiet_end = EXCLUDED.quiet_end,
			quiet_timezone = EXCLUDED.quiet_timezone,
			updated_at = EXCLUDED.updated_at`,
		p.RecipientID, p.InAppEnabled, groups,
		p.QuietHours.Enabled, p.QuietHours.Start, p.QuietHours.End, p.QuietHours.Timezone,
		p.UpdatedAt,
	)
	if err != nil {
		return errors.Join(ErrInsert, err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) (int, error) {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, errors.Join(ErrUpdate, err)
	}
	return int(tag.RowsAffected()), nil
}

func insertArgs(n notifications.Notification) ([]any, error) {
	if n.ID == "" || n.RecipientID == "" {
		return nil, ErrMissingKey
	}

	var metadata []byte
	if len(n.Metadata) > 0 {
		raw, err := json.Marshal(n.Metadata)
		if err != nil {
			return nil, errors.Join(ErrEncode, err)
		}
		metadata = raw
	}

	return []any{
		n.ID, n.RecipientID, string(n.Category), string(n.Priority), n.Title, n.Message, n.ActionURL,
		metadata, n.IsRead, n.IsArchived, n.ReadAt, n.ExpiresAt, n.GroupedWith, n.CreatedAt,
	}, nil
}

func scanNotification(row pgx.Row) (notifications.Notification, error) {
	var (
		n                  notifications.Notification
		category, priority string
		metadata           []byte
	)
	err := row.Scan(
		&n.ID, &n.RecipientID, &category, &priority, &n.Title, &n.Message, &n.ActionURL,
		&metadata, &n.IsRead, &n.IsArchived, &n.ReadAt, &n.ExpiresAt, &n.GroupedWith, &n.CreatedAt,
	)
	if err != nil {
		return n, err
	}

	n.Category = notifications.Category(category)
	n.Priority = notifications.Priority(priority)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
			return n, errors.Join(ErrDecode, err)
		}
	}

	n.CreatedAt = n.CreatedAt.UTC()
	n.ReadAt = utcPtr(n.ReadAt)
	n.ExpiresAt = utcPtr(n.ExpiresAt)
	return n, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

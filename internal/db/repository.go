package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for notifications and push subscriptions
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, recipient_type, recipient_id, title, message,
	order_id, type, url, priority, read, sent,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n             Notification
		recipientType string
		priority      string
	)
	err := row.Scan(
		&n.ID,
		&recipientType,
		&n.RecipientID,
		&n.Title,
		&n.Message,
		&n.OrderID,
		&n.Type,
		&n.URL,
		&priority,
		&n.Read,
		&n.Sent,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.RecipientType = RecipientType(recipientType)
	n.Priority = Priority(priority)
	return &n, nil
}

// scopeClause renders the recipient predicate starting at placeholder $start.
// The shared admin scope filters on type only.
func scopeClause(scope Scope, start int) (string, []any) {
	if scope.Shared() {
		return fmt.Sprintf("recipient_type = $%d", start), []any{string(scope.Type)}
	}
	return fmt.Sprintf("recipient_type = $%d AND recipient_id = $%d", start, start+1),
		[]any{string(scope.Type), scope.ID}
}

func (r *Repository) fail(op string, err error, fields ...zap.Field) *StoreError {
	se := storeError(op, err)
	r.logger.Error("notification store error", append(se.Fields(), fields...)...)
	return se
}

// FindRecentDuplicate returns the newest notification matching key created at or after since.
// A nil OrderID matches any order reference.
func (r *Repository) FindRecentDuplicate(ctx context.Context, key DedupKey, since time.Time) (uuid.UUID, bool, error) {
	query := `
		SELECT id
		FROM notifications
		WHERE recipient_type = $1
		  AND recipient_id = $2
		  AND title = $3
		  AND ($4::text IS NULL OR order_id = $4)
		  AND created_at >= $5
		ORDER BY created_at DESC
		LIMIT 1
	`

	var id uuid.UUID
	err := r.db.Pool().QueryRow(ctx, query,
		string(key.RecipientType),
		key.RecipientID,
		key.Title,
		key.OrderID,
		since,
	).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, r.fail("find duplicate notification", err,
			zap.String("recipient_type", string(key.RecipientType)),
			zap.String("recipient_id", key.RecipientID),
		)
	}

	return id, true, nil
}

// CreateNotification inserts a new notification into the database
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, recipient_type, recipient_id, title, message,
			order_id, type, url, priority, read, sent
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		string(notif.RecipientType),
		notif.RecipientID,
		notif.Title,
		notif.Message,
		notif.OrderID,
		notif.Type,
		notif.URL,
		string(notif.Priority),
		notif.Read,
		notif.Sent,
	).Scan(&notif.CreatedAt)

	if err != nil {
		return r.fail("insert notification", err, zap.String("notification_id", notif.ID.String()))
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("scope", notif.Scope().String()),
		zap.String("priority", string(notif.Priority)),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, r.fail("query notification", err, zap.String("notification_id", id.String()))
	}

	return notif, nil
}

// ListForScope returns the newest notifications visible to scope, newest first
func (r *Repository) ListForScope(ctx context.Context, scope Scope, limit int) ([]*Notification, error) {
	where, args := scopeClause(scope, 1)
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE ` + where + `
		ORDER BY created_at DESC
		LIMIT $` + fmt.Sprint(len(args)+1)

	rows, err := r.db.Pool().Query(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, r.fail("query notifications", err, zap.String("scope", scope.String()))
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, r.fail("scan notification", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, r.fail("iterate notifications", err)
	}

	return notifications, nil
}

// CountUnread returns how many notifications in scope are still unread
func (r *Repository) CountUnread(ctx context.Context, scope Scope) (int, error) {
	where, args := scopeClause(scope, 1)
	query := `SELECT COUNT(*) FROM notifications WHERE ` + where + ` AND read = false`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, r.fail("count unread notifications", err, zap.String("scope", scope.String()))
	}
	return count, nil
}

// MarkRead sets read=true on one notification owned by scope.
// Marking an already-read row is a no-op success; read never reverts.
func (r *Repository) MarkRead(ctx context.Context, scope Scope, id uuid.UUID) error {
	where, args := scopeClause(scope, 2)
	query := `
		UPDATE notifications
		SET read = true,
		    updated_at = CASE WHEN read THEN updated_at ELSE NOW() END
		WHERE id = $1 AND ` + where

	result, err := r.db.Pool().Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return r.fail("mark notification read", err,
			zap.String("notification_id", id.String()),
			zap.String("scope", scope.String()),
		)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s in scope %s: %w", id, scope, ErrNotFound)
	}

	return nil
}

// MarkAllRead flips every unread notification in scope and returns how many changed.
// Concurrent callers are safe: rows already read are not matched.
func (r *Repository) MarkAllRead(ctx context.Context, scope Scope) (int64, error) {
	where, args := scopeClause(scope, 1)
	query := `
		UPDATE notifications
		SET read = true, updated_at = NOW()
		WHERE ` + where + ` AND read = false`

	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return 0, r.fail("mark all notifications read", err, zap.String("scope", scope.String()))
	}

	r.logger.Info("notifications marked read",
		zap.String("scope", scope.String()),
		zap.Int64("updated", result.RowsAffected()),
	)

	return result.RowsAffected(), nil
}

// MarkSent records whether push fan-out reached at least one subscription
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, sent bool) error {
	query := `UPDATE notifications SET sent = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.Pool().Exec(ctx, query, sent, id)
	if err != nil {
		return r.fail("mark notification sent", err, zap.String("notification_id", id.String()))
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}

	return nil
}

// DeleteOlderThan removes notifications created before cutoff
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, r.fail("delete expired notifications", err, zap.Time("cutoff", cutoff))
	}
	return result.RowsAffected(), nil
}

// ListActivePushSubscriptions returns the active push endpoints of a recipient
func (r *Repository) ListActivePushSubscriptions(ctx context.Context, recipientType RecipientType, recipientID string) ([]*PushSubscription, error) {
	query := `
		SELECT
			id, recipient_type, recipient_id, platform, endpoint,
			p256dh, auth, active, created_at, updated_at
		FROM push_subscriptions
		WHERE recipient_type = $1 AND recipient_id = $2 AND active = true
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, string(recipientType), recipientID)
	if err != nil {
		return nil, r.fail("query push subscriptions", err, zap.String("recipient_id", recipientID))
	}
	defer rows.Close()

	var subs []*PushSubscription
	for rows.Next() {
		var (
			sub PushSubscription
			rt  string
		)
		err := rows.Scan(
			&sub.ID,
			&rt,
			&sub.RecipientID,
			&sub.Platform,
			&sub.Endpoint,
			&sub.P256dh,
			&sub.Auth,
			&sub.Active,
			&sub.CreatedAt,
			&sub.UpdatedAt,
		)
		if err != nil {
			return nil, r.fail("scan push subscription", err)
		}
		sub.RecipientType = RecipientType(rt)
		subs = append(subs, &sub)
	}

	if err := rows.Err(); err != nil {
		return nil, r.fail("iterate push subscriptions", err)
	}

	return subs, nil
}

// SavePushSubscription registers an endpoint, reactivating and re-owning it if already known
func (r *Repository) SavePushSubscription(ctx context.Context, sub *PushSubscription) error {
	query := `
		INSERT INTO push_subscriptions (
			id, recipient_type, recipient_id, platform, endpoint, p256dh, auth, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, true)
		ON CONFLICT (endpoint) DO UPDATE SET
			recipient_type = EXCLUDED.recipient_type,
			recipient_id = EXCLUDED.recipient_id,
			platform = EXCLUDED.platform,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			active = true,
			updated_at = NOW()
		RETURNING id, active, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		sub.ID,
		string(sub.RecipientType),
		sub.RecipientID,
		sub.Platform,
		sub.Endpoint,
		sub.P256dh,
		sub.Auth,
	).Scan(&sub.ID, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt)

	if err != nil {
		return r.fail("save push subscription", err, zap.String("recipient_id", sub.RecipientID))
	}

	return nil
}

// DeactivatePushSubscription stops delivering to an endpoint the provider reported as gone
func (r *Repository) DeactivatePushSubscription(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE push_subscriptions SET active = false, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.Pool().Exec(ctx, query, id); err != nil {
		return r.fail("deactivate push subscription", err, zap.String("subscription_id", id.String()))
	}
	return nil
}

// DeletePushSubscription removes an endpoint on explicit unsubscribe
func (r *Repository) DeletePushSubscription(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM push_subscriptions WHERE id = $1`, id)
	if err != nil {
		return r.fail("delete push subscription", err, zap.String("subscription_id", id.String()))
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("push subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

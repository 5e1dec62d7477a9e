package notification

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinic/internal/platform/apperror"
	"github.com/ehr/clinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const notificationCols = `id, recipient_id, type, title, message, data, is_read, created_at`

func scanNotification(row pgx.Row, aud Audience) (*Notification, error) {
	n := Notification{Audience: aud}
	var data []byte
	err := row.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message, &data, &n.IsRead, &n.CreatedAt)
	if len(data) > 0 {
		n.Data = data
	}
	return &n, err
}

func (r *repoPG) Create(ctx context.Context, n *Notification) error {
	if !n.Audience.Valid() {
		return apperror.Validation("invalid audience %q", n.Audience)
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	var data []byte
	if len(n.Data) > 0 {
		data = n.Data
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO `+n.Audience.Table()+` (id, recipient_id, type, title, message, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING is_read, created_at`,
		n.ID, n.RecipientID, n.Type, n.Title, n.Message, data,
	).Scan(&n.IsRead, &n.CreatedAt)
	if err != nil {
		return apperror.Store(err, "insert notification")
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, aud Audience, id uuid.UUID) (*Notification, error) {
	n, err := scanNotification(r.conn(ctx).QueryRow(ctx,
		`SELECT `+notificationCols+` FROM `+aud.Table()+` WHERE id = $1`, id), aud)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("notification %s not found", id)
	}
	if err != nil {
		return nil, apperror.Store(err, "get notification")
	}
	return n, nil
}

func (r *repoPG) ListForRecipient(ctx context.Context, aud Audience, recipient uuid.UUID, limit, offset int) ([]*Notification, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM `+aud.Table()+` WHERE recipient_id = $1`, recipient).Scan(&total); err != nil {
		return nil, 0, apperror.Store(err, "count notifications")
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+notificationCols+` FROM `+aud.Table()+`
		WHERE recipient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, recipient, limit, offset)
	if err != nil {
		return nil, 0, apperror.Store(err, "list notifications")
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows, aud)
		if err != nil {
			return nil, 0, apperror.Store(err, "scan notification")
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperror.Store(err, "list notifications")
	}
	return items, total, nil
}

func (r *repoPG) CountUnread(ctx context.Context, aud Audience, recipient uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM `+aud.Table()+` WHERE recipient_id = $1 AND is_read = FALSE`, recipient).Scan(&n)
	if err != nil {
		return 0, apperror.Store(err, "count unread notifications")
	}
	return n, nil
}

func (r *repoPG) MarkRead(ctx context.Context, aud Audience, recipient, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE `+aud.Table()+` SET is_read = TRUE WHERE id = $1 AND recipient_id = $2`, id, recipient)
	if err != nil {
		return false, apperror.Store(err, "mark notification read")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repoPG) MarkAllRead(ctx context.Context, aud Audience, recipient uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE `+aud.Table()+` SET is_read = TRUE WHERE recipient_id = $1 AND is_read = FALSE`, recipient)
	if err != nil {
		return 0, apperror.Store(err, "mark all notifications read")
	}
	return tag.RowsAffected(), nil
}

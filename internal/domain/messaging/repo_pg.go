package messaging

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

// storePG keeps each channel in its own table with identical columns.
type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const messageCols = `id, sender_id, receiver_id, content, client_token, is_read, read_at, created_at`

func scanMessage(row pgx.Row, ch Channel) (*Message, error) {
	m := Message{Channel: ch}
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.ClientToken,
		&m.IsRead, &m.ReadAt, &m.CreatedAt)
	return &m, err
}

func (r *storePG) Insert(ctx context.Context, m *Message) (*Message, bool, error) {
	if !m.Channel.Valid() {
		return nil, false, apperror.Validation("invalid channel %q", m.Channel)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	t := m.Channel.Table()
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO `+t+` (id, sender_id, receiver_id, content, client_token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_token) DO NOTHING
		RETURNING `+messageCols,
		m.ID, m.SenderID, m.ReceiverID, m.Content, m.ClientToken)
	stored, err := scanMessage(row, m.Channel)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || m.ClientToken == nil {
		return nil, false, apperror.Store(err, "insert message")
	}

	// Token already used: the earlier attempt reached the store.
	existing, err := scanMessage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+messageCols+` FROM `+t+` WHERE client_token = $1`, *m.ClientToken), m.Channel)
	if err != nil {
		return nil, false, apperror.Store(err, "load message by client token")
	}
	if existing.SenderID != m.SenderID {
		return nil, false, apperror.Validation("client_token already used")
	}
	return existing, false, nil
}

func (r *storePG) GetByID(ctx context.Context, ch Channel, id uuid.UUID) (*Message, error) {
	m, err := scanMessage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+messageCols+` FROM `+ch.Table()+` WHERE id = $1`, id), ch)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("message %s not found", id)
	}
	if err != nil {
		return nil, apperror.Store(err, "get message")
	}
	return m, nil
}

func (r *storePG) ListForPair(ctx context.Context, viewer, partner uuid.UUID, ch Channel) ([]*Message, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+messageCols+` FROM `+ch.Table()+`
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC`, viewer, partner)
	if err != nil {
		return nil, apperror.Store(err, "list messages")
	}
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := scanMessage(rows, ch)
		if err != nil {
			return nil, apperror.Store(err, "scan message")
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Store(err, "list messages")
	}
	return items, nil
}

func (r *storePG) MarkRead(ctx context.Context, viewer, partner uuid.UUID, ch Channel) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE `+ch.Table()+` SET is_read = TRUE, read_at = NOW()
		WHERE receiver_id = $1 AND sender_id = $2 AND is_read = FALSE`, viewer, partner)
	if err != nil {
		return 0, apperror.Store(err, "mark messages read")
	}
	return tag.RowsAffected(), nil
}

func (r *storePG) MarkReadFromSender(ctx context.Context, sender uuid.UUID, ch Channel) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE `+ch.Table()+` SET is_read = TRUE, read_at = NOW()
		WHERE sender_id = $1 AND is_read = FALSE`, sender)
	if err != nil {
		return 0, apperror.Store(err, "mark sender messages read")
	}
	return tag.RowsAffected(), nil
}

func (r *storePG) ListPartners(ctx context.Context, viewer uuid.UUID, ch Channel) ([]PartnerSummary, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT ON (partner_id) partner_id, unread, `+messageCols+`
		FROM (
			SELECT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS partner_id,
				COUNT(*) FILTER (WHERE receiver_id = $1 AND NOT is_read)
					OVER (PARTITION BY CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END) AS unread,
				`+messageCols+`
			FROM `+ch.Table()+`
			WHERE sender_id = $1 OR receiver_id = $1
		) pairs
		ORDER BY partner_id, created_at DESC`, viewer)
	if err != nil {
		return nil, apperror.Store(err, "list conversation partners")
	}
	defer rows.Close()

	var out []PartnerSummary
	for rows.Next() {
		var s PartnerSummary
		var unread int64
		m := Message{Channel: ch}
		if err := rows.Scan(&s.PartnerID, &unread, &m.ID, &m.SenderID, &m.ReceiverID, &m.Content,
			&m.ClientToken, &m.IsRead, &m.ReadAt, &m.CreatedAt); err != nil {
			return nil, apperror.Store(err, "scan conversation partner")
		}
		s.Unread = int(unread)
		s.LastMessage = &m
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Store(err, "list conversation partners")
	}
	return out, nil
}

package notification

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, aud Audience, id uuid.UUID) (*Notification, error)
	ListForRecipient(ctx context.Context, aud Audience, recipient uuid.UUID, limit, offset int) ([]*Notification, int, error)
	CountUnread(ctx context.Context, aud Audience, recipient uuid.UUID) (int, error)
	// MarkRead flips one notification owned by recipient; it reports false when
	// no such row exists.
	MarkRead(ctx context.Context, aud Audience, recipient, id uuid.UUID) (bool, error)
	MarkAllRead(ctx context.Context, aud Audience, recipient uuid.UUID) (int64, error)
}

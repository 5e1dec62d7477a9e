package messaging

import (
	"context"

	"github.com/google/uuid"
)

// Store reads and writes messages across both channel partitions.
type Store interface {
	// Insert persists m in m.Channel. When m.ClientToken matches an existing
	// row in that channel the existing row is returned with created=false.
	Insert(ctx context.Context, m *Message) (stored *Message, created bool, err error)
	GetByID(ctx context.Context, ch Channel, id uuid.UUID) (*Message, error)
	// ListForPair returns messages between viewer and partner in both
	// directions, ascending by created_at.
	ListForPair(ctx context.Context, viewer, partner uuid.UUID, ch Channel) ([]*Message, error)
	// MarkRead flips unread rows sent by partner to viewer and returns how
	// many changed.
	MarkRead(ctx context.Context, viewer, partner uuid.UUID, ch Channel) (int64, error)
	// MarkReadFromSender flips every unread row sent by sender, whoever
	// received it.
	MarkReadFromSender(ctx context.Context, sender uuid.UUID, ch Channel) (int64, error)
	ListPartners(ctx context.Context, viewer uuid.UUID, ch Channel) ([]PartnerSummary, error)
}

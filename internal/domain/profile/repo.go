package profile

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Profile, error)
	ListByRoles(ctx context.Context, roles []string) ([]*Profile, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Profile, error)
}

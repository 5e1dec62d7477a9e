package notification

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/clinic/internal/domain/profile"
	"github.com/ehr/clinic/internal/platform/apperror"
)

// AudienceFor is the notification partition a principal reads from.
func AudienceFor(p profile.Principal) Audience {
	if p.IsStaff() {
		return AudienceStaff
	}
	return AudiencePatient
}

// Service is the caller-facing notification inbox.
type Service struct {
	repo        Repository
	broadcaster *Broadcaster
}

func NewService(repo Repository, broadcaster *Broadcaster) *Service {
	return &Service{repo: repo, broadcaster: broadcaster}
}

func (s *Service) List(ctx context.Context, p profile.Principal, limit, offset int) ([]*Notification, int, error) {
	return s.repo.ListForRecipient(ctx, AudienceFor(p), p.ID, limit, offset)
}

func (s *Service) UnreadCount(ctx context.Context, p profile.Principal) (int, error) {
	return s.repo.CountUnread(ctx, AudienceFor(p), p.ID)
}

// MarkRead is idempotent; a notification owned by someone else is reported
// as not found.
func (s *Service) MarkRead(ctx context.Context, p profile.Principal, id uuid.UUID) error {
	ok, err := s.repo.MarkRead(ctx, AudienceFor(p), p.ID, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.NotFound("notification %s not found", id)
	}
	return nil
}

func (s *Service) MarkAllRead(ctx context.Context, p profile.Principal) (int64, error) {
	return s.repo.MarkAllRead(ctx, AudienceFor(p), p.ID)
}

// Broadcast raises an event on behalf of a staff caller and waits for the
// fan-out to finish.
func (s *Service) Broadcast(ctx context.Context, p profile.Principal, ev Event) (*Result, error) {
	if !p.IsStaff() {
		return nil, apperror.Forbidden("only staff may broadcast notifications")
	}
	ev.ActorID = p.ID
	return s.broadcaster.Broadcast(ctx, ev)
}

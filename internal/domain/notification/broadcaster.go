package notification

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/clinic/internal/domain/profile"
	"github.com/ehr/clinic/internal/platform/apperror"
	"github.com/ehr/clinic/internal/platform/feed"
	"github.com/ehr/clinic/internal/platform/metrics"
)

// RecipientLister resolves the staff recipient set.
type RecipientLister interface {
	ListByRoles(ctx context.Context, roles []string) ([]*profile.Profile, error)
}

// DefaultFanOut bounds concurrent inserts per broadcast.
const DefaultFanOut = 8

// Broadcaster fans one event out into a notification row per recipient.
// Rows are written independently: one failed insert never undoes the others.
type Broadcaster struct {
	repo      Repository
	profiles  RecipientLister
	templates *TemplateEngine
	publisher feed.Publisher
	logger    zerolog.Logger
	fanOut    int
}

func NewBroadcaster(repo Repository, profiles RecipientLister, templates *TemplateEngine, publisher feed.Publisher, logger zerolog.Logger) *Broadcaster {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	if publisher == nil {
		publisher = feed.NopPublisher{}
	}
	return &Broadcaster{
		repo:      repo,
		profiles:  profiles,
		templates: templates,
		publisher: publisher,
		logger:    logger.With().Str("component", "notification_broadcaster").Logger(),
		fanOut:    DefaultFanOut,
	}
}

// Recipients computes who an event is delivered to.
func (b *Broadcaster) Recipients(ctx context.Context, ev Event) ([]uuid.UUID, error) {
	if ev.RecipientID != nil {
		return []uuid.UUID{*ev.RecipientID}, nil
	}
	if ev.Audience == AudiencePatient {
		return nil, apperror.Validation("patient notifications require a recipient")
	}

	staff, err := b.profiles.ListByRoles(ctx, profile.StaffRoles)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(staff))
	for _, p := range staff {
		if p.ID == ev.ActorID {
			continue
		}
		out = append(out, p.ID)
	}
	return out, nil
}

// Broadcast writes one notification per recipient. When some recipients
// fail the result is still returned, alongside a PartialBroadcast error.
func (b *Broadcaster) Broadcast(ctx context.Context, ev Event) (*Result, error) {
	if !ev.Type.Valid() {
		return nil, apperror.Validation("unknown notification type %q", ev.Type)
	}
	if !ev.Audience.Valid() {
		return nil, apperror.Validation("unknown audience %q", ev.Audience)
	}
	if err := b.templates.Fill(&ev); err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, err, "render notification")
	}

	recipients, err := b.Recipients(ctx, ev)
	if err != nil {
		return nil, err
	}

	var data json.RawMessage
	if len(ev.Data) > 0 {
		if data, err = json.Marshal(ev.Data); err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, err, "encode notification data")
		}
	}

	created := make([]*Notification, len(recipients))
	var (
		mu       sync.Mutex
		failures []Failure
	)
	g := new(errgroup.Group)
	g.SetLimit(b.fanOut)
	for i, rid := range recipients {
		i, rid := i, rid
		g.Go(func() error {
			n := &Notification{
				RecipientID: rid,
				Type:        ev.Type,
				Title:       ev.Title,
				Message:     ev.Message,
				Data:        data,
				Audience:    ev.Audience,
			}
			if err := b.repo.Create(ctx, n); err != nil {
				mu.Lock()
				failures = append(failures, Failure{RecipientID: rid, Error: err.Error()})
				mu.Unlock()
				return nil
			}
			created[i] = n
			b.publish(ctx, n)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Failures: failures}
	for _, n := range created {
		if n != nil {
			res.Notifications = append(res.Notifications, n)
		}
	}
	res.Delivered = len(res.Notifications)

	metrics.NotificationsCreated.WithLabelValues(string(ev.Audience), string(ev.Type)).Add(float64(res.Delivered))
	if len(failures) == 0 {
		return res, nil
	}

	metrics.NotificationsFailed.WithLabelValues(string(ev.Audience), string(ev.Type)).Add(float64(len(failures)))
	perr := apperror.New(apperror.KindPartialBroadcast, "%d of %d notifications failed", len(failures), len(recipients))
	b.logger.Warn().Err(perr).
		Str("type", string(ev.Type)).
		Str("audience", string(ev.Audience)).
		Int("delivered", res.Delivered).
		Msg("partial notification broadcast")
	return res, perr
}

func (b *Broadcaster) publish(ctx context.Context, n *Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	ev := feed.Event{
		Type:    feed.NotificationInserted,
		Table:   n.Audience.Table(),
		ID:      n.ID,
		Payload: payload,
	}
	if err := b.publisher.Publish(ctx, n.RecipientID, ev); err != nil {
		b.logger.Warn().Err(err).Str("notification_id", n.ID.String()).Msg("publish notification event")
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/clinic/internal/domain/messaging"
	"github.com/ehr/clinic/internal/domain/notification"
	"github.com/ehr/clinic/internal/platform/feed"
)

type messageGetter interface {
	GetByID(ctx context.Context, ch messaging.Channel, id uuid.UUID) (*messaging.Message, error)
}

type notificationGetter interface {
	GetByID(ctx context.Context, aud notification.Audience, id uuid.UUID) (*notification.Notification, error)
}

// newHydrator loads the row a trigger notification points at, picking the
// store by the event's table.
func newHydrator(messages messageGetter, notifications notificationGetter) feed.Hydrator {
	return func(ctx context.Context, ev feed.Event) (json.RawMessage, error) {
		if ch, ok := messaging.ChannelForTable(ev.Table); ok {
			m, err := messages.GetByID(ctx, ch, ev.ID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(m)
		}
		if aud, ok := notification.AudienceForTable(ev.Table); ok {
			n, err := notifications.GetByID(ctx, aud, ev.ID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(n)
		}
		return nil, fmt.Errorf("hydrate: unknown table %q", ev.Table)
	}
}

//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/domain/notification"
	"github.com/ehr/clinic/internal/domain/profile"
	"github.com/ehr/clinic/internal/platform/apperror"
	"github.com/ehr/clinic/internal/platform/feed"
)

func TestNotificationRepo(t *testing.T) {
	ctx := context.Background()
	repo := notification.NewRepoPG(globalDB.Pool)
	patient := createProfile(t, ctx, "Quinn", profile.RolePatient)

	for i := 0; i < 3; i++ {
		n := &notification.Notification{
			RecipientID: patient,
			Type:        notification.TypeNewMessage,
			Title:       "New message",
			Message:     "You have a new message",
			Data:        []byte(`{"sender_name":"Dr. Dana"}`),
			Audience:    notification.AudiencePatient,
		}
		if err := repo.Create(ctx, n); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if n.ID == uuid.Nil || n.CreatedAt.IsZero() {
			t.Fatalf("expected id and created_at to be set, got %+v", n)
		}
	}

	items, total, err := repo.ListForRecipient(ctx, notification.AudiencePatient, patient, 2, 0)
	if err != nil {
		t.Fatalf("ListForRecipient: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected 2 of 3, got %d of %d", len(items), total)
	}
	if items[0].CreatedAt.Before(items[1].CreatedAt) {
		t.Error("expected newest first")
	}

	ok, err := repo.MarkRead(ctx, notification.AudiencePatient, patient, items[0].ID)
	if err != nil || !ok {
		t.Fatalf("MarkRead: ok=%v err=%v", ok, err)
	}
	ok, err = repo.MarkRead(ctx, notification.AudiencePatient, uuid.New(), items[1].ID)
	if err != nil || ok {
		t.Errorf("expected MarkRead by another recipient to miss, got ok=%v err=%v", ok, err)
	}

	unread, err := repo.CountUnread(ctx, notification.AudiencePatient, patient)
	if err != nil || unread != 2 {
		t.Errorf("expected 2 unread, got %d (%v)", unread, err)
	}
	n, err := repo.MarkAllRead(ctx, notification.AudiencePatient, patient)
	if err != nil || n != 2 {
		t.Errorf("expected 2 marked read, got %d (%v)", n, err)
	}

	if _, err := repo.GetByID(ctx, notification.AudienceStaff, items[0].ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("expected not found in staff partition, got %v", err)
	}
}

func TestBroadcaster_StaffFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := notification.NewRepoPG(globalDB.Pool)
	profiles := profile.NewRepoPG(globalDB.Pool)
	b := notification.NewBroadcaster(repo, profiles, notification.NewTemplateEngine(), feed.NopPublisher{}, zerolog.Nop())

	actor := createProfile(t, ctx, "Ada", profile.RoleAdmin)
	doctor := createProfile(t, ctx, "Dov", profile.RoleDoctor)
	patient := createProfile(t, ctx, "Pia", profile.RolePatient)

	src, err := feed.NewPGSource(globalDB.ConnStr, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPGSource: %v", err)
	}
	conn, err := src.Open(ctx, doctor)
	if err != nil {
		t.Fatalf("Open feed: %v", err)
	}
	defer conn.Close()

	res, err := b.Broadcast(ctx, notification.Event{
		Type:     notification.TypeInventoryThreshold,
		Audience: notification.AudienceStaff,
		ActorID:  actor,
		Data:     map[string]string{"item_name": "Gauze", "quantity": "3"},
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	got := map[uuid.UUID]bool{}
	for _, n := range res.Notifications {
		got[n.RecipientID] = true
	}
	if !got[doctor] {
		t.Error("expected doctor to be notified")
	}
	if got[actor] {
		t.Error("expected actor to be excluded")
	}
	if got[patient] {
		t.Error("expected patient to be excluded from staff broadcast")
	}

	ev := nextEvent(t, conn)
	if ev.Type != feed.NotificationInserted || ev.Table != "staff_notifications" {
		t.Errorf("unexpected feed event: %+v", ev)
	}
}

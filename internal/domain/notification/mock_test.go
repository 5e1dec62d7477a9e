package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinic/internal/domain/profile"
	"github.com/ehr/clinic/internal/platform/apperror"
	"github.com/ehr/clinic/internal/platform/feed"
)

type mockRepo struct {
	mu      sync.Mutex
	store   map[uuid.UUID]*Notification
	failFor map[uuid.UUID]bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[uuid.UUID]*Notification), failFor: make(map[uuid.UUID]bool)}
}

func (m *mockRepo) Create(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[n.RecipientID] {
		return apperror.Store(errors.New("connection reset"), "insert notification")
	}
	n.ID = uuid.New()
	n.CreatedAt = time.Now()
	cp := *n
	m.store[n.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, aud Audience, id uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.store[id]
	if !ok || n.Audience != aud {
		return nil, apperror.NotFound("notification %s not found", id)
	}
	return n, nil
}

func (m *mockRepo) forRecipient(aud Audience, recipient uuid.UUID) []*Notification {
	var out []*Notification
	for _, n := range m.store {
		if n.Audience == aud && n.RecipientID == recipient {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *mockRepo) ListForRecipient(_ context.Context, aud Audience, recipient uuid.UUID, limit, offset int) ([]*Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.forRecipient(aud, recipient)
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) CountUnread(_ context.Context, aud Audience, recipient uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, x := range m.forRecipient(aud, recipient) {
		if !x.IsRead {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) MarkRead(_ context.Context, aud Audience, recipient, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.store[id]
	if !ok || n.Audience != aud || n.RecipientID != recipient {
		return false, nil
	}
	n.IsRead = true
	return true, nil
}

func (m *mockRepo) MarkAllRead(_ context.Context, aud Audience, recipient uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, n := range m.forRecipient(aud, recipient) {
		if !n.IsRead {
			n.IsRead = true
			count++
		}
	}
	return count, nil
}

func (m *mockRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}

type mockProfiles struct {
	profiles []*profile.Profile
	err      error
}

func (m *mockProfiles) ListByRoles(_ context.Context, roles []string) ([]*profile.Profile, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*profile.Profile
	for _, p := range m.profiles {
		for _, r := range roles {
			if p.Role == r {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[uuid.UUID][]feed.Event
}

func (p *recordingPublisher) Publish(_ context.Context, viewer uuid.UUID, ev feed.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[uuid.UUID][]feed.Event)
	}
	p.events[viewer] = append(p.events[viewer], ev)
	return nil
}

func (p *recordingPublisher) count(viewer uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events[viewer])
}

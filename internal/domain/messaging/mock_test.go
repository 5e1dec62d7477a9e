package messaging

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/domain/notification"
	"github.com/ehr/clinic/internal/domain/profile"
	"github.com/ehr/clinic/internal/platform/apperror"
	"github.com/ehr/clinic/internal/platform/feed"
)

// mockStore keeps both channels in memory with a controllable clock.
type mockStore struct {
	mu      sync.Mutex
	rows    map[Channel][]*Message
	clock   time.Time
	failErr error
	// commitThenFail stores the row but reports failure, like a lost reply.
	commitThenFail bool
	inserts        int
	// hold, when set, parks Insert until it is closed or ctx ends; started
	// receives once an insert is parked.
	hold    chan struct{}
	started chan struct{}
}

func newMockStore() *mockStore {
	return &mockStore{
		rows:  make(map[Channel][]*Message),
		clock: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *mockStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *mockStore) Insert(ctx context.Context, msg *Message) (*Message, bool, error) {
	m.mu.Lock()
	hold, started := m.hold, m.started
	m.mu.Unlock()
	if hold != nil {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, false, apperror.Store(ctx.Err(), "insert message")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if m.failErr != nil {
		return nil, false, m.failErr
	}
	if msg.ClientToken != nil {
		for _, r := range m.rows[msg.Channel] {
			if r.ClientToken != nil && *r.ClientToken == *msg.ClientToken {
				cp := *r
				return &cp, false, nil
			}
		}
	}
	row := *msg
	row.ID = uuid.New()
	row.CreatedAt = m.tick()
	m.rows[msg.Channel] = append(m.rows[msg.Channel], &row)
	if m.commitThenFail {
		return nil, false, apperror.Store(errors.New("connection reset by peer"), "insert message")
	}
	cp := row
	return &cp, true, nil
}

func (m *mockStore) GetByID(_ context.Context, ch Channel, id uuid.UUID) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows[ch] {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperror.NotFound("message %s not found", id)
}

func (m *mockStore) ListForPair(_ context.Context, viewer, partner uuid.UUID, ch Channel) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	var out []*Message
	for _, r := range m.rows[ch] {
		if r.Involves(viewer, partner) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) MarkRead(_ context.Context, viewer, partner uuid.UUID, ch Channel) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows[ch] {
		if r.ReceiverID == viewer && r.SenderID == partner && !r.IsRead {
			now := m.clock
			r.IsRead = true
			r.ReadAt = &now
			n++
		}
	}
	return n, nil
}

func (m *mockStore) MarkReadFromSender(_ context.Context, sender uuid.UUID, ch Channel) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows[ch] {
		if r.SenderID == sender && !r.IsRead {
			r.IsRead = true
			n++
		}
	}
	return n, nil
}

func (m *mockStore) ListPartners(_ context.Context, viewer uuid.UUID, ch Channel) ([]PartnerSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := make(map[uuid.UUID]int)
	var out []PartnerSummary
	for _, r := range m.rows[ch] {
		if r.SenderID != viewer && r.ReceiverID != viewer {
			continue
		}
		pid := r.Partner(viewer)
		i, ok := idx[pid]
		if !ok {
			i = len(out)
			idx[pid] = i
			out = append(out, PartnerSummary{PartnerID: pid})
		}
		cp := *r
		if out[i].LastMessage == nil || cp.CreatedAt.After(out[i].LastMessage.CreatedAt) {
			out[i].LastMessage = &cp
		}
		if r.ReceiverID == viewer && !r.IsRead {
			out[i].Unread++
		}
	}
	return out, nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[ChannelStaff]) + len(m.rows[ChannelPatient])
}

// add inserts a row directly, bypassing the service.
func (m *mockStore) add(ch Channel, from, to uuid.UUID, content string) *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := &Message{ID: uuid.New(), SenderID: from, ReceiverID: to, Content: content, Channel: ch, CreatedAt: m.tick()}
	m.rows[ch] = append(m.rows[ch], row)
	cp := *row
	return &cp
}

type mockDirectory struct {
	profiles map[uuid.UUID]*profile.Profile
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{profiles: make(map[uuid.UUID]*profile.Profile)}
}

func (d *mockDirectory) add(first, role string) profile.Principal {
	p := &profile.Profile{ID: uuid.New(), FirstName: first, LastName: "Test", Role: role}
	d.profiles[p.ID] = p
	kind, _ := profile.KindForRole(role)
	return profile.Principal{ID: p.ID, Kind: kind}
}

func (d *mockDirectory) Lookup(_ context.Context, id uuid.UUID) (*profile.Profile, error) {
	p, ok := d.profiles[id]
	if !ok {
		return nil, apperror.NotFound("profile %s not found", id)
	}
	return p, nil
}

func (d *mockDirectory) LookupMany(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*profile.Profile, error) {
	out := make(map[uuid.UUID]*profile.Profile)
	for _, id := range ids {
		if p, ok := d.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type mockNotifier struct {
	mu     sync.Mutex
	events []notification.Event
}

func (n *mockNotifier) Enqueue(ev notification.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return true
}

func (n *mockNotifier) all() []notification.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.Event(nil), n.events...)
}

type fixture struct {
	store     *mockStore
	dir       *mockDirectory
	notifier  *mockNotifier
	bus       *feed.MemoryBus
	svc       *Service
	staff     profile.Principal
	colleague profile.Principal
	patient   profile.Principal
}

func newFixture() *fixture {
	f := &fixture{
		store:    newMockStore(),
		dir:      newMockDirectory(),
		notifier: &mockNotifier{},
		bus:      feed.NewMemoryBus(),
	}
	f.staff = f.dir.add("Meredith", profile.RoleDoctor)
	f.colleague = f.dir.add("Miranda", profile.RoleNurse)
	f.patient = f.dir.add("Ann", profile.RolePatient)
	f.svc = NewService(f.store, f.dir, f.notifier, f.bus, zerolog.Nop())
	return f
}

var errStoreDown = apperror.Store(errors.New("connection refused"), "insert message")

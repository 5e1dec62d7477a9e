package messaging

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinic/internal/domain/profile"
	"github.com/ehr/clinic/internal/platform/apperror"
)

// Sender persists outbound messages for a Session.
type Sender interface {
	Send(ctx context.Context, sender profile.Principal, in SendInput) (*Message, error)
}

type EntryState string

const (
	EntryPending   EntryState = "pending"
	EntryConfirmed EntryState = "confirmed"
	EntryFailed    EntryState = "failed"
)

// Entry is an outbound message the store has not confirmed yet. Its TempID
// is local; its Token travels with the send and comes back on the stored row.
type Entry struct {
	TempID      uuid.UUID  `json:"temp_id"`
	Token       uuid.UUID  `json:"client_token"`
	Content     string     `json:"content"`
	State       EntryState `json:"state"`
	Error       string     `json:"error,omitempty"`
	Message     *Message   `json:"message,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// Update kinds pushed to a session observer.
const (
	UpdateEntry    = "entry"
	UpdateMessage  = "message"
	UpdateTimeline = "timeline"
)

type Update struct {
	Kind     string    `json:"kind"`
	Entry    *Entry    `json:"entry,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Timeline *Snapshot `json:"timeline,omitempty"`
}

// Snapshot is what a client renders: confirmed messages in created_at order
// followed by unconfirmed entries in submission order.
type Snapshot struct {
	PartnerID   uuid.UUID  `json:"partner_id"`
	Messages    []*Message `json:"messages"`
	Pending     []Entry    `json:"pending"`
	UnreadCount int        `json:"unread_count"`
}

// Session holds one viewer's live view of one conversation and drives the
// optimistic send pipeline against it. It is safe for concurrent use.
type Session struct {
	viewer  profile.Principal
	partner uuid.UUID
	channel Channel
	sender  Sender
	observe func(Update)

	mu        sync.Mutex
	confirmed []*Message
	byID      map[uuid.UUID]*Message
	entries   []*Entry
}

// NewSession starts an empty session. channel may be empty to let the
// sender's role decide. observe may be nil.
func NewSession(sender Sender, viewer profile.Principal, partner uuid.UUID, channel Channel, observe func(Update)) *Session {
	if observe == nil {
		observe = func(Update) {}
	}
	return &Session{
		viewer:  viewer,
		partner: partner,
		channel: channel,
		sender:  sender,
		observe: observe,
		byID:    make(map[uuid.UUID]*Message),
	}
}

func (s *Session) emit(updates []Update) {
	for _, u := range updates {
		s.observe(u)
	}
}

func (s *Session) findEntry(tempID uuid.UUID) (int, *Entry) {
	for i, e := range s.entries {
		if e.TempID == tempID {
			return i, e
		}
	}
	return -1, nil
}

// Compose appends an optimistic entry without sending it. A nil token gets
// a fresh one.
func (s *Session) Compose(content string, token *uuid.UUID) (Entry, error) {
	if strings.TrimSpace(content) == "" {
		return Entry{}, apperror.Validation("content is required")
	}
	e := &Entry{
		TempID:      uuid.New(),
		Token:       uuid.New(),
		Content:     content,
		State:       EntryPending,
		SubmittedAt: time.Now(),
	}
	if token != nil {
		e.Token = *token
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	cp := *e
	s.mu.Unlock()

	s.emit([]Update{{Kind: UpdateEntry, Entry: &cp}})
	return cp, nil
}

// Deliver sends a composed or retried entry and settles it.
func (s *Session) Deliver(ctx context.Context, tempID uuid.UUID) (Entry, error) {
	s.mu.Lock()
	_, e := s.findEntry(tempID)
	if e == nil {
		s.mu.Unlock()
		return Entry{}, apperror.NotFound("entry %s not found", tempID)
	}
	token := e.Token
	in := SendInput{
		ReceiverID:  s.partner,
		Content:     e.Content,
		Channel:     s.channel,
		ClientToken: &token,
	}
	s.mu.Unlock()

	msg, err := s.sender.Send(ctx, s.viewer, in)
	if err != nil {
		return s.fail(tempID, err), err
	}
	return s.confirm(tempID, msg), nil
}

// Submit is Compose followed by Deliver.
func (s *Session) Submit(ctx context.Context, content string) (Entry, error) {
	e, err := s.Compose(content, nil)
	if err != nil {
		return Entry{}, err
	}
	return s.Deliver(ctx, e.TempID)
}

// Retry resends a failed entry with its original token, so a first attempt
// that did reach the store is not duplicated.
func (s *Session) Retry(ctx context.Context, tempID uuid.UUID) (Entry, error) {
	s.mu.Lock()
	_, e := s.findEntry(tempID)
	if e == nil {
		s.mu.Unlock()
		return Entry{}, apperror.NotFound("entry %s not found", tempID)
	}
	if e.State != EntryFailed {
		s.mu.Unlock()
		return Entry{}, apperror.Validation("entry %s is %s, only failed entries can be retried", tempID, e.State)
	}
	e.State = EntryPending
	e.Error = ""
	e.SubmittedAt = time.Now()
	cp := *e
	s.mu.Unlock()

	s.emit([]Update{{Kind: UpdateEntry, Entry: &cp}})
	return s.Deliver(ctx, tempID)
}

func (s *Session) fail(tempID uuid.UUID, err error) Entry {
	s.mu.Lock()
	_, e := s.findEntry(tempID)
	if e == nil {
		// Already confirmed through the feed.
		s.mu.Unlock()
		return Entry{TempID: tempID, State: EntryConfirmed}
	}
	e.State = EntryFailed
	e.Error = err.Error()
	cp := *e
	s.mu.Unlock()

	s.emit([]Update{{Kind: UpdateEntry, Entry: &cp}})
	return cp
}

func (s *Session) confirm(tempID uuid.UUID, msg *Message) Entry {
	s.mu.Lock()
	_, e := s.findEntry(tempID)
	var cp Entry
	if e != nil {
		cp = *e
	} else {
		cp = Entry{TempID: tempID, Content: msg.Content}
	}
	updates := s.applyLocked(msg)
	s.mu.Unlock()

	s.emit(updates)
	cp.State = EntryConfirmed
	cp.Error = ""
	cp.Message = msg
	return cp
}

// Apply reconciles a stored row, typically pushed by the feed, into the
// session. Rows outside the conversation are ignored.
func (s *Session) Apply(msg *Message) {
	if msg == nil || !msg.Involves(s.viewer.ID, s.partner) {
		return
	}
	s.mu.Lock()
	updates := s.applyLocked(msg)
	s.mu.Unlock()
	s.emit(updates)
}

func (s *Session) applyLocked(msg *Message) []Update {
	if existing, ok := s.byID[msg.ID]; ok {
		if existing.IsRead == msg.IsRead {
			return nil
		}
		*existing = *msg
		cp := *existing
		return []Update{{Kind: UpdateMessage, Message: &cp}}
	}

	cp := *msg
	s.insertLocked(&cp)
	if i := s.matchLocked(msg); i >= 0 {
		e := s.entries[i]
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		done := *e
		done.State = EntryConfirmed
		done.Error = ""
		done.Message = &cp
		return []Update{{Kind: UpdateEntry, Entry: &done}}
	}
	return []Update{{Kind: UpdateMessage, Message: &cp}}
}

// matchLocked finds the entry msg confirms: by token when the row carries
// one, otherwise the oldest pending entry from the viewer with equal content.
func (s *Session) matchLocked(msg *Message) int {
	if msg.SenderID != s.viewer.ID {
		return -1
	}
	if msg.ClientToken != nil {
		for i, e := range s.entries {
			if e.Token == *msg.ClientToken {
				return i
			}
		}
		return -1
	}
	for i, e := range s.entries {
		if e.State == EntryPending && e.Content == msg.Content {
			return i
		}
	}
	return -1
}

func (s *Session) insertLocked(m *Message) {
	s.byID[m.ID] = m
	i := len(s.confirmed)
	for i > 0 && sortsBefore(m, s.confirmed[i-1]) {
		i--
	}
	s.confirmed = append(s.confirmed, nil)
	copy(s.confirmed[i+1:], s.confirmed[i:])
	s.confirmed[i] = m
}

// Replace swaps in a freshly fetched timeline. Entries whose token appears
// in it are confirmed; the rest stay.
func (s *Session) Replace(t *Timeline) {
	s.mu.Lock()
	s.confirmed = make([]*Message, 0, len(t.Messages))
	s.byID = make(map[uuid.UUID]*Message, len(t.Messages))
	tokens := make(map[uuid.UUID]struct{})
	for _, m := range t.Messages {
		cp := *m
		s.confirmed = append(s.confirmed, &cp)
		s.byID[cp.ID] = &cp
		if cp.ClientToken != nil {
			tokens[*cp.ClientToken] = struct{}{}
		}
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if _, ok := tokens[e.Token]; !ok {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emit([]Update{{Kind: UpdateTimeline, Timeline: &snap}})
}

// Expire fails pending entries submitted before now-window and returns how
// many it failed.
func (s *Session) Expire(now time.Time, window time.Duration) int {
	s.mu.Lock()
	var updates []Update
	for _, e := range s.entries {
		if e.State == EntryPending && now.Sub(e.SubmittedAt) > window {
			e.State = EntryFailed
			e.Error = "not confirmed in time"
			cp := *e
			updates = append(updates, Update{Kind: UpdateEntry, Entry: &cp})
		}
	}
	s.mu.Unlock()

	s.emit(updates)
	return len(updates)
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		PartnerID: s.partner,
		Messages:  make([]*Message, len(s.confirmed)),
		Pending:   make([]Entry, len(s.entries)),
	}
	for i, m := range s.confirmed {
		cp := *m
		snap.Messages[i] = &cp
	}
	for i, e := range s.entries {
		snap.Pending[i] = *e
	}
	snap.UnreadCount = UnreadFor(s.viewer.ID, snap.Messages)
	return snap
}

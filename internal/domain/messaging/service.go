package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/clinic/internal/domain/notification"
	"github.com/ehr/clinic/internal/domain/profile"
	"github.com/ehr/clinic/internal/platform/apperror"
	"github.com/ehr/clinic/internal/platform/feed"
	"github.com/ehr/clinic/internal/platform/metrics"
)

// Directory resolves conversation participants.
type Directory interface {
	Lookup(ctx context.Context, id uuid.UUID) (*profile.Profile, error)
	LookupMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*profile.Profile, error)
}

// Notifier schedules a notification broadcast without waiting for it.
type Notifier interface {
	Enqueue(ev notification.Event) bool
}

const previewLen = 80

type Service struct {
	store     Store
	directory Directory
	notifier  Notifier
	publisher feed.Publisher
	logger    zerolog.Logger
}

func NewService(store Store, directory Directory, notifier Notifier, publisher feed.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = feed.NopPublisher{}
	}
	return &Service{
		store:     store,
		directory: directory,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger.With().Str("component", "messaging").Logger(),
	}
}

// channelFor picks the channel of an outbound message. Patients always write
// to the patient channel; staff default to the staff channel.
func channelFor(sender profile.Principal, requested Channel) (Channel, error) {
	if requested == "" {
		if sender.IsStaff() {
			return ChannelStaff, nil
		}
		return ChannelPatient, nil
	}
	if !requested.Valid() {
		return "", apperror.Validation("invalid channel %q", requested)
	}
	if !sender.IsStaff() && requested != ChannelPatient {
		return "", apperror.Forbidden("patients may only send on the patient channel")
	}
	return requested, nil
}

// Send validates and persists one message. Sending again with the same
// client token returns the stored row without side effects.
func (s *Service) Send(ctx context.Context, sender profile.Principal, in SendInput) (*Message, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, apperror.Validation("content is required")
	}
	if in.ReceiverID == uuid.Nil {
		return nil, apperror.Validation("receiver_id is required")
	}
	if in.ReceiverID == sender.ID {
		return nil, apperror.Validation("cannot send a message to yourself")
	}
	ch, err := channelFor(sender, in.Channel)
	if err != nil {
		return nil, err
	}

	receiver, err := s.directory.Lookup(ctx, in.ReceiverID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Validation("unknown receiver %s", in.ReceiverID)
		}
		return nil, err
	}
	receiverKind, ok := profile.KindForRole(receiver.Role)
	if !ok {
		return nil, apperror.Validation("receiver %s cannot receive messages", in.ReceiverID)
	}
	if !sender.IsStaff() && receiverKind != profile.KindStaff {
		return nil, apperror.Forbidden("patients may only message staff")
	}

	stored, created, err := s.store.Insert(ctx, &Message{
		SenderID:    sender.ID,
		ReceiverID:  in.ReceiverID,
		Content:     in.Content,
		ClientToken: in.ClientToken,
		Channel:     ch,
	})
	if err != nil {
		metrics.MessagesFailed.WithLabelValues(string(apperror.KindOf(err))).Inc()
		s.logger.Error().Err(err).
			Str("sender_id", sender.ID.String()).
			Str("channel", string(ch)).
			Msg("failed to persist message")
		return nil, err
	}
	if !created {
		return stored, nil
	}

	metrics.MessagesSent.WithLabelValues(string(ch)).Inc()
	s.publish(ctx, feed.MessageInserted, stored, sender.ID, in.ReceiverID)
	s.notify(ctx, sender, receiverKind, stored)
	return stored, nil
}

func (s *Service) publish(ctx context.Context, typ feed.EventType, m *Message, viewers ...uuid.UUID) {
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	ev := feed.Event{Type: typ, Table: m.Channel.Table(), ID: m.ID, Payload: payload}
	for _, v := range viewers {
		if err := s.publisher.Publish(ctx, v, ev); err != nil {
			s.logger.Warn().Err(err).Str("viewer_id", v.String()).Msg("publish message event")
		}
	}
}

// notify hands the counterpart notification to the dispatcher. A patient's
// message goes to every staff member; a staff message goes to its receiver.
func (s *Service) notify(ctx context.Context, sender profile.Principal, receiverKind profile.Kind, m *Message) {
	if s.notifier == nil {
		return
	}
	name := "A patient"
	if sender.IsStaff() {
		name = "Clinic staff"
	}
	if p, err := s.directory.Lookup(ctx, sender.ID); err == nil {
		name = p.DisplayName()
	}

	ev := notification.Event{
		Type:     notification.TypeNewMessage,
		Audience: notification.AudienceStaff,
		ActorID:  sender.ID,
		Data: map[string]string{
			"sender_name": name,
			"sender_id":   sender.ID.String(),
			"message_id":  m.ID.String(),
			"channel":     string(m.Channel),
			"preview":     preview(m.Content),
		},
	}
	if sender.IsStaff() {
		rid := m.ReceiverID
		ev.RecipientID = &rid
		if receiverKind == profile.KindPatient {
			ev.Audience = notification.AudiencePatient
		}
	}
	s.notifier.Enqueue(ev)
}

func preview(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= previewLen {
		return content
	}
	r := []rune(content)
	return string(r[:previewLen]) + "…"
}

// Timeline merges both channels of the conversation between viewer and
// partner.
func (s *Service) Timeline(ctx context.Context, viewer profile.Principal, partner uuid.UUID) (*Timeline, error) {
	if partner == uuid.Nil {
		return nil, apperror.Validation("partner_id is required")
	}
	lists := make([][]*Message, len(Channels))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range Channels {
		i, ch := i, ch
		g.Go(func() error {
			msgs, err := s.store.ListForPair(gctx, viewer.ID, partner, ch)
			if err != nil {
				return err
			}
			lists[i] = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := Merge(lists...)
	return &Timeline{
		PartnerID:   partner,
		Messages:    merged,
		UnreadCount: UnreadFor(viewer.ID, merged),
	}, nil
}

// Merge concatenates per-channel lists, drops repeated ids and orders the
// result with sortsBefore.
func Merge(lists ...[]*Message) []*Message {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	out := make([]*Message, 0, n)
	seen := make(map[uuid.UUID]struct{}, n)
	for _, l := range lists {
		for _, m := range l {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return sortsBefore(out[i], out[j])
	})
	return out
}

// sortsBefore orders by created_at; on equal timestamps staff-channel rows
// come first. Rows equal in both keep their existing order.
func sortsBefore(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Channel != ChannelPatient && b.Channel == ChannelPatient
}

// UnreadFor counts messages addressed to viewer that are still unread.
func UnreadFor(viewer uuid.UUID, msgs []*Message) int {
	n := 0
	for _, m := range msgs {
		if m.ReceiverID == viewer && !m.IsRead {
			n++
		}
	}
	return n
}

// readableChannels lists the channels viewer may acknowledge. Staff replies
// can land in either channel, so every viewer may acknowledge both; the store
// only flips rows the partner sent to the viewer.
func readableChannels(ch Channel) ([]Channel, error) {
	if ch != "" && !ch.Valid() {
		return nil, apperror.Validation("invalid channel %q", ch)
	}
	if ch == "" {
		return Channels, nil
	}
	return []Channel{ch}, nil
}

// MarkRead acknowledges every unread message partner sent viewer. An empty
// channel means every channel the viewer may read. Repeating the call
// updates nothing.
func (s *Service) MarkRead(ctx context.Context, viewer profile.Principal, partner uuid.UUID, ch Channel) (int64, error) {
	if partner == uuid.Nil {
		return 0, apperror.Validation("partner_id is required")
	}
	channels, err := readableChannels(ch)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range channels {
		n, err := s.store.MarkRead(ctx, viewer.ID, partner, c)
		if err != nil {
			return total, err
		}
		if n > 0 {
			s.publishRead(ctx, c, viewer.ID, partner)
		}
		total += n
	}
	return total, nil
}

// publishRead tells both sides that rows in ch changed. The event carries
// no row, so subscribers refetch.
func (s *Service) publishRead(ctx context.Context, ch Channel, viewers ...uuid.UUID) {
	ev := feed.Event{Type: feed.MessageUpdated, Table: ch.Table()}
	for _, v := range viewers {
		if err := s.publisher.Publish(ctx, v, ev); err != nil {
			s.logger.Warn().Err(err).Str("viewer_id", v.String()).Msg("publish read receipt")
		}
	}
}

// MarkPatientMessagesRead acknowledges every unread message a patient sent,
// whichever staff member received it.
func (s *Service) MarkPatientMessagesRead(ctx context.Context, viewer profile.Principal, patientID uuid.UUID) (int64, error) {
	if !viewer.IsStaff() {
		return 0, apperror.Forbidden("staff only")
	}
	if patientID == uuid.Nil {
		return 0, apperror.Validation("patient id is required")
	}
	n, err := s.store.MarkReadFromSender(ctx, patientID, ChannelPatient)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publishRead(ctx, ChannelPatient, patientID)
	}
	return n, nil
}

// Conversations lists the viewer's partners with the latest message across
// both channels, newest first.
func (s *Service) Conversations(ctx context.Context, viewer profile.Principal) ([]Conversation, error) {
	lists := make([][]PartnerSummary, len(Channels))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range Channels {
		i, ch := i, ch
		g.Go(func() error {
			rows, err := s.store.ListPartners(gctx, viewer.ID, ch)
			if err != nil {
				return err
			}
			lists[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byPartner := make(map[uuid.UUID]*Conversation)
	var order []uuid.UUID
	for _, rows := range lists {
		for _, r := range rows {
			c, ok := byPartner[r.PartnerID]
			if !ok {
				c = &Conversation{PartnerID: r.PartnerID}
				byPartner[r.PartnerID] = c
				order = append(order, r.PartnerID)
			}
			c.UnreadCount += r.Unread
			if c.LastMessage == nil || (r.LastMessage != nil && r.LastMessage.CreatedAt.After(c.LastMessage.CreatedAt)) {
				c.LastMessage = r.LastMessage
			}
		}
	}

	profiles, err := s.directory.LookupMany(ctx, order)
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(order))
	for _, id := range order {
		c := byPartner[id]
		if p, ok := profiles[id]; ok {
			c.PartnerName = p.DisplayName()
			c.PartnerRole = p.Role
			c.PartnerImage = p.AvatarURL
		} else {
			c.PartnerName = "Unknown user"
		}
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessage.CreatedAt.After(out[j].LastMessage.CreatedAt)
	})
	return out, nil
}

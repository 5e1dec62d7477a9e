package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Channel selects which storage partition a message lives in: messages
// originated by staff or by patients.
type Channel string

const (
	ChannelStaff   Channel = "staff"
	ChannelPatient Channel = "patient"
)

// Channels lists every channel in the order timelines are merged.
var Channels = []Channel{ChannelStaff, ChannelPatient}

func (c Channel) Valid() bool {
	return c == ChannelStaff || c == ChannelPatient
}

// Table is the backing table of the channel.
func (c Channel) Table() string {
	if c == ChannelPatient {
		return "patient_messages"
	}
	return "staff_messages"
}

// ChannelForTable is the inverse of Table.
func ChannelForTable(table string) (Channel, bool) {
	switch table {
	case "staff_messages":
		return ChannelStaff, true
	case "patient_messages":
		return ChannelPatient, true
	}
	return "", false
}

type Message struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	SenderID    uuid.UUID  `db:"sender_id" json:"sender_id"`
	ReceiverID  uuid.UUID  `db:"receiver_id" json:"receiver_id"`
	Content     string     `db:"content" json:"content"`
	ClientToken *uuid.UUID `db:"client_token" json:"client_token,omitempty"`
	IsRead      bool       `db:"is_read" json:"is_read"`
	ReadAt      *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	Channel     Channel    `json:"channel"`
}

// Involves reports whether the message is between a and b, in either
// direction.
func (m *Message) Involves(a, b uuid.UUID) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Partner returns the other participant from viewer's point of view.
func (m *Message) Partner(viewer uuid.UUID) uuid.UUID {
	if m.SenderID == viewer {
		return m.ReceiverID
	}
	return m.SenderID
}

// SendInput is an outbound message request.
type SendInput struct {
	ReceiverID  uuid.UUID  `json:"receiver_id"`
	Content     string     `json:"content"`
	Channel     Channel    `json:"channel,omitempty"`
	ClientToken *uuid.UUID `json:"client_token,omitempty"`
}

// PartnerSummary is one partner row from a single channel.
type PartnerSummary struct {
	PartnerID   uuid.UUID
	LastMessage *Message
	Unread      int
}

// Conversation is one entry of the viewer's conversation list.
type Conversation struct {
	PartnerID    uuid.UUID `json:"partner_id"`
	PartnerName  string    `json:"partner_name"`
	PartnerRole  string    `json:"partner_role,omitempty"`
	PartnerImage *string   `json:"partner_avatar_url,omitempty"`
	LastMessage  *Message  `json:"last_message"`
	UnreadCount  int       `json:"unread_count"`
}

// Timeline is the merged view of one conversation.
type Timeline struct {
	PartnerID   uuid.UUID  `json:"partner_id"`
	Messages    []*Message `json:"messages"`
	UnreadCount int        `json:"unread_count"`
}

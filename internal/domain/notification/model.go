package notification

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audience selects the role partition a notification is stored in.
type Audience string

const (
	AudienceStaff   Audience = "staff"
	AudiencePatient Audience = "patient"
)

func (a Audience) Valid() bool {
	return a == AudienceStaff || a == AudiencePatient
}

func (a Audience) Table() string {
	if a == AudiencePatient {
		return "patient_notifications"
	}
	return "staff_notifications"
}

// AudienceForTable is the inverse of Table.
func AudienceForTable(table string) (Audience, bool) {
	switch table {
	case "staff_notifications":
		return AudienceStaff, true
	case "patient_notifications":
		return AudiencePatient, true
	}
	return "", false
}

type Type string

const (
	TypeNewMessage         Type = "new_message"
	TypeNewAppointment     Type = "new_appointment"
	TypeInventoryThreshold Type = "inventory_threshold"
)

func (t Type) Valid() bool {
	switch t {
	case TypeNewMessage, TypeNewAppointment, TypeInventoryThreshold:
		return true
	}
	return false
}

type Notification struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	RecipientID uuid.UUID       `db:"recipient_id" json:"recipient_id"`
	Type        Type            `db:"type" json:"type"`
	Title       string          `db:"title" json:"title"`
	Message     string          `db:"message" json:"message"`
	Data        json.RawMessage `db:"data" json:"data,omitempty"`
	IsRead      bool            `db:"is_read" json:"is_read"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	Audience    Audience        `json:"audience"`
}

// Event is one occurrence that fans out into per-recipient notifications.
//
// A staff event without RecipientID goes to every staff profile except the
// actor. A patient event must name its recipient.
type Event struct {
	Type        Type              `json:"type"`
	Audience    Audience          `json:"audience"`
	RecipientID *uuid.UUID        `json:"recipient_id,omitempty"`
	ActorID     uuid.UUID         `json:"actor_id,omitempty"`
	Title       string            `json:"title,omitempty"`
	Message     string            `json:"message,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// Failure records a recipient whose row could not be written.
type Failure struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	Error       string    `json:"error"`
}

// Result is the outcome of one broadcast.
type Result struct {
	Notifications []*Notification `json:"notifications"`
	Delivered     int             `json:"delivered"`
	Failures      []Failure       `json:"failures,omitempty"`
}

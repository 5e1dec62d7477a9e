package profile

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Profile roles as stored in profiles.role.
const (
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
	RoleDoctor  = "doctor"
	RoleNurse   = "nurse"
	RolePatient = "patient"
)

// StaffRoles are the profile roles that receive staff-directed notifications
// and may use the staff channel.
var StaffRoles = []string{RoleStaff, RoleAdmin, RoleDoctor, RoleNurse}

// Kind is the coarse principal classification the messaging core works with.
type Kind string

const (
	KindStaff   Kind = "staff"
	KindPatient Kind = "patient"
)

// KindForRole maps a profile role onto a principal kind.
func KindForRole(role string) (Kind, bool) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == RolePatient {
		return KindPatient, true
	}
	for _, r := range StaffRoles {
		if r == role {
			return KindStaff, true
		}
	}
	return "", false
}

type Profile struct {
	ID        uuid.UUID `db:"id" json:"id"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
	Email     string    `db:"email" json:"email"`
	AvatarURL *string   `db:"avatar_url" json:"avatar_url,omitempty"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DisplayName is the label shown for a conversation partner.
func (p *Profile) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name != "" {
		return name
	}
	return p.Email
}

// Principal is the resolved caller.
type Principal struct {
	ID   uuid.UUID `json:"id"`
	Kind Kind      `json:"kind"`
}

func (p Principal) IsStaff() bool { return p.Kind == KindStaff }

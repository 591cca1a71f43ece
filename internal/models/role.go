package models

import (
	"fmt"
	"strings"
)

// Role is ordered: RoleNone < RoleBookingCapable < RoleElevated.
type Role int

const (
	RoleNone Role = iota
	RoleBookingCapable
	RoleElevated
)

var roleAliases = map[string]Role{
	"none":            RoleNone,
	"student":         RoleNone,
	"etudiant":        RoleNone,
	"role_etudiant":   RoleNone,
	"booking":         RoleBookingCapable,
	"booking_capable": RoleBookingCapable,
	"professor":       RoleBookingCapable,
	"professeur":      RoleBookingCapable,
	"role_professeur": RoleBookingCapable,
	"elevated":        RoleElevated,
	"admin":           RoleElevated,
	"role_admin":      RoleElevated,
}

// ParseRole accepts the canonical names as well as the historical
// ETUDIANT / PROFESSEUR / ADMIN spellings, case-insensitively.
func ParseRole(s string) (Role, error) {
	role, ok := roleAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return RoleNone, fmt.Errorf("unknown role %q", s)
	}
	return role, nil
}

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "NONE"
	case RoleBookingCapable:
		return "BOOKING_CAPABLE"
	case RoleElevated:
		return "ELEVATED"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

func (r Role) AtLeast(min Role) bool {
	return r >= min
}

func (r Role) CanBook() bool {
	return r.AtLeast(RoleBookingCapable)
}

func (r Role) IsElevated() bool {
	return r.AtLeast(RoleElevated)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Caller is the authenticated identity on whose behalf an operation runs.
type Caller struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}

func (c Caller) String() string {
	return fmt.Sprintf("%d/%s", c.ID, c.Role)
}

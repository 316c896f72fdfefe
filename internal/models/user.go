package models

import (
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RoleEmployer   Role = "employer"
	RoleFreelancer Role = "freelancer"
	RoleAdmin      Role = "admin"
)

// ParseRole normalizes a role claim. "client" is accepted as an alias for employer.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "employer", "client":
		return RoleEmployer, true
	case "freelancer":
		return RoleFreelancer, true
	case "admin":
		return RoleAdmin, true
	}
	return "", false
}

// Actor is the authenticated caller of an operation. Users themselves live in the
// identity service; only the id and role cross into this one.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// System is used for transitions driven by the service itself (review-triggered release).
var System = Actor{Role: RoleAdmin}

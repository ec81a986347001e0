package models

import (
	"time"

	"github.com/google/uuid"
)

// MasterUser is the canonical identity every alias and wallet hangs off.
type MasterUser struct {
	ID         uuid.UUID  `json:"id"`
	NetworkUID *string    `json:"network_uid,omitempty"`
	Username   *string    `json:"username,omitempty"`
	Email      *string    `json:"email,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// DisplayName returns the best human-readable handle for logs and responses.
func (u *MasterUser) DisplayName() string {
	switch {
	case u.Username != nil && *u.Username != "":
		return *u.Username
	case u.Email != nil && *u.Email != "":
		return *u.Email
	default:
		return u.ID.String()
	}
}

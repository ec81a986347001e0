package models

import (
	"time"

	"github.com/google/uuid"
)

// Alias providers
const (
	ProviderPi     = "pi"
	ProviderEmail  = "email"
	ProviderLegacy = "legacy"
)

// Alias roles
const (
	RoleRootAdmin = "root_admin"
	RoleAdmin     = "admin"
	RoleSystem    = "system"
	RoleProvider  = "provider"
	RoleUser      = "user"
)

// IdentityAlias is a login-specific profile row. Several aliases may point
// at the same master (a Pi login and a pre-migration email account, say).
type IdentityAlias struct {
	ID               uuid.UUID  `json:"id"`
	MasterID         *uuid.UUID `json:"master_id,omitempty"`
	Provider         string     `json:"provider"`
	NetworkUID       *string    `json:"network_uid,omitempty"`
	Username         *string    `json:"username,omitempty"`
	Email            *string    `json:"email,omitempty"`
	PasswordHash     *string    `json:"-"`
	Role             string     `json:"role"`
	Verified         bool       `json:"verified"`
	ProviderApproved bool       `json:"provider_approved"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Trusted reports whether the alias' username and network uid were vouched
// for by its provider. Self-declared email signups are not trusted until
// verified, so their attributes are never used to join an existing master.
func (a *IdentityAlias) Trusted() bool {
	return a.Provider != ProviderEmail || a.Verified
}

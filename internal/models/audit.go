package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActorUser  = "user"
	ActorAdmin = "admin"
)

// Audited entity and action names.
const (
	EntityWallet = "pitd_wallet"

	ActionGrant    = "pitd_grant"
	ActionRevoke   = "pitd_revoke"
	ActionTransfer = "pitd_transfer"
)

// AuditLog records who changed a wallet and why. Rows are written best-effort
// next to, never instead of, the ledger entry.
type AuditLog struct {
	ID          uuid.UUID      `json:"id"`
	ActorUserID *uuid.UUID     `json:"actor_user_id,omitempty"`
	ActorType   string         `json:"actor_type"`
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    *uuid.UUID     `json:"entity_id,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/models"
)

type AuthResponse struct {
	Token  string             `json:"token"`
	User   any                `json:"user"`
	Wallet *models.WalletView `json:"wallet,omitempty"`
}

type ErrorResponse struct {
	Error     string   `json:"error"`
	Details   []string `json:"details,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// LedgerEntry is a ledger row with amounts rendered at fixed scale.
type LedgerEntry struct {
	ID              uuid.UUID      `json:"id"`
	WalletID        uuid.UUID      `json:"wallet_id"`
	TransactionType string         `json:"transaction_type"`
	Amount          string         `json:"amount"`
	BalanceAfter    string         `json:"balance_after"`
	Description     string         `json:"description"`
	ReferenceID     *uuid.UUID     `json:"reference_id,omitempty"`
	ReferenceType   *string        `json:"reference_type,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

func NewLedgerEntry(e *models.LedgerEntry) *LedgerEntry {
	if e == nil {
		return nil
	}
	return &LedgerEntry{
		ID:              e.ID,
		WalletID:        e.WalletID,
		TransactionType: e.TransactionType,
		Amount:          models.FormatAmount(e.Amount),
		BalanceAfter:    models.FormatAmount(e.BalanceAfter),
		Description:     e.Description,
		ReferenceID:     e.ReferenceID,
		ReferenceType:   e.ReferenceType,
		Metadata:        e.Metadata,
		CreatedAt:       e.CreatedAt,
	}
}

func NewLedgerEntries(entries []models.LedgerEntry) []*LedgerEntry {
	out := make([]*LedgerEntry, 0, len(entries))
	for i := range entries {
		out = append(out, NewLedgerEntry(&entries[i]))
	}
	return out
}

type AdjustBalanceResponse struct {
	NewBalance string             `json:"new_balance"`
	Wallet     *models.WalletView `json:"wallet"`
	Entry      *LedgerEntry       `json:"entry"`
}

type TransferResponse struct {
	TransferID uuid.UUID          `json:"transfer_id"`
	Wallet     *models.WalletView `json:"wallet"`
	Entry      *LedgerEntry       `json:"entry"`
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger transaction types
const (
	TxTypeGrant       = "grant"
	TxTypeRevoke      = "revoke"
	TxTypeTransferIn  = "transfer_in"
	TxTypeTransferOut = "transfer_out"
	TxTypeFee         = "fee"
	TxTypeTax         = "tax"
	TxTypeRefund      = "refund"
	TxTypeAdjustment  = "adjustment"
)

// TxTypeFallback is written when the store rejects the precise type.
const TxTypeFallback = TxTypeAdjustment

var AllTxTypes = []string{
	TxTypeGrant, TxTypeRevoke, TxTypeTransferIn, TxTypeTransferOut,
	TxTypeFee, TxTypeTax, TxTypeRefund, TxTypeAdjustment,
}

func IsValidTxType(t string) bool {
	for _, tt := range AllTxTypes {
		if tt == t {
			return true
		}
	}
	return false
}

// IsDebit reports whether the type takes funds out of a wallet.
func IsDebit(t string) bool {
	switch t {
	case TxTypeRevoke, TxTypeTransferOut, TxTypeFee, TxTypeTax:
		return true
	default:
		return false
	}
}

// Reference kinds
const (
	RefTypeAdmin    = "admin"
	RefTypeUser     = "user"
	RefTypeTransfer = "transfer"
)

// LedgerEntry is an append-only row of pitd_transactions.
type LedgerEntry struct {
	ID              uuid.UUID       `json:"id"`
	WalletID        uuid.UUID       `json:"wallet_id"`
	TransactionType string          `json:"transaction_type"`
	Amount          decimal.Decimal `json:"amount"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	Description     string          `json:"description"`
	ReferenceID     *uuid.UUID      `json:"reference_id,omitempty"`
	ReferenceType   *string         `json:"reference_type,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

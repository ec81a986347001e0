package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits PITD amounts carry.
const AmountScale = 6

// Wallet is the single PITD wallet of a master user.
type Wallet struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	LockedBalance decimal.Decimal `json:"locked_balance"`
	TotalSpent    decimal.Decimal `json:"total_spent"`
	Address       string          `json:"address"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// WalletView is what wallet queries expose to callers.
type WalletView struct {
	WalletID      uuid.UUID `json:"wallet_id"`
	MasterID      uuid.UUID `json:"master_id"`
	Balance       string    `json:"balance"`
	LockedBalance string    `json:"locked_balance"`
	TotalSpent    string    `json:"total_spent"`
	Address       string    `json:"address"`
}

func (w *Wallet) View(masterID uuid.UUID) *WalletView {
	return &WalletView{
		WalletID:      w.ID,
		MasterID:      masterID,
		Balance:       FormatAmount(w.Balance),
		LockedBalance: FormatAmount(w.LockedBalance),
		TotalSpent:    FormatAmount(w.TotalSpent),
		Address:       w.Address,
	}
}

// FormatAmount renders an amount with the fixed PITD scale, e.g. "150.000000".
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(AmountScale)
}

package services

import (
	"errors"

	"github.com/pitodo/backend/internal/repositories"
)

var (
	ErrIdentityNotFound      = errors.New("identity not found")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrWalletProvisionFailed = errors.New("wallet provisioning failed")
	ErrLedgerWriteFailed     = errors.New("ledger write failed")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrConcurrentUpdate      = errors.New("wallet changed concurrently, retry later")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrPiUnavailable      = errors.New("pi platform unavailable")
)

func isNotFound(err error) bool {
	return errors.Is(err, repositories.ErrNotFound)
}

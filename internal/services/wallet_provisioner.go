package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand/v2"

	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/models"
	"github.com/pitodo/backend/internal/repositories"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultAddressPrefix = "PITD"
	addressBodyLen       = 20
	addressAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	provisionAttempts    = 3
)

// WalletProvisioner guarantees every master user owns exactly one wallet.
type WalletProvisioner struct {
	wallets WalletStore
	prefix  string
	log     *zap.Logger
}

func NewWalletProvisioner(wallets WalletStore, prefix string, log *zap.Logger) *WalletProvisioner {
	if prefix == "" {
		prefix = DefaultAddressPrefix
	}
	return &WalletProvisioner{wallets: wallets, prefix: prefix, log: log}
}

// EnsureWallet returns the wallet of masterID, creating a zero-balance one
// when none exists. Concurrent callers all end up with the same row.
func (p *WalletProvisioner) EnsureWallet(ctx context.Context, masterID uuid.UUID) (*models.Wallet, error) {
	return p.ensure(ctx, p.wallets, masterID)
}

// OwnedWallet returns the newest wallet held by any of owners (the master id
// and its alias ids), so a wallet created under a since-linked alias keeps
// serving the master. Only when none exists is one provisioned for masterID.
func (p *WalletProvisioner) OwnedWallet(ctx context.Context, masterID uuid.UUID, owners []uuid.UUID) (*models.Wallet, error) {
	return p.owned(ctx, p.wallets, masterID, owners)
}

func (p *WalletProvisioner) owned(ctx context.Context, store WalletStore, masterID uuid.UUID, owners []uuid.UUID) (*models.Wallet, error) {
	found, err := store.FindWalletsByUsers(ctx, owners)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	if len(found) > 0 {
		if len(found) > 1 {
			p.log.Warn("several wallets for one master, using newest",
				zap.String("master_id", masterID.String()),
				zap.Int("count", len(found)),
				zap.String("wallet_id", found[0].ID.String()),
			)
		}
		return &found[0], nil
	}
	return p.ensure(ctx, store, masterID)
}

func (p *WalletProvisioner) ensure(ctx context.Context, store WalletStore, masterID uuid.UUID) (w *models.Wallet, err error) {
	ctx, span := tracer.Start(ctx, "Wallet.Provisioner.EnsureWallet",
		trace.WithAttributes(attribute.String("master_id", masterID.String())))
	defer func() { endSpan(span, err) }()

	w, err = store.GetWalletByUser(ctx, masterID)
	if err == nil {
		return w, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("%w: lookup: %v", ErrWalletProvisionFailed, err)
	}

	for attempt := 1; attempt <= provisionAttempts; attempt++ {
		w, err = store.UpsertWallet(ctx, masterID, GenerateAddress(p.prefix))
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, repositories.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %v", ErrWalletProvisionFailed, err)
		}
		p.log.Warn("wallet address collision, regenerating",
			zap.String("master_id", masterID.String()),
			zap.Int("attempt", attempt),
		)
	}
	return nil, fmt.Errorf("%w: no free address after %d attempts", ErrWalletProvisionFailed, provisionAttempts)
}

// GenerateAddress returns prefix followed by 20 random alphanumerics.
func GenerateAddress(prefix string) string {
	out := make([]byte, 0, len(prefix)+addressBodyLen)
	out = append(out, prefix...)

	// 248 is the largest multiple of 62 below 256; rejecting bytes above it
	// keeps every character equally likely.
	const limit = 256 - 256%len(addressAlphabet)
	buf := make([]byte, addressBodyLen*2)
	for len(out) < cap(out) {
		if _, err := rand.Read(buf); err != nil {
			for len(out) < cap(out) {
				out = append(out, addressAlphabet[mrand.IntN(len(addressAlphabet))])
			}
			break
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, addressAlphabet[int(b)%len(addressAlphabet)])
			if len(out) == cap(out) {
				break
			}
		}
	}
	return string(out)
}

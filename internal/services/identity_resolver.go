package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/identity"
	"github.com/pitodo/backend/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// IdentityResolver maps any identifier a caller may present onto exactly one
// master user id. Resolution is read-only except for lazily creating the
// master of an orphan alias, which is idempotent.
type IdentityResolver struct {
	users   UserStore
	aliases AliasStore
	log     *zap.Logger
}

func NewIdentityResolver(users UserStore, aliases AliasStore, log *zap.Logger) *IdentityResolver {
	return &IdentityResolver{users: users, aliases: aliases, log: log}
}

func (r *IdentityResolver) Resolve(ctx context.Context, id identity.Identifier) (masterID uuid.UUID, err error) {
	ctx, span := tracer.Start(ctx, "Identity.Resolver.Resolve",
		trace.WithAttributes(attribute.String("identifier.kind", fmt.Sprintf("%T", id))))
	defer func() { endSpan(span, err) }()

	switch v := id.(type) {
	case identity.UserID:
		return r.resolveUserID(ctx, v.UUID())
	case identity.Username:
		return r.resolveAttribute(ctx, v.Normalized(), r.users.FindMastersByUsername, r.aliases.FindAliasesByUsername)
	case identity.Email:
		return r.resolveAttribute(ctx, v.Normalized(), r.users.FindMastersByEmail, r.aliases.FindAliasesByEmail)
	case identity.NetworkUID:
		return r.resolveAttribute(ctx, string(v), r.users.FindMastersByNetworkUID, r.aliases.FindAliasesByNetworkUID)
	case nil:
		return uuid.Nil, fmt.Errorf("%w: empty identifier", ErrIdentityNotFound)
	default:
		return uuid.Nil, fmt.Errorf("%w: unsupported identifier %T", ErrIdentityNotFound, id)
	}
}

func (r *IdentityResolver) resolveUserID(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	master, err := r.users.GetMaster(ctx, id)
	if err == nil {
		return master.ID, nil
	}
	if !isNotFound(err) {
		return uuid.Nil, fmt.Errorf("load master %s: %w", id, err)
	}

	alias, err := r.aliases.GetAlias(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
		}
		return uuid.Nil, fmt.Errorf("load alias %s: %w", id, err)
	}
	return r.resolveAlias(ctx, alias)
}

type (
	findMasters func(ctx context.Context, key string) ([]models.MasterUser, error)
	findAliases func(ctx context.Context, key string) ([]models.IdentityAlias, error)
)

// resolveAttribute looks the key up on master rows first and only then on
// aliases, so an alias never shadows an established master.
func (r *IdentityResolver) resolveAttribute(ctx context.Context, key string, masters findMasters, aliases findAliases) (uuid.UUID, error) {
	if key == "" {
		return uuid.Nil, fmt.Errorf("%w: empty identifier", ErrIdentityNotFound)
	}

	if id, ok, err := r.canonical(ctx, key, masters); err != nil || ok {
		return id, err
	}

	found, err := aliases(ctx, key)
	if err != nil {
		return uuid.Nil, fmt.Errorf("search aliases: %w", err)
	}
	for i := range found {
		if !found[i].Trusted() {
			continue
		}
		return r.resolveAlias(ctx, &found[i])
	}
	return uuid.Nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, key)
}

func (r *IdentityResolver) canonical(ctx context.Context, key string, find findMasters) (uuid.UUID, bool, error) {
	users, err := find(ctx, key)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("search masters: %w", err)
	}
	master, ok := identity.PickCanonical(users)
	if !ok {
		return uuid.Nil, false, nil
	}
	if len(users) > 1 {
		r.log.Warn("duplicate master rows, using oldest",
			zap.String("key", key),
			zap.Int("count", len(users)),
			zap.String("master_id", master.ID.String()),
		)
	}
	return master.ID, true, nil
}

// resolveAlias follows an alias to its master: the linked master if it still
// exists, then a master sharing its username, then one sharing its network
// uid, and finally a master created under the alias id itself.
func (r *IdentityResolver) resolveAlias(ctx context.Context, alias *models.IdentityAlias) (uuid.UUID, error) {
	if alias.MasterID != nil {
		master, err := r.users.GetMaster(ctx, *alias.MasterID)
		switch {
		case err == nil:
			return master.ID, nil
		case !isNotFound(err):
			return uuid.Nil, fmt.Errorf("load linked master: %w", err)
		}
		r.log.Warn("alias points at missing master",
			zap.String("alias_id", alias.ID.String()),
			zap.String("master_id", alias.MasterID.String()),
		)
	}

	if alias.Trusted() {
		if alias.Username != nil && *alias.Username != "" {
			id, ok, err := r.canonical(ctx, identity.Username(*alias.Username).Normalized(), r.users.FindMastersByUsername)
			if err != nil {
				return uuid.Nil, err
			}
			if ok {
				r.link(ctx, alias, id)
				return id, nil
			}
		}
		if alias.NetworkUID != nil && *alias.NetworkUID != "" {
			id, ok, err := r.canonical(ctx, *alias.NetworkUID, r.users.FindMastersByNetworkUID)
			if err != nil {
				return uuid.Nil, err
			}
			if ok {
				r.link(ctx, alias, id)
				return id, nil
			}
		}
	}

	// an untrusted alias keeps its claimed handles off the master row, or a
	// later verified login with the same username would join it
	candidate := &models.MasterUser{ID: alias.ID, Email: alias.Email}
	if alias.Trusted() {
		candidate.NetworkUID, candidate.Username = alias.NetworkUID, alias.Username
	}
	master, err := r.users.CreateMasterIfAbsent(ctx, candidate)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create master for alias %s: %w", alias.ID, err)
	}
	r.log.Info("master created for alias",
		zap.String("master_id", master.ID.String()),
		zap.String("provider", alias.Provider),
	)
	r.link(ctx, alias, master.ID)
	return master.ID, nil
}

// link is bookkeeping only; resolution never depends on it succeeding.
func (r *IdentityResolver) link(ctx context.Context, alias *models.IdentityAlias, masterID uuid.UUID) {
	if alias.MasterID != nil && *alias.MasterID == masterID {
		return
	}
	if err := r.aliases.LinkAlias(ctx, alias.ID, masterID); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.log.Warn("failed to link alias",
			zap.String("alias_id", alias.ID.String()),
			zap.String("master_id", masterID.String()),
			zap.Error(err),
		)
		return
	}
	alias.MasterID = &masterID
}

// Aliases lists every alias of masterID, including an unlinked alias that
// shares the master's id.
func (r *IdentityResolver) Aliases(ctx context.Context, masterID uuid.UUID) ([]models.IdentityAlias, error) {
	aliases, err := r.aliases.ListAliasesByMaster(ctx, masterID)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	for _, a := range aliases {
		if a.ID == masterID {
			return aliases, nil
		}
	}
	self, err := r.aliases.GetAlias(ctx, masterID)
	switch {
	case err == nil:
		aliases = append(aliases, *self)
	case !isNotFound(err):
		return nil, fmt.Errorf("load alias %s: %w", masterID, err)
	}
	return aliases, nil
}

// WalletOwners returns the master id followed by every alias id of it.
// Legacy wallets may still be owned by one of those alias ids.
func (r *IdentityResolver) WalletOwners(ctx context.Context, masterID uuid.UUID) ([]uuid.UUID, error) {
	aliases, err := r.Aliases(ctx, masterID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(aliases)+1)
	ids = append(ids, masterID)
	for _, a := range aliases {
		if a.ID != masterID {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

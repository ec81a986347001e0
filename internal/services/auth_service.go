package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/auth"
	"github.com/pitodo/backend/internal/config"
	"github.com/pitodo/backend/internal/identity"
	"github.com/pitodo/backend/internal/models"
	"github.com/pitodo/backend/internal/repositories"
	"go.uber.org/zap"
)

// PiVerifier checks a Pi access token; *PiClient implements it.
type PiVerifier interface {
	Me(ctx context.Context, accessToken string) (*PiUser, error)
}

type Session struct {
	Token  string             `json:"token"`
	User   *models.MasterUser `json:"user"`
	Wallet *models.WalletView `json:"wallet"`
}

// AuthService logs users in through one of their aliases and hands out
// sessions bound to the resolved master id.
type AuthService struct {
	users       UserStore
	aliases     AliasStore
	resolver    *IdentityResolver
	provisioner *WalletProvisioner
	pi          PiVerifier
	cfg         *config.Config
	log         *zap.Logger
}

func NewAuthService(
	users UserStore,
	aliases AliasStore,
	resolver *IdentityResolver,
	provisioner *WalletProvisioner,
	pi PiVerifier,
	cfg *config.Config,
	log *zap.Logger,
) *AuthService {
	return &AuthService{
		users:       users,
		aliases:     aliases,
		resolver:    resolver,
		provisioner: provisioner,
		pi:          pi,
		cfg:         cfg,
		log:         log,
	}
}

func (s *AuthService) LoginPi(ctx context.Context, accessToken string) (*Session, error) {
	piUser, err := s.pi.Me(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	alias, err := s.aliases.UpsertPiAlias(ctx, piUser.UID, piUser.Username)
	if err != nil {
		return nil, fmt.Errorf("upsert pi alias: %w", err)
	}
	return s.session(ctx, alias)
}

func (s *AuthService) RegisterEmail(ctx context.Context, email, password, username string) (*Session, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	email = identity.Email(email).Normalized()
	alias := &models.IdentityAlias{
		Email:        &email,
		PasswordHash: &hash,
	}
	if u := strings.TrimSpace(username); u != "" {
		alias.Username = &u
	}

	if err := s.aliases.CreateEmailAlias(ctx, alias); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create email alias: %w", err)
	}
	s.log.Info("email alias registered", zap.String("alias_id", alias.ID.String()))
	return s.session(ctx, alias)
}

func (s *AuthService) LoginEmail(ctx context.Context, email, password string) (*Session, error) {
	aliases, err := s.aliases.FindAliasesByEmail(ctx, identity.Email(email).Normalized())
	if err != nil {
		return nil, fmt.Errorf("find alias: %w", err)
	}

	for i := range aliases {
		a := &aliases[i]
		if a.Provider != models.ProviderEmail || a.PasswordHash == nil {
			continue
		}
		ok, err := auth.CheckPassword(*a.PasswordHash, password)
		if err != nil {
			s.log.Warn("stored password hash unreadable", zap.String("alias_id", a.ID.String()), zap.Error(err))
			continue
		}
		if ok {
			return s.session(ctx, a)
		}
	}
	return nil, ErrInvalidCredentials
}

func (s *AuthService) session(ctx context.Context, alias *models.IdentityAlias) (*Session, error) {
	masterID, err := s.resolver.Resolve(ctx, identity.UserID(alias.ID))
	if err != nil {
		return nil, err
	}
	master, err := s.users.GetMaster(ctx, masterID)
	if err != nil {
		return nil, fmt.Errorf("load master: %w", err)
	}
	owners, err := s.resolver.WalletOwners(ctx, masterID)
	if err != nil {
		return nil, err
	}
	wallet, err := s.provisioner.OwnedWallet(ctx, masterID, owners)
	if err != nil {
		return nil, err
	}

	token, err := auth.GenerateJWT(s.cfg.JWTSecret, masterID, alias.Provider, s.cfg.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	s.touch(ctx, masterID)
	s.log.Info("session issued",
		zap.String("master_id", masterID.String()),
		zap.String("user", master.DisplayName()),
		zap.String("provider", alias.Provider),
	)
	return &Session{Token: token, User: master, Wallet: wallet.View(masterID)}, nil
}

func (s *AuthService) Me(ctx context.Context, masterID uuid.UUID) (*models.MasterUser, error) {
	master, err := s.users.GetMaster(ctx, masterID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrIdentityNotFound
		}
		return nil, err
	}
	return master, nil
}

// Ping records activity. Failures are only logged.
func (s *AuthService) Ping(ctx context.Context, masterID uuid.UUID) {
	s.touch(ctx, masterID)
}

func (s *AuthService) touch(ctx context.Context, masterID uuid.UUID) {
	if err := s.users.TouchLastSeen(ctx, masterID); err != nil {
		s.log.Warn("failed to update last seen", zap.String("master_id", masterID.String()), zap.Error(err))
	}
}

package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pitodo/backend/internal/models"
)

type AliasRepo struct {
	db DBTX
}

func NewAliasRepo(db DBTX) *AliasRepo {
	return &AliasRepo{db: db}
}

const aliasColumns = `id, master_id, provider, network_uid, username, email, password_hash,
	role, verified, provider_approved, created_at`

func scanAlias(row pgx.Row) (*models.IdentityAlias, error) {
	var a models.IdentityAlias
	err := row.Scan(&a.ID, &a.MasterID, &a.Provider, &a.NetworkUID, &a.Username, &a.Email, &a.PasswordHash,
		&a.Role, &a.Verified, &a.ProviderApproved, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *AliasRepo) queryAliases(ctx context.Context, where string, arg any) ([]models.IdentityAlias, error) {
	rows, err := r.db.Query(ctx, `SELECT `+aliasColumns+` FROM identity_aliases WHERE `+where+` ORDER BY created_at ASC, id ASC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []models.IdentityAlias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		aliases = append(aliases, *a)
	}
	return aliases, rows.Err()
}

func (r *AliasRepo) GetAlias(ctx context.Context, id uuid.UUID) (*models.IdentityAlias, error) {
	return scanAlias(r.db.QueryRow(ctx, `SELECT `+aliasColumns+` FROM identity_aliases WHERE id = $1`, id))
}

func (r *AliasRepo) FindAliasesByUsername(ctx context.Context, username string) ([]models.IdentityAlias, error) {
	return r.queryAliases(ctx, `lower(username) = lower($1)`, username)
}

func (r *AliasRepo) FindAliasesByEmail(ctx context.Context, email string) ([]models.IdentityAlias, error) {
	return r.queryAliases(ctx, `lower(email) = lower($1)`, email)
}

func (r *AliasRepo) FindAliasesByNetworkUID(ctx context.Context, uid string) ([]models.IdentityAlias, error) {
	return r.queryAliases(ctx, `network_uid = $1`, uid)
}

func (r *AliasRepo) ListAliasesByMaster(ctx context.Context, masterID uuid.UUID) ([]models.IdentityAlias, error) {
	return r.queryAliases(ctx, `master_id = $1`, masterID)
}

// LinkAlias attaches an alias to its master; an existing link is left alone.
func (r *AliasRepo) LinkAlias(ctx context.Context, aliasID, masterID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE identity_aliases SET master_id = $1
		WHERE id = $2 AND master_id IS NULL
	`, masterID, aliasID)
	return err
}

// UpsertPiAlias records a Pi Network login keyed on the network uid.
func (r *AliasRepo) UpsertPiAlias(ctx context.Context, uid, username string) (*models.IdentityAlias, error) {
	return scanAlias(r.db.QueryRow(ctx, `
		INSERT INTO identity_aliases (provider, network_uid, username, role, verified)
		VALUES ('pi', $1, NULLIF($2, ''), 'user', true)
		ON CONFLICT (network_uid) WHERE provider = 'pi' DO UPDATE SET
			username = COALESCE(EXCLUDED.username, identity_aliases.username),
			verified = true
		RETURNING `+aliasColumns, uid, username))
}

// CreateEmailAlias inserts an email/password alias; a taken email is ErrDuplicate.
func (r *AliasRepo) CreateEmailAlias(ctx context.Context, a *models.IdentityAlias) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO identity_aliases (provider, username, email, password_hash, role, verified)
		VALUES ('email', $1, lower($2), $3, 'user', false)
		RETURNING id, role, created_at
	`, a.Username, a.Email, a.PasswordHash).Scan(&a.ID, &a.Role, &a.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err, "") {
			return ErrDuplicate
		}
		return err
	}
	a.Provider = models.ProviderEmail
	return nil
}

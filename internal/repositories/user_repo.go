package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pitodo/backend/internal/models"
)

type UserRepo struct {
	db DBTX
}

func NewUserRepo(db DBTX) *UserRepo {
	return &UserRepo{db: db}
}

const masterColumns = `id, network_uid, username, email, created_at, last_seen_at`

func scanMaster(row pgx.Row) (*models.MasterUser, error) {
	var u models.MasterUser
	if err := row.Scan(&u.ID, &u.NetworkUID, &u.Username, &u.Email, &u.CreatedAt, &u.LastSeenAt); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func collectMasters(rows pgx.Rows) ([]models.MasterUser, error) {
	defer rows.Close()

	var users []models.MasterUser
	for rows.Next() {
		u, err := scanMaster(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (r *UserRepo) GetMaster(ctx context.Context, id uuid.UUID) (*models.MasterUser, error) {
	return scanMaster(r.db.QueryRow(ctx, `SELECT `+masterColumns+` FROM master_users WHERE id = $1`, id))
}

// FindMastersByUsername matches case-insensitively and returns every row,
// oldest first, so duplicates stay visible to the caller.
func (r *UserRepo) FindMastersByUsername(ctx context.Context, username string) ([]models.MasterUser, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+masterColumns+`
		FROM master_users WHERE lower(username) = lower($1)
		ORDER BY created_at ASC, id ASC
	`, username)
	if err != nil {
		return nil, err
	}
	return collectMasters(rows)
}

func (r *UserRepo) FindMastersByEmail(ctx context.Context, email string) ([]models.MasterUser, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+masterColumns+`
		FROM master_users WHERE lower(email) = lower($1)
		ORDER BY created_at ASC, id ASC
	`, email)
	if err != nil {
		return nil, err
	}
	return collectMasters(rows)
}

func (r *UserRepo) FindMastersByNetworkUID(ctx context.Context, uid string) ([]models.MasterUser, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+masterColumns+`
		FROM master_users WHERE network_uid = $1
		ORDER BY created_at ASC, id ASC
	`, uid)
	if err != nil {
		return nil, err
	}
	return collectMasters(rows)
}

// CreateMasterIfAbsent inserts the row keyed on u.ID unless it already exists
// and returns whatever row is stored under that id afterwards.
func (r *UserRepo) CreateMasterIfAbsent(ctx context.Context, u *models.MasterUser) (*models.MasterUser, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO master_users (id, network_uid, username, email)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, u.ID, u.NetworkUID, u.Username, u.Email)
	if err != nil {
		return nil, err
	}
	return r.GetMaster(ctx, u.ID)
}

func (r *UserRepo) TouchLastSeen(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE master_users SET last_seen_at = $1 WHERE id = $2`, time.Now(), id)
	return err
}

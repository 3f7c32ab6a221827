package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tour-badges/badge-issuer/internal/domain"
)

// UserRepository defines persistence access for enrolled users.
type UserRepository interface {
	ListPending(ctx context.Context) ([]domain.User, error)
	MarkIssued(ctx context.Context, ids []int64) error
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByBadgrUsername(ctx context.Context, username string) (*domain.User, error)
	UpdateTokens(ctx context.Context, id int64, tokens domain.TokenSet) error
	RecordBadge(ctx context.Context, id int64, badgeID string) error
	CreateIfAbsent(ctx context.Context, user *domain.User) (bool, error)
	MarkPending(ctx context.Context, id int64) error
	UpsertBadgeCredentials(ctx context.Context, user *domain.User, tokens domain.TokenSet) (bool, error)
}

// DB is the part of *pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type userRepository struct {
	pool DB
}

// NewUserRepository returns a Postgres-backed implementation.
func NewUserRepository(pool DB) UserRepository {
	return &userRepository{pool: pool}
}

const userColumns = `
        id, email, name, provider, status, badge_received, badgr_username,
        encrypted_bearer_token, encrypted_refresh_token, token_expires_at,
        badge_assertion_id, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Provider,
		&user.Status,
		&user.BadgeReceived,
		&user.BadgrUsername,
		&user.EncryptedBearerToken,
		&user.EncryptedRefreshToken,
		&user.TokenExpiresAt,
		&user.BadgeAssertionID,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) ListPending(ctx context.Context) ([]domain.User, error) {
	query := `SELECT` + userColumns + `
        FROM users
        WHERE status = $1 AND badge_received = FALSE
        ORDER BY id`

	rows, err := r.pool.Query(ctx, query, domain.IssuanceStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func (r *userRepository) MarkIssued(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `
        UPDATE users SET status = $1, badge_received = TRUE, updated_at = NOW()
        WHERE id = ANY($2)`

	_, err := r.pool.Exec(ctx, query, domain.IssuanceStatusIssued, ids)
	return err
}

func (r *userRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	query := `SELECT` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(r.pool.QueryRow(ctx, query, email))
}

func (r *userRepository) GetByBadgrUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `SELECT` + userColumns + ` FROM users WHERE badgr_username = $1 LIMIT 1`
	return scanUser(r.pool.QueryRow(ctx, query, username))
}

func (r *userRepository) UpdateTokens(ctx context.Context, id int64, tokens domain.TokenSet) error {
	const query = `
        UPDATE users
        SET encrypted_bearer_token = $1,
            encrypted_refresh_token = $2,
            token_expires_at = $3,
            updated_at = NOW()
        WHERE id = $4`

	cmd, err := r.pool.Exec(ctx, query, tokens.EncryptedAccess, tokens.EncryptedRefresh, tokens.ExpiresAt.UTC(), id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *userRepository) RecordBadge(ctx context.Context, id int64, badgeID string) error {
	const query = `UPDATE users SET badge_assertion_id = $1, updated_at = NOW() WHERE id = $2`

	cmd, err := r.pool.Exec(ctx, query, badgeID, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *userRepository) CreateIfAbsent(ctx context.Context, user *domain.User) (bool, error) {
	const query = `
        INSERT INTO users (email, name, provider, status)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (email) DO NOTHING
        RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		user.Email,
		user.Name,
		user.Provider,
		domain.IssuanceStatusRegistered,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	user.Status = domain.IssuanceStatusRegistered
	return true, nil
}

func (r *userRepository) MarkPending(ctx context.Context, id int64) error {
	const query = `
        UPDATE users SET status = $1, updated_at = NOW()
        WHERE id = $2 AND status = $3 AND badge_received = FALSE`

	cmd, err := r.pool.Exec(ctx, query, domain.IssuanceStatusPending, id, domain.IssuanceStatusRegistered)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// UpsertBadgeCredentials enrolls or updates a user by email with badge-provider credentials.
// It reports whether a new row was inserted.
func (r *userRepository) UpsertBadgeCredentials(ctx context.Context, user *domain.User, tokens domain.TokenSet) (bool, error) {
	const query = `
        INSERT INTO users (email, name, provider, status, badgr_username,
                           encrypted_bearer_token, encrypted_refresh_token, token_expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (email) DO UPDATE
        SET badgr_username = EXCLUDED.badgr_username,
            encrypted_bearer_token = EXCLUDED.encrypted_bearer_token,
            encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
            token_expires_at = EXCLUDED.token_expires_at,
            updated_at = NOW()
        RETURNING id, name, status, badge_received, created_at, updated_at, (xmax = 0) AS inserted`

	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		user.Email,
		user.Name,
		user.Provider,
		domain.IssuanceStatusRegistered,
		user.BadgrUsername,
		tokens.EncryptedAccess,
		tokens.EncryptedRefresh,
		tokens.ExpiresAt.UTC(),
	).Scan(&user.ID, &user.Name, &user.Status, &user.BadgeReceived, &user.CreatedAt, &user.UpdatedAt, &inserted)
	if err != nil {
		return false, err
	}

	access, refresh, expires := tokens.EncryptedAccess, tokens.EncryptedRefresh, tokens.ExpiresAt
	user.EncryptedBearerToken = &access
	user.EncryptedRefreshToken = &refresh
	user.TokenExpiresAt = &expires
	return inserted, nil
}

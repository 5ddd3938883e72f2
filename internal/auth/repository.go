package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PgxConn is the subset of *pgxpool.Pool the repository needs.
type PgxConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository is the Postgres implementation of Store.
type Repository struct {
	db PgxConn
}

var _ Store = (*Repository)(nil)

func NewRepository(db PgxConn) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, email, name, password_hash, role, is_active, failed_login_attempts, lock_until, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var user User
	var role string
	err := row.Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &role, &user.IsActive,
		&user.FailedLoginAttempts, &user.LockUntil, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	user.Role = Role(role)
	return user, nil
}

func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1
	`, NormalizeEmail(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user by email: %w", err)
	}

	return &user, nil
}

func (r *Repository) FindUserByID(ctx context.Context, id string) (*User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}

	return &user, nil
}

func (r *Repository) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return User{}, fmt.Errorf("generate uuid v7: %w", err)
		}
		user.ID = id.String()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = user.CreatedAt
	user.Email = NormalizeEmail(user.Email)

	_, err := r.db.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, user.ID, user.Email, user.Name, user.PasswordHash, string(user.Role), user.IsActive,
		user.FailedLoginAttempts, user.LockUntil, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

func (r *Repository) SaveUser(ctx context.Context, user User) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users
		SET name = $2, password_hash = $3, role = $4, is_active = $5,
			failed_login_attempts = $6, lock_until = $7, updated_at = $8
		WHERE id = $1
	`, user.ID, user.Name, user.PasswordHash, string(user.Role), user.IsActive,
		user.FailedLoginAttempts, user.LockUntil, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

func (r *Repository) RecordFailedLogin(ctx context.Context, userID string, policy LockoutPolicy, now time.Time) (User, error) {
	policy = policy.normalized()
	lockUntil := now.UTC().Add(policy.Duration)

	user, err := scanUser(r.db.QueryRow(ctx, `
		UPDATE users
		SET
			failed_login_attempts = CASE
				WHEN failed_login_attempts + 1 >= $2 THEN 0
				ELSE failed_login_attempts + 1
			END,
			lock_until = CASE
				WHEN failed_login_attempts + 1 >= $2 THEN $3
				ELSE lock_until
			END,
			updated_at = $4
		WHERE id = $1
		RETURNING `+userColumns+`
	`, userID, policy.Threshold, lockUntil, now.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("increment failed logins: %w", err)
	}

	return user, nil
}

func (r *Repository) ResetLoginFailures(ctx context.Context, userID string, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, lock_until = NULL, updated_at = $2
		WHERE id = $1
	`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

func (r *Repository) DeactivateUser(ctx context.Context, userID string, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users
		SET is_active = FALSE, updated_at = $2
		WHERE id = $1
	`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

const refreshTokenColumns = `id, user_id, token_hash, expires_at, created_by_ip, revoked_at, revoked_by_ip, revoke_reason, replaced_by_token, created_at`

func (r *Repository) CreateRefreshToken(ctx context.Context, token RefreshToken) (RefreshToken, error) {
	token, err := prepareRefreshToken(token)
	if err != nil {
		return RefreshToken{}, err
	}

	if err := insertRefreshToken(ctx, r.db, token); err != nil {
		return RefreshToken{}, err
	}

	return token, nil
}

func prepareRefreshToken(token RefreshToken) (RefreshToken, error) {
	if token.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return RefreshToken{}, fmt.Errorf("generate refresh token id: %w", err)
		}
		token.ID = id.String()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	return token, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertRefreshToken(ctx context.Context, db execer, token RefreshToken) error {
	_, err := db.Exec(ctx, `
		INSERT INTO refresh_tokens (`+refreshTokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, token.ID, token.UserID, token.TokenHash, token.ExpiresAt.UTC(), token.CreatedByIP,
		token.RevokedAt, token.RevokedByIP, token.RevokeReason, token.ReplacedByToken, token.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrTokenHashCollision
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *Repository) FindActiveRefreshTokenByHash(ctx context.Context, tokenHash string, now time.Time) (*RefreshToken, *User, error) {
	var token RefreshToken
	var user User
	var role string
	err := r.db.QueryRow(ctx, `
		SELECT
			t.id, t.user_id, t.token_hash, t.expires_at, t.created_by_ip, t.revoked_at,
			t.revoked_by_ip, t.revoke_reason, t.replaced_by_token, t.created_at,
			u.id, u.email, u.name, u.password_hash, u.role, u.is_active,
			u.failed_login_attempts, u.lock_until, u.created_at, u.updated_at
		FROM refresh_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1
		  AND t.revoked_at IS NULL
		  AND t.expires_at > $2
	`, tokenHash, now.UTC()).Scan(
		&token.ID, &token.UserID, &token.TokenHash, &token.ExpiresAt, &token.CreatedByIP, &token.RevokedAt,
		&token.RevokedByIP, &token.RevokeReason, &token.ReplacedByToken, &token.CreatedAt,
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &role, &user.IsActive,
		&user.FailedLoginAttempts, &user.LockUntil, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("query refresh token: %w", err)
	}
	user.Role = Role(role)

	return &token, &user, nil
}

func (r *Repository) RotateRefreshToken(ctx context.Context, oldID, revokedByIP string, successor RefreshToken, now time.Time) (bool, error) {
	successor, err := prepareRefreshToken(successor)
	if err != nil {
		return false, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoked_by_ip = $3, revoke_reason = $4, replaced_by_token = $5
		WHERE id = $1
		  AND revoked_at IS NULL
		  AND expires_at > $2
	`, oldID, now.UTC(), revokedByIP, RevokeReasonRotated, successor.ID)
	if err != nil {
		return false, fmt.Errorf("revoke rotated refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertRefreshToken(ctx, tx, successor); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	return true, nil
}

func (r *Repository) RevokeRefreshTokenIfActive(ctx context.Context, tokenID, revokedByIP, reason string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoked_by_ip = $3, revoke_reason = $4
		WHERE id = $1
		  AND revoked_at IS NULL
		  AND expires_at > $2
	`, tokenID, now.UTC(), revokedByIP, reason)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *Repository) RevokeAllActiveForUser(ctx context.Context, userID, reason string, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoke_reason = $3
		WHERE user_id = $1
		  AND revoked_at IS NULL
	`, userID, now.UTC(), reason)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (r *Repository) AppendLoginAttempt(ctx context.Context, attempt LoginAttempt) error {
	if attempt.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate login attempt id: %w", err)
		}
		attempt.ID = id.String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	var userID *string
	if attempt.UserID != "" {
		userID = &attempt.UserID
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO login_attempts (id, email, user_id, ip, user_agent, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, attempt.ID, NormalizeEmail(attempt.Email), userID, attempt.IP, attempt.UserAgent, attempt.Success, attempt.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}

	return nil
}

func (r *Repository) ListLoginAttempts(ctx context.Context, limit int) ([]LoginAttempt, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, email, user_id, ip, user_agent, success, created_at
		FROM login_attempts
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query login attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]LoginAttempt, 0, limit)
	for rows.Next() {
		var attempt LoginAttempt
		var userID *string
		if err := rows.Scan(&attempt.ID, &attempt.Email, &userID, &attempt.IP, &attempt.UserAgent, &attempt.Success, &attempt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan login attempt: %w", err)
		}
		if userID != nil {
			attempt.UserID = *userID
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login attempts: %w", err)
	}

	return attempts, nil
}

// PurgeStaleRefreshTokens deletes at most batchSize tokens that expired or
// were revoked before cutoff.
func (r *Repository) PurgeStaleRefreshTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	tag, err := r.db.Exec(ctx, `
		WITH stale AS (
			SELECT id
			FROM refresh_tokens
			WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	return tag.RowsAffected(), nil
}

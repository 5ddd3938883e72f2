package auth

import (
	"context"
	"time"
)

// Store is the persistence boundary of the session engine. Lookups return a
// nil record and a nil error when nothing matches.
type Store interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, user User) (User, error)
	SaveUser(ctx context.Context, user User) error
	ListUsers(ctx context.Context) ([]User, error)

	// RecordFailedLogin applies policy.Fail to the stored counters in a single
	// atomic step and returns the updated user.
	RecordFailedLogin(ctx context.Context, userID string, policy LockoutPolicy, now time.Time) (User, error)
	// ResetLoginFailures clears the failure counter and lock window without
	// touching any other column.
	ResetLoginFailures(ctx context.Context, userID string, now time.Time) error
	DeactivateUser(ctx context.Context, userID string, now time.Time) error

	CreateRefreshToken(ctx context.Context, token RefreshToken) (RefreshToken, error)
	FindActiveRefreshTokenByHash(ctx context.Context, tokenHash string, now time.Time) (*RefreshToken, *User, error)

	// RotateRefreshToken revokes oldID only if it is still active, pointing it
	// at successor, and inserts successor. It reports false when oldID was no
	// longer active; nothing is written in that case.
	RotateRefreshToken(ctx context.Context, oldID, revokedByIP string, successor RefreshToken, now time.Time) (bool, error)
	RevokeRefreshTokenIfActive(ctx context.Context, tokenID, revokedByIP, reason string, now time.Time) (bool, error)
	RevokeAllActiveForUser(ctx context.Context, userID, reason string, now time.Time) (int64, error)

	AppendLoginAttempt(ctx context.Context, attempt LoginAttempt) error
	ListLoginAttempts(ctx context.Context, limit int) ([]LoginAttempt, error)

	PurgeStaleRefreshTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

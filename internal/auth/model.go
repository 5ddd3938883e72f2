package auth

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Revoke reasons stamped on refresh tokens.
const (
	RevokeReasonRotated   = "rotated"
	RevokeReasonLogout    = "logout"
	RevokeReasonLogoutAll = "logout-all"
)

type User struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	Name                string     `json:"name"`
	PasswordHash        string     `json:"-"`
	Role                Role       `json:"role"`
	IsActive            bool       `json:"is_active"`
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	LockUntil           *time.Time `json:"lock_until,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshToken is the stored side of a refresh secret. TokenHash is the
// SHA-256 of the plain secret; the plain secret itself is never persisted.
type RefreshToken struct {
	ID              string
	UserID          string
	TokenHash       string
	ExpiresAt       time.Time
	CreatedByIP     string
	RevokedAt       *time.Time
	RevokedByIP     string
	RevokeReason    string
	ReplacedByToken string
	CreatedAt       time.Time
}

func (t RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && !t.IsExpired(now)
}

type LoginAttempt struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	UserID    string    `json:"user_id,omitempty"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

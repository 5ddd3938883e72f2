package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anushkaabajpaiii/auth-vault/internal/observability"
)

const (
	refreshTTL          = 7 * 24 * time.Hour
	tokenTypeBearer     = "Bearer"
	loginAttemptsListed = 50
)

// Service is the session manager. It keeps no mutable state of its own; every
// shared counter and token lives in the Store.
type Service struct {
	store      Store
	codec      *TokenCodec
	passwords  PasswordHasher
	lockout    LockoutPolicy
	refreshTTL time.Duration
	logger     *observability.Logger
	metrics    *observability.SessionMetrics
	now        func() time.Time
}

func NewService(store Store, codec *TokenCodec, passwords PasswordHasher) *Service {
	return &Service{
		store:      store,
		codec:      codec,
		passwords:  passwords,
		lockout:    DefaultLockoutPolicy(),
		refreshTTL: refreshTTL,
		logger:     observability.NewLogger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration) {
	if maxAttempts > 0 {
		s.lockout.Threshold = maxAttempts
	}
	if lockDuration > 0 {
		s.lockout.Duration = lockDuration
	}
}

func (s *Service) WithObservability(logger *observability.Logger, metrics *observability.SessionMetrics) {
	if logger != nil {
		s.logger = logger
	}
	s.metrics = metrics
}

type LoginInput struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
}

func (s *Service) Login(ctx context.Context, in LoginInput) (Tokens, error) {
	email := NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		s.metrics.RecordLogin(ctx, "invalid_credentials")
		return Tokens{}, ErrInvalidCredentials
	}

	now := s.now()
	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		return Tokens{}, persistenceError("find user by email", err)
	}
	if user == nil {
		s.recordAttempt(ctx, in, email, "", false)
		s.metrics.RecordLogin(ctx, "invalid_credentials")
		return Tokens{}, ErrInvalidCredentials
	}

	if !user.IsActive {
		s.recordAttempt(ctx, in, email, user.ID, false)
		s.metrics.RecordLogin(ctx, "inactive")
		return Tokens{}, ErrAccountInactive
	}

	if s.lockout.Locked(*user, now) {
		s.recordAttempt(ctx, in, email, user.ID, false)
		s.metrics.RecordLogin(ctx, "locked")
		return Tokens{}, ErrAccountLocked{Until: *user.LockUntil}
	}

	if !s.passwords.Verify(user.PasswordHash, in.Password) {
		updated, err := s.store.RecordFailedLogin(ctx, user.ID, s.lockout, now)
		if err != nil {
			return Tokens{}, persistenceError("record failed login", err)
		}
		if newlyLocked(*user, updated) {
			s.metrics.RecordLockout(ctx)
			s.logger.Warn("account_locked", map[string]any{
				"user_id":    user.ID,
				"lock_until": updated.LockUntil.Format(time.RFC3339),
			})
		}
		s.recordAttempt(ctx, in, email, user.ID, false)
		s.metrics.RecordLogin(ctx, "invalid_credentials")
		return Tokens{}, ErrInvalidCredentials
	}

	if s.lockout.dirty(*user) {
		if err := s.store.ResetLoginFailures(ctx, user.ID, now); err != nil {
			return Tokens{}, persistenceError("reset lockout", err)
		}
		s.lockout.Succeed(user)
	}

	tokens, err := s.issueTokens(ctx, *user, in.IP, now)
	if err != nil {
		return Tokens{}, err
	}

	s.recordAttempt(ctx, in, email, user.ID, true)
	s.metrics.RecordLogin(ctx, "success")
	return tokens, nil
}

func newlyLocked(before, after User) bool {
	if after.LockUntil == nil {
		return false
	}
	return before.LockUntil == nil || !before.LockUntil.Equal(*after.LockUntil)
}

// Refresh consumes refreshToken and returns a fresh pair. Unknown, expired,
// revoked and already rotated secrets all fail with ErrInvalidToken.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		s.metrics.RecordRefresh(ctx, "invalid")
		return Tokens{}, ErrInvalidToken
	}

	now := s.now()
	current, owner, err := s.store.FindActiveRefreshTokenByHash(ctx, HashRefreshSecret(refreshToken), now)
	if err != nil {
		return Tokens{}, persistenceError("find refresh token", err)
	}
	if current == nil || owner == nil || !owner.IsActive {
		s.metrics.RecordRefresh(ctx, "invalid")
		return Tokens{}, ErrInvalidToken
	}

	plain, hash, err := MintRefreshSecret()
	if err != nil {
		return Tokens{}, err
	}
	successorID, err := uuid.NewV7()
	if err != nil {
		return Tokens{}, fmt.Errorf("generate refresh token id: %w", err)
	}
	successor := RefreshToken{
		ID:          successorID.String(),
		UserID:      owner.ID,
		TokenHash:   hash,
		ExpiresAt:   now.Add(s.refreshTTL),
		CreatedByIP: ip,
		CreatedAt:   now,
	}

	rotated, err := s.store.RotateRefreshToken(ctx, current.ID, ip, successor, now)
	if err != nil {
		return Tokens{}, persistenceError("rotate refresh token", err)
	}
	if !rotated {
		// another request consumed the same secret first
		s.metrics.RecordRefresh(ctx, "reuse")
		return Tokens{}, ErrInvalidToken
	}

	access, expiresIn, err := s.issueAccessToken(*owner)
	if err != nil {
		return Tokens{}, err
	}

	s.metrics.RecordRefresh(ctx, "success")
	return Tokens{
		AccessToken:  access,
		RefreshToken: plain,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    expiresIn,
	}, nil
}

// Logout revokes the presented refresh token if it is still active. It
// reports success for unknown or already revoked tokens.
func (s *Service) Logout(ctx context.Context, refreshToken, ip string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}

	now := s.now()
	current, _, err := s.store.FindActiveRefreshTokenByHash(ctx, HashRefreshSecret(refreshToken), now)
	if err != nil {
		return persistenceError("find refresh token", err)
	}
	if current == nil {
		return nil
	}

	revoked, err := s.store.RevokeRefreshTokenIfActive(ctx, current.ID, ip, RevokeReasonLogout, now)
	if err != nil {
		return persistenceError("revoke refresh token", err)
	}
	if revoked {
		s.metrics.RecordRevocations(ctx, RevokeReasonLogout, 1)
	}

	return nil
}

func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	count, err := s.store.RevokeAllActiveForUser(ctx, userID, RevokeReasonLogoutAll, s.now())
	if err != nil {
		return 0, persistenceError("revoke user refresh tokens", err)
	}

	s.metrics.RecordRevocations(ctx, RevokeReasonLogoutAll, count)
	return count, nil
}

func (s *Service) VerifyAccessToken(token string) (Claims, error) {
	return s.codec.VerifyAccessToken(token)
}

// CurrentUser resolves the subject of verified claims to a live account.
func (s *Service) CurrentUser(ctx context.Context, claims Claims) (User, error) {
	user, err := s.store.FindUserByID(ctx, claims.Subject)
	if err != nil {
		return User{}, persistenceError("find user by id", err)
	}
	if user == nil || !user.IsActive {
		return User{}, ErrInvalidToken
	}
	return *user, nil
}

type RegisterInput struct {
	Name     string
	Email    string
	Password string
	IP       string
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (User, Tokens, error) {
	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return User{}, Tokens{}, err
	}

	now := s.now()
	user, err := s.store.CreateUser(ctx, User{
		Email:        NormalizeEmail(in.Email),
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hash,
		Role:         RoleUser,
		IsActive:     true,
		CreatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return User{}, Tokens{}, ErrEmailTaken
		}
		return User{}, Tokens{}, persistenceError("create user", err)
	}

	tokens, err := s.issueTokens(ctx, user, in.IP, now)
	if err != nil {
		return User{}, Tokens{}, err
	}

	return user, tokens, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, persistenceError("list users", err)
	}
	return users, nil
}

func (s *Service) DeactivateUser(ctx context.Context, userID string) error {
	if err := s.store.DeactivateUser(ctx, userID, s.now()); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return persistenceError("deactivate user", err)
	}
	return nil
}

func (s *Service) RecentLoginAttempts(ctx context.Context) ([]LoginAttempt, error) {
	attempts, err := s.store.ListLoginAttempts(ctx, loginAttemptsListed)
	if err != nil {
		return nil, persistenceError("list login attempts", err)
	}
	return attempts, nil
}

// BootstrapAdmin ensures an active admin account with the given credentials.
// Both values empty is a no-op.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = NormalizeEmail(email)
	password = strings.TrimSpace(password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("%w: ADMIN_EMAIL and ADMIN_PASSWORD are required together", ErrConfiguration)
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return err
	}

	existing, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		return persistenceError("find admin", err)
	}
	if existing == nil {
		if _, err := s.store.CreateUser(ctx, User{
			Email:        email,
			Name:         "Administrator",
			PasswordHash: hash,
			Role:         RoleAdmin,
			IsActive:     true,
			CreatedAt:    s.now(),
		}); err != nil {
			return persistenceError("create admin", err)
		}
		return nil
	}

	existing.PasswordHash = hash
	existing.Role = RoleAdmin
	existing.IsActive = true
	s.lockout.Succeed(existing)
	if err := s.store.SaveUser(ctx, *existing); err != nil {
		return persistenceError("update admin", err)
	}
	return nil
}

func (s *Service) issueTokens(ctx context.Context, user User, ip string, now time.Time) (Tokens, error) {
	access, expiresIn, err := s.issueAccessToken(user)
	if err != nil {
		return Tokens{}, err
	}

	plain, hash, err := MintRefreshSecret()
	if err != nil {
		return Tokens{}, err
	}
	if _, err := s.store.CreateRefreshToken(ctx, RefreshToken{
		UserID:      user.ID,
		TokenHash:   hash,
		ExpiresAt:   now.Add(s.refreshTTL),
		CreatedByIP: ip,
		CreatedAt:   now,
	}); err != nil {
		return Tokens{}, persistenceError("create refresh token", err)
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: plain,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    expiresIn,
	}, nil
}

func (s *Service) issueAccessToken(user User) (string, int64, error) {
	access, _, err := s.codec.IssueAccessToken(user)
	if err != nil {
		return "", 0, err
	}
	return access, int64(s.codec.AccessTTL().Seconds()), nil
}

func (s *Service) recordAttempt(ctx context.Context, in LoginInput, email, userID string, success bool) {
	err := s.store.AppendLoginAttempt(ctx, LoginAttempt{
		Email:     email,
		UserID:    userID,
		IP:        in.IP,
		UserAgent: in.UserAgent,
		Success:   success,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.logger.Error("login_attempt_append_failed", map[string]any{"error": err.Error()})
	}
}

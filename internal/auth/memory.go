package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps all records in process. It serializes every mutation
// behind one lock, which gives the same conditional-update guarantees as the
// Postgres repository for a single instance.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]User
	emailIndex    map[string]string
	refreshTokens map[string]RefreshToken
	hashIndex     map[string]string
	attempts      []LoginAttempt
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]User),
		emailIndex:    make(map[string]string),
		refreshTokens: make(map[string]RefreshToken),
		hashIndex:     make(map[string]string),
	}
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func cloneUser(user User) *User {
	if user.LockUntil != nil {
		until := *user.LockUntil
		user.LockUntil = &until
	}
	return &user
}

func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emailIndex[NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return cloneUser(s.users[id]), nil
}

func (s *MemoryStore) FindUserByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return cloneUser(user), nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Email = NormalizeEmail(user.Email)
	if _, exists := s.emailIndex[user.Email]; exists {
		return User{}, ErrEmailTaken
	}
	if user.ID == "" {
		id, err := newID()
		if err != nil {
			return User{}, err
		}
		user.ID = id
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt

	s.users[user.ID] = *cloneUser(user)
	s.emailIndex[user.Email] = user.ID
	return user, nil
}

func (s *MemoryStore) SaveUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.users[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	// email is immutable once registered
	user.Email = current.Email
	user.CreatedAt = current.CreatedAt
	user.UpdatedAt = time.Now().UTC()
	s.users[user.ID] = *cloneUser(user)
	return nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, *cloneUser(user))
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (s *MemoryStore) RecordFailedLogin(_ context.Context, userID string, policy LockoutPolicy, now time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	user.FailedLoginAttempts, user.LockUntil = policy.normalized().Fail(user.FailedLoginAttempts, user.LockUntil, now)
	user.UpdatedAt = now.UTC()
	s.users[userID] = user
	return *cloneUser(user), nil
}

func (s *MemoryStore) ResetLoginFailures(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.FailedLoginAttempts = 0
	user.LockUntil = nil
	user.UpdatedAt = now.UTC()
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) DeactivateUser(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.IsActive = false
	user.UpdatedAt = now.UTC()
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) CreateRefreshToken(_ context.Context, token RefreshToken) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertRefreshTokenLocked(token)
}

func (s *MemoryStore) insertRefreshTokenLocked(token RefreshToken) (RefreshToken, error) {
	if token.ID == "" {
		id, err := newID()
		if err != nil {
			return RefreshToken{}, err
		}
		token.ID = id
	}
	if _, exists := s.hashIndex[token.TokenHash]; exists {
		return RefreshToken{}, ErrTokenHashCollision
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	s.refreshTokens[token.ID] = token
	s.hashIndex[token.TokenHash] = token.ID
	return token, nil
}

func (s *MemoryStore) FindActiveRefreshTokenByHash(_ context.Context, tokenHash string, now time.Time) (*RefreshToken, *User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.hashIndex[tokenHash]
	if !ok {
		return nil, nil, nil
	}
	token := s.refreshTokens[id]
	if !token.IsActive(now) {
		return nil, nil, nil
	}
	user, ok := s.users[token.UserID]
	if !ok {
		return nil, nil, nil
	}
	return &token, cloneUser(user), nil
}

func (s *MemoryStore) revokeLocked(tokenID, revokedByIP, reason, replacedBy string, now time.Time) bool {
	token, ok := s.refreshTokens[tokenID]
	if !ok || !token.IsActive(now) {
		return false
	}
	revokedAt := now.UTC()
	token.RevokedAt = &revokedAt
	token.RevokedByIP = revokedByIP
	token.RevokeReason = reason
	token.ReplacedByToken = replacedBy
	s.refreshTokens[tokenID] = token
	return true
}

func (s *MemoryStore) RotateRefreshToken(_ context.Context, oldID, revokedByIP string, successor RefreshToken, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if successor.ID == "" {
		id, err := newID()
		if err != nil {
			return false, err
		}
		successor.ID = id
	}
	if _, exists := s.hashIndex[successor.TokenHash]; exists {
		return false, ErrTokenHashCollision
	}
	if !s.revokeLocked(oldID, revokedByIP, RevokeReasonRotated, successor.ID, now) {
		return false, nil
	}
	if _, err := s.insertRefreshTokenLocked(successor); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) RevokeRefreshTokenIfActive(_ context.Context, tokenID, revokedByIP, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeLocked(tokenID, revokedByIP, reason, "", now), nil
}

func (s *MemoryStore) RevokeAllActiveForUser(_ context.Context, userID, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	revokedAt := now.UTC()
	for id, token := range s.refreshTokens {
		if token.UserID != userID || token.RevokedAt != nil {
			continue
		}
		token.RevokedAt = &revokedAt
		token.RevokeReason = reason
		s.refreshTokens[id] = token
		count++
	}
	return count, nil
}

func (s *MemoryStore) AppendLoginAttempt(_ context.Context, attempt LoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attempt.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		attempt.ID = id
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	attempt.Email = NormalizeEmail(attempt.Email)
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *MemoryStore) ListLoginAttempts(_ context.Context, limit int) ([]LoginAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]LoginAttempt, 0, limit)
	for i := len(s.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.attempts[i])
	}
	return out, nil
}

func (s *MemoryStore) PurgeStaleRefreshTokens(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batchSize <= 0 {
		batchSize = 500
	}
	var deleted int64
	for id, token := range s.refreshTokens {
		if deleted >= int64(batchSize) {
			break
		}
		stale := token.ExpiresAt.Before(cutoff) || (token.RevokedAt != nil && token.RevokedAt.Before(cutoff))
		if !stale {
			continue
		}
		delete(s.refreshTokens, id)
		delete(s.hashIndex, token.TokenHash)
		deleted++
	}
	return deleted, nil
}

package auth

import "github.com/golang-jwt/jwt/v5"

func registeredSubject(id string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: id}
}

// refreshToken returns the stored token by ID, for inspection in tests.
func (s *MemoryStore) refreshToken(id string) (RefreshToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[id]
	return token, ok
}

func (s *MemoryStore) refreshTokensFor(userID string) []RefreshToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RefreshToken
	for _, token := range s.refreshTokens {
		if token.UserID == userID {
			out = append(out, token)
		}
	}
	return out
}

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	refreshSecretSize = 48
	accessTokenType   = "access"
)

type Claims struct {
	Role      Role   `json:"role"`
	Email     string `json:"email"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies access tokens and mints refresh secrets.
// It holds no mutable state and is safe for concurrent use.
type TokenCodec struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

func NewTokenCodec(secret string, accessTTL time.Duration) (*TokenCodec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: jwt secret is required", ErrConfiguration)
	}
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}

	return &TokenCodec{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (c *TokenCodec) AccessTTL() time.Duration {
	return c.accessTTL
}

func (c *TokenCodec) IssueAccessToken(user User) (string, time.Time, error) {
	now := c.now()
	expiresAt := now.Add(c.accessTTL)
	claims := Claims{
		Role:      user.Role,
		Email:     user.Email,
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, expiresAt, nil
}

func (c *TokenCodec) VerifyAccessToken(tokenStr string) (Claims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.TokenType != accessTokenType || claims.Subject == "" || !claims.Role.Valid() {
		return Claims{}, ErrInvalidToken
	}

	return claims, nil
}

// MintRefreshSecret returns a new plain refresh secret and the hash to store.
func MintRefreshSecret() (string, string, error) {
	b := make([]byte, refreshSecretSize)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate refresh secret: %w", err)
	}
	plain := hex.EncodeToString(b)
	return plain, HashRefreshSecret(plain), nil
}

func HashRefreshSecret(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// HasRole reports whether the authenticated subject holds one of roles.
func HasRole(claims Claims, roles ...Role) bool {
	for _, role := range roles {
		if claims.Role == role {
			return true
		}
	}
	return false
}

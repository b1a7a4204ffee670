package store

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const jwtIssuer = "chatroom"

// JWTSessionStore issues and validates HS256 JWT session tokens.
// Stateless: DeleteSession is a no-op, tokens expire by TTL.
type JWTSessionStore struct {
	secret []byte
	ttl    time.Duration
}

// NewJWTSessionStore builds a stateless JWT session store.
func NewJWTSessionStore(secret string, ttl time.Duration) *JWTSessionStore {
	return &JWTSessionStore{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// NewSession creates a signed JWT for the user ID.
func (s *JWTSessionStore) NewSession(userID string) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    jwtIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	return token.SignedString(s.secret)
}

// GetUserIDByToken validates a JWT and returns the subject.
func (s *JWTSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(jwtIssuer), jwt.WithExpirationRequired(), jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return "", false, err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", false, errors.New("missing subject claim")
	}
	return claims.Subject, true, nil
}

// DeleteSession is a no-op for stateless JWT; provided for interface parity.
func (s *JWTSessionStore) DeleteSession(_ string) error {
	return nil
}

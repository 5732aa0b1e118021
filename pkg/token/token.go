// Package token issues and verifies the signed bearer tokens used for
// caller identity: HS256 JWTs whose subject is the user ID.
package token

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DuyTran1503/websocketio/errors"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 7 * 24 * time.Hour

// Manager issues and verifies tokens with a shared HMAC secret.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithIssuer sets the iss claim on issued tokens.
func WithIssuer(issuer string) Option {
	return func(m *Manager) {
		m.issuer = issuer
	}
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a token manager. The secret must be non-empty; there
// is no safe default to fall back to.
func NewManager(secret string, opts ...Option) (*Manager, error) {
	if secret == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Manager", "NewManager",
			"token secret is required")
	}

	m := &Manager{
		secret: []byte(secret),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue signs a token for the given user ID.
func (m *Manager) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Issue",
			"user ID is required")
	}

	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	if m.issuer != "" {
		claims.Issuer = m.issuer
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "Manager", "Issue", "sign token")
	}
	return signed, nil
}

// Verify parses and validates a token, returning the user ID it was
// issued for. Expired and tampered tokens fail with distinct causes so
// callers can log them apart; both surface to clients the same way.
func (m *Manager) Verify(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithTimeFunc(m.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return "", errors.WrapInvalid(errors.ErrTokenExpired, "Manager", "Verify",
				"token expired")
		}
		return "", errors.WrapInvalid(errors.ErrTokenInvalid, "Manager", "Verify",
			fmt.Sprintf("token validation failed: %v", err))
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.WrapInvalid(errors.ErrTokenInvalid, "Manager", "Verify",
			"token has no subject")
	}

	return claims.Subject, nil
}

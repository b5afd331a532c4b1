// Package csrf issues and validates the anti-forgery tokens that every
// state-changing form submission must carry. Tokens are signed JWTs bound
// to the submitting subject, their session, and the form's field prefix,
// so a token minted for one form cannot be replayed against another.
package csrf

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/rekod/model"
)

var errEmptySecret = errors.New("csrf: signing secret is empty")

// Manager signs and verifies form tokens with a shared HMAC secret.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager builds a Manager. The secret comes from the environment, never
// from a config file; ttl bounds how long an issued form stays submittable.
func NewManager(secret []byte, ttl time.Duration) (*Manager, error) {
	if len(secret) == 0 {
		return nil, errEmptySecret
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}

	return &Manager{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue mints a token for the given request context and field prefix.
func (m *Manager) Issue(rctx *model.RequestContext, fieldPrefix string) (string, error) {
	now := m.now()
	claims := jwt.MapClaims{
		"sub":    rctx.SubjectID,
		"sid":    rctx.SessionID,
		"prefix": fieldPrefix,
		"iat":    jwt.NewNumericDate(now),
		"exp":    jwt.NewNumericDate(now.Add(m.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("csrf: signing token: %w", err)
	}

	return signed, nil
}

// Validate reports whether tokenStr is a live token issued to this subject,
// session, and field prefix. Any parse failure, signature mismatch, expiry,
// or binding mismatch yields false; the caller treats all of those the same
// way and rejects the submission.
func (m *Manager) Validate(rctx *model.RequestContext, fieldPrefix, tokenStr string) bool {
	if tokenStr == "" {
		return false
	}

	token, err := jwt.Parse(tokenStr,
		func(token *jwt.Token) (any, error) {
			return m.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}

	if sub, _ := claims["sub"].(string); sub != rctx.SubjectID {
		return false
	}
	if sid, _ := claims["sid"].(string); sid != rctx.SessionID {
		return false
	}
	if prefix, _ := claims["prefix"].(string); prefix != fieldPrefix {
		return false
	}

	return true
}

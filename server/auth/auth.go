// Package auth validates the signed tokens that authorize access to
// per-user chatbot settings.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ScopeManageUserInfo authorizes reading and changing one user's settings.
const ScopeManageUserInfo = "ManageUserInfo"

// tokenLifetime bounds how long an issued settings token stays valid.
const tokenLifetime = 10 * time.Minute

// Identity is the validated subject of a token: one chatbot user on one
// messaging platform.
type Identity struct {
	Platform   string
	ExternalID string
	Scopes     []string
}

// HasScope reports whether the identity carries the given scope.
func (i *Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type claims struct {
	jwt.RegisteredClaims
	Platform string   `json:"platform"`
	Scopes   []string `json:"scope"`
}

// Signer issues and validates HS256 settings tokens.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// WithClock substitutes the wall clock. Used by tests.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign issues a short-lived token for the identity.
func (s *Signer) Sign(identity *Identity) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("token secret is not configured")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ExternalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
		Platform: identity.Platform,
		Scopes:   identity.Scopes,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

// Validate parses and verifies a token and returns its identity.
func (s *Signer) Validate(tokenString string) (*Identity, error) {
	if len(s.secret) == 0 {
		return nil, errors.New("token secret is not configured")
	}
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Wrap(err, "invalid token")
	}
	if !token.Valid || c.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return &Identity{Platform: c.Platform, ExternalID: c.Subject, Scopes: c.Scopes}, nil
}

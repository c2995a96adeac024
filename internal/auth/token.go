// Package auth gates the two privileged control commands, `shutdown` and
// `getxfd <n>`, behind an optional bearer token (SPEC_FULL.md
// "Control-command authorization"). Adapted from the teacher's
// internal/auth/jwt.go JWTManager, generalized from HTTP Authorization
// headers to a `bearer <token>\n` prefix on a control datagram.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "bearer "

// Claims is the minimal claim set a control-command token needs: who
// issued it and when it expires. The connector has no user accounts, so
// there is no subject/role beyond "holder of a secret the operator
// distributed".
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks bearer tokens against a single shared secret. A
// Verifier with an empty secret is inert: Required reports false and
// Verify always succeeds, matching config.Control.RequireAuth == false.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a verifier from the configured secret. An empty
// secret disables authorization entirely.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Required reports whether privileged commands must carry a token.
func (v *Verifier) Required() bool { return len(v.secret) > 0 }

// Issue mints a token valid for d, for operational use (e.g. minting a
// token to hand to a deploy tool that needs to send `shutdown`).
func (v *Verifier) Issue(d time.Duration) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(d)),
			Issuer:    "connectord-control",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify parses a raw token string against the shared secret.
func (v *Verifier) Verify(tokenString string) error {
	if !v.Required() {
		return nil
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid token claims")
	}
	return nil
}

// StripBearer splits a leading "bearer <token>\n" prefix off a control
// payload, returning the token and the remainder of the command. ok is
// false when the payload carries no bearer prefix at all.
func StripBearer(payload string) (token, rest string, ok bool) {
	lower := strings.ToLower(payload)
	if !strings.HasPrefix(lower, bearerPrefix) {
		return "", payload, false
	}
	after := payload[len(bearerPrefix):]
	nl := strings.IndexByte(after, '\n')
	if nl == -1 {
		return strings.TrimSpace(after), "", true
	}
	return strings.TrimSpace(after[:nl]), after[nl+1:], true
}

// Package auth issues and verifies the bearer tokens agents present when
// opening their control channel. Tokens are HS256 JWTs carrying the agent's
// system UUID as subject; they are short-lived and agents re-request them on
// rejection, so there is no refresh flow.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessTokenDuration is how long an issued token stays valid. Agents hold
// one token per session and fetch a fresh one whenever the channel rejects
// them, so a short lifetime costs nothing.
const accessTokenDuration = 30 * time.Minute

// Sentinel verification errors. Callers use errors.Is to tell an expired
// token from a tampered or malformed one.
var (
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// ErrBadCredentials is returned by CheckCredentials when the presented
// fleet password does not match.
var ErrBadCredentials = errors.New("auth: invalid credentials")

// Manager signs and verifies agent tokens against a shared HMAC secret and
// checks the fleet enrollment password.
type Manager struct {
	secret        []byte
	fleetPassword string
}

// New creates a Manager. secret signs the tokens; fleetPassword is the
// shared credential every agent presents at the token endpoint.
func New(secret, fleetPassword string) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	if fleetPassword == "" {
		return nil, errors.New("auth: fleet password is required")
	}
	return &Manager{secret: []byte(secret), fleetPassword: fleetPassword}, nil
}

// CheckCredentials verifies the fleet password in constant time.
func (m *Manager) CheckCredentials(password string) error {
	if subtle.ConstantTimeCompare([]byte(password), []byte(m.fleetPassword)) != 1 {
		return ErrBadCredentials
	}
	return nil
}

// Issue creates a signed token whose subject is the agent's system UUID.
func (m *Manager) Issue(systemUUID string) (string, error) {
	if systemUUID == "" {
		return "", errors.New("auth: system UUID is required")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   systemUUID,
		ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenDuration)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its subject. Tokens signed with any
// method other than HS256 are rejected, which blocks alg-confusion attacks.
func (m *Manager) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

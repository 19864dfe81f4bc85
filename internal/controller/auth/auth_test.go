package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New("signing-secret", "fleet-pw")
	require.NoError(t, err)
	return m
}

func TestNewRequiresSecretAndPassword(t *testing.T) {
	_, err := New("", "pw")
	require.Error(t, err)

	_, err = New("secret", "")
	require.Error(t, err)
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Issue("uuid-1234")
	require.NoError(t, err)

	subject, err := m.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "uuid-1234", subject)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m := newTestManager(t)
	other, err := New("other-secret", "fleet-pw")
	require.NoError(t, err)

	token, err := other.Issue("uuid-1234")
	require.NoError(t, err)

	_, err = m.Verify(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := newTestManager(t)

	claims := jwt.RegisteredClaims{
		Subject:   "uuid-1234",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("signing-secret"))
	require.NoError(t, err)

	_, err = m.Verify(expired)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyRejectsMissingExpiry(t *testing.T) {
	m := newTestManager(t)

	claims := jwt.RegisteredClaims{Subject: "uuid-1234"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("signing-secret"))
	require.NoError(t, err)

	_, err = m.Verify(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Verify("not-a-token")
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestCheckCredentials(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CheckCredentials("fleet-pw"))
	require.ErrorIs(t, m.CheckCredentials("wrong"), ErrBadCredentials)
}

package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/DuyTran1503/websocketio/errors"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	m, err := NewManager("test-secret")
	require.NoError(t, err)

	signed, err := m.Issue("u1")
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	userID, err := m.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestNewManagerRequiresSecret(t *testing.T) {
	_, err := NewManager("")
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
}

func TestIssueRequiresUserID(t *testing.T) {
	m, err := NewManager("test-secret")
	require.NoError(t, err)

	_, err = m.Issue("")
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	m, err := NewManager("test-secret")
	require.NoError(t, err)

	signed, err := m.Issue("u1")
	require.NoError(t, err)

	_, err = m.Verify(signed + "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
	assert.True(t, apperrors.IsAuth(err))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer, err := NewManager("secret-a")
	require.NoError(t, err)
	verifier, err := NewManager("secret-b")
	require.NoError(t, err)

	signed, err := issuer.Issue("u1")
	require.NoError(t, err)

	_, err = verifier.Verify(signed)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := issued

	m, err := NewManager("test-secret",
		WithTTL(time.Hour),
		withClock(func() time.Time { return clock }),
	)
	require.NoError(t, err)

	signed, err := m.Issue("u1")
	require.NoError(t, err)

	// Still valid inside the TTL
	clock = issued.Add(30 * time.Minute)
	_, err = m.Verify(signed)
	require.NoError(t, err)

	// Rejected once expired
	clock = issued.Add(2 * time.Hour)
	_, err = m.Verify(signed)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m, err := NewManager("test-secret")
	require.NoError(t, err)

	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := m.Verify(tok)
		assert.Error(t, err, "token %q", tok)
	}
}

func TestDefaultTTLIsSevenDays(t *testing.T) {
	assert.Equal(t, 7*24*time.Hour, DefaultTTL)
}

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTManagerRequiresSecret(t *testing.T) {
	_, err := NewJWTManager("", "", time.Hour)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestGenerateAndValidateToken(t *testing.T) {
	m, err := NewJWTManager("secret", "", time.Hour)
	require.NoError(t, err)

	token, err := m.GenerateToken("client-1", "pro-mode:run")
	require.NoError(t, err)

	uc, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", uc.Subject)
	assert.NotEmpty(t, uc.TokenID)
	assert.Equal(t, []string{"pro-mode:run"}, uc.Scopes)
}

func TestValidateTokenRejects(t *testing.T) {
	m, err := NewJWTManager("secret", "", time.Hour)
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewJWTManager("other", "", time.Hour)
		require.NoError(t, err)
		token, err := other.GenerateToken("client-1")
		require.NoError(t, err)
		_, err = m.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := NewJWTManager("secret", "someone-else", time.Hour)
		require.NoError(t, err)
		token, err := other.GenerateToken("client-1")
		require.NoError(t, err)
		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidIssuer)
	})

	t.Run("expired", func(t *testing.T) {
		past, err := NewJWTManager("secret", "", time.Minute)
		require.NoError(t, err)
		past.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, err := past.GenerateToken("client-1")
		require.NoError(t, err)
		_, err = m.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("unsigned", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			Subject: "client-1",
			Issuer:  DefaultIssuer,
		})
		s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = m.ValidateToken(s)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.ValidateToken("not.a.token")
		assert.Error(t, err)
	})
}

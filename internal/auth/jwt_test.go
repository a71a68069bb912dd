package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-sync/internal/config"
)

type memBlacklist map[string]bool

func (m memBlacklist) Add(_ context.Context, jti string, _ time.Time) error {
	m[jti] = true
	return nil
}

func (m memBlacklist) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	return m[jti], nil
}

var testAuth = config.AuthConfig{JWTSecretKey: "secret", JWTExpiry: time.Minute}

func TestGenerateAndValidateToken(t *testing.T) {
	token, err := GenerateToken(7, "alice", testAuth)
	require.NoError(t, err)

	claims, err := ValidateToken(context.Background(), token, testAuth.JWTSecretKey, nil)
	require.NoError(t, err)
	assert.Equal(t, uint(7), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.NotEmpty(t, claims.ID)
}

func TestValidateTokenRejects(t *testing.T) {
	token, err := GenerateToken(7, "alice", testAuth)
	require.NoError(t, err)

	_, err = ValidateToken(context.Background(), token, "other-secret", nil)
	assert.Error(t, err)

	expired, err := GenerateToken(7, "alice", config.AuthConfig{JWTSecretKey: "secret", JWTExpiry: -time.Minute})
	require.NoError(t, err)
	_, err = ValidateToken(context.Background(), expired, testAuth.JWTSecretKey, nil)
	assert.Error(t, err)

	_, err = ValidateToken(context.Background(), "not-a-token", testAuth.JWTSecretKey, nil)
	assert.Error(t, err)
}

func TestValidateTokenChecksBlacklist(t *testing.T) {
	token, err := GenerateToken(7, "alice", testAuth)
	require.NoError(t, err)
	bl := memBlacklist{}

	claims, err := ValidateToken(context.Background(), token, testAuth.JWTSecretKey, bl)
	require.NoError(t, err)

	require.NoError(t, bl.Add(context.Background(), claims.ID, time.Now().Add(time.Minute)))
	_, err = ValidateToken(context.Background(), token, testAuth.JWTSecretKey, bl)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestPeekClaims(t *testing.T) {
	token, err := GenerateToken(7, "alice", testAuth)
	require.NoError(t, err)

	claims, err := PeekClaims(token)
	require.NoError(t, err)
	assert.Equal(t, uint(7), claims.UserID)
	assert.Equal(t, "alice", claims.Username)

	_, err = PeekClaims("garbage")
	assert.Error(t, err)
}

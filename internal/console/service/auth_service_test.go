package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/infra/auth"
)

func TestGenerateToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	hash, err := HashPassword("s3cret", bcrypt.MinCost)
	require.NoError(t, err)
	ops := NewStaticOperators([]domain.Operator{
		{Username: "alice", PasswordHash: hash, Scopes: []string{auth.ScopeRead, auth.ScopeControl}},
	})
	svc := NewAuthService(ops, key, "tbs", time.Hour)
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		resp, err := svc.GenerateToken(ctx, "alice", "s3cret")
		require.NoError(t, err)
		assert.Equal(t, "Bearer", resp.TokenType)
		assert.Equal(t, int64(3600), resp.ExpiresIn)

		claims, err := auth.NewValidator(&key.PublicKey, "tbs").VerifyToken(resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.UserID)
		assert.True(t, claims.Scopes[auth.ScopeRead])
		assert.True(t, claims.Scopes[auth.ScopeControl])
		assert.False(t, claims.Scopes[auth.ScopeAdmin])
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.GenerateToken(ctx, "alice", "guess")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown operator", func(t *testing.T) {
		_, err := svc.GenerateToken(ctx, "mallory", "s3cret")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

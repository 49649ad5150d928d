// ABOUTME: Tests for JWT agent token verification and minting.
// ABOUTME: Covers round trips, wrong secrets, expiry, and missing claims.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := MintAgentToken(secret, "tenant-1", "agent-1", time.Hour)
	require.NoError(t, err)

	id, err := NewJWTVerifier(secret).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", id.TenantID)
	assert.Equal(t, "agent-1", id.AgentID)
}

func TestVerifyWrongSecret(t *testing.T) {
	token, err := MintAgentToken([]byte("secret-a"), "tenant-1", "agent-1", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTVerifier([]byte("secret-b")).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpired(t *testing.T) {
	secret := []byte("test-secret")
	claims := jwt.MapClaims{
		"sub": "agent-1",
		"tid": "tenant-1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = NewJWTVerifier(secret).Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyMissingTenantClaim(t *testing.T) {
	secret := []byte("test-secret")
	claims := jwt.MapClaims{"sub": "agent-1"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = NewJWTVerifier(secret).Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestTenantContextRoundTrip(t *testing.T) {
	ctx := WithTenant(t.Context(), &TenantContext{TenantID: "tenant-1", UserID: "user-9"})
	tc := FromContext(ctx)
	require.NotNil(t, tc)
	assert.Equal(t, "tenant-1", tc.TenantID)
	assert.Equal(t, "user-9", tc.UserID)

	assert.Nil(t, FromContext(t.Context()))
}

func TestMustFromContext(t *testing.T) {
	ctx := WithTenant(t.Context(), &TenantContext{TenantID: "tenant-1"})
	assert.Equal(t, "tenant-1", MustFromContext(ctx).TenantID)

	assert.Panics(t, func() { MustFromContext(t.Context()) })
}

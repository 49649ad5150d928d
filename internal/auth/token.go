// ABOUTME: JWT token verification for authenticating agent connections.
// ABOUTME: Uses HS256 signing with configurable secret; claims carry tenant and agent ids.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// AgentIdentity is the identity resolved from an agent connection token.
// It is resolved once at connect time and reused for the session.
type AgentIdentity struct {
	TenantID string
	AgentID  string
}

// TokenVerifier defines the interface for agent token verification.
type TokenVerifier interface {
	Verify(tokenString string) (*AgentIdentity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the agent id from the "sub"
// claim and the tenant id from the "tid" claim.
func (v *JWTVerifier) Verify(tokenString string) (*AgentIdentity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	agentID, ok := claims["sub"].(string)
	if !ok || agentID == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	tenantID, ok := claims["tid"].(string)
	if !ok || tenantID == "" {
		return nil, fmt.Errorf("%w: tid", ErrMissingClaim)
	}

	return &AgentIdentity{TenantID: tenantID, AgentID: agentID}, nil
}

// MintAgentToken issues an HS256 token for an agent. Used by the admin
// bootstrap flow and by tests.
func MintAgentToken(secret []byte, tenantID, agentID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": agentID,
		"tid": tenantID,
		"iat": now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing agent token: %w", err)
	}
	return signed, nil
}

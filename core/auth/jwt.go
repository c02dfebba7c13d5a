// Package auth mints and verifies execution-scoped bridge tokens.
// Each token is bound to exactly one execution; a sandbox can never
// use its token to read or write another execution's state.
package auth

import (
	"fmt"
	"time"

	"scriptflow/config"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "scriptflow"

// Claims are the bridge token claims.
type Claims struct {
	ExecutionID string `json:"executionId"`
	UserID      string `json:"userId"`
	EventID     string `json:"eventId"`
	JobID       string `json:"jobId"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies execution tokens.
type TokenManager struct {
	secret     []byte
	expiration time.Duration
}

// NewTokenManager creates a token manager from auth settings.
func NewTokenManager(cfg config.AuthConfig) *TokenManager {
	return &TokenManager{
		secret:     []byte(cfg.JWTSecret),
		expiration: cfg.TokenExpiration,
	}
}

// Generate mints a token scoped to one execution.
func (m *TokenManager) Generate(executionID, jobID, eventID, userID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		ExecutionID: executionID,
		UserID:      userID,
		EventID:     eventID,
		JobID:       jobID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   executionID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign execution token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.ExecutionID == "" {
		return nil, fmt.Errorf("token is not execution scoped")
	}
	return claims, nil
}

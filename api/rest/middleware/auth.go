// Package middleware holds the HTTP middleware for the bridge and
// management surfaces.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"scriptflow/core/auth"
	"scriptflow/core/models"

	"github.com/sirupsen/logrus"
)

type contextKey string

const claimsKey contextKey = "tokenClaims"

// SessionChecker resolves the live session for an execution. A nil
// session means the execution is over or never existed; the request
// is rejected either way.
type SessionChecker interface {
	Session(ctx context.Context, executionID string) (*models.ExecutionSession, error)
}

// GetTokenClaims returns the verified claims for the request.
func GetTokenClaims(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*auth.Claims)
	return claims, ok
}

// AuthMiddleware verifies the bearer token and checks that the
// execution's session is still live. A missing session fails closed:
// the cache is authoritative for liveness even though it is
// best-effort for everything else.
func AuthMiddleware(tokens *auth.TokenManager, sessions SessionChecker, log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "malformed authorization header")
				return
			}

			claims, err := tokens.Verify(tokenString)
			if err != nil {
				log.WithError(err).Warn("Rejected bridge token")
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			session, err := sessions.Session(r.Context(), claims.ExecutionID)
			if err != nil {
				log.WithError(err).WithField("execution_id", claims.ExecutionID).
					Error("Session lookup failed")
				writeAuthError(w, http.StatusForbidden, "session unavailable")
				return
			}
			if session == nil {
				writeAuthError(w, http.StatusForbidden, "execution session expired")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const operatorKey contextKey = "operator"

// OperatorRole is the role claim the admin endpoints require.
const OperatorRole = "operator"

type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// RequireOperator guards the redrive and inbox reset endpoints with an
// HMAC-signed bearer token whose role claim is "operator". An empty secret
// disables the check, for deployments that sit behind an internal gateway.
func RequireOperator(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		)
		keyFunc := func(*jwt.Token) (any, error) { return []byte(secret), nil }

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "auth_required", "missing bearer token")
				return
			}

			claims := &OperatorClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				writeError(w, http.StatusUnauthorized, "auth_invalid", "invalid token")
				return
			}
			if claims.Role != OperatorRole {
				writeError(w, http.StatusForbidden, "forbidden", "operator role required")
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFrom returns the token subject set by RequireOperator.
func OperatorFrom(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operatorKey).(string)
	return op, ok && op != ""
}

package mockserver

import (
	"context"
	"net/http"

	"github.com/deepgram/sigpull/internal/auth"
	"github.com/deepgram/sigpull/pkg/httpext"
	"github.com/rs/zerolog/log"
)

type contextKey string

const claimsKey contextKey = "claims"

// RequireAuth rejects requests without a bearer token signed with secret
func RequireAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := auth.ExtractToken(r)
			if tokenString == "" {
				httpext.JsonError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := auth.ValidateToken(tokenString, secret)
			if err != nil {
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("Invalid authorization token")
				httpext.JsonError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims returns the verified token claims stored by RequireAuth
func GetClaims(r *http.Request) *auth.Claims {
	if claims, ok := r.Context().Value(claimsKey).(*auth.Claims); ok {
		return claims
	}
	return nil
}

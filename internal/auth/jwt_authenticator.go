package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type JWTAuthenticator struct {
	tokens *TokenService
}

func NewJWTAuthenticator(tokens *TokenService) *JWTAuthenticator {
	return &JWTAuthenticator{tokens: tokens}
}

func (a *JWTAuthenticator) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || accessToken == "" {
			http.Error(w, "No token provided", http.StatusUnauthorized)
			return
		}

		principal, err := a.tokens.Validate(accessToken)
		if err != nil {
			zap.S().Named("auth").Debugw("failed to authenticate request", "error", err)
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}

		ctx := NewPrincipalContext(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

package auth

import (
	"errors"
	"net/http"

	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	"go.uber.org/zap"
)

type Authenticator interface {
	Authenticator(next http.Handler) http.Handler
}

const (
	JWTAuthentication  string = "jwt"
	NoneAuthentication string = "none"
)

func NewAuthenticator(authConfig config.Auth, tokens *TokenService) (Authenticator, error) {
	zap.S().Named("auth").Infof("authentication: '%s'", authConfig.AuthenticationType)

	switch authConfig.AuthenticationType {
	case JWTAuthentication:
		if tokens == nil {
			return nil, errors.New("jwt authentication requires a token secret")
		}
		return NewJWTAuthenticator(tokens), nil
	default:
		return NewNoneAuthenticator()
	}
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

const (
	defaultIssuer          = "resource-orchestrator"
	defaultAccessTokenTTL  = 10 * time.Minute
	defaultRefreshTokenTTL = 365 * 24 * time.Hour
	validatedCacheSize     = 4096

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

type claims struct {
	Type         string   `json:"typ"`
	Role         Role     `json:"role"`
	Project      string   `json:"project,omitempty"`
	ProjectAdmin bool     `json:"projectAdmin,omitempty"`
	Groups       []string `json:"groups,omitempty"`
	Projects     []string `json:"projects,omitempty"`
	jwt.RegisteredClaims
}

type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

type validatedToken struct {
	principal Principal
	expiresAt time.Time
}

// TokenService signs and validates the tokens used by users, providers and the
// orchestrator itself.
type TokenService struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	validated *lru.Cache
}

type TokenServiceOption func(t *TokenService)

func WithAccessTokenTTL(ttl time.Duration) TokenServiceOption {
	return func(t *TokenService) {
		t.accessTTL = ttl
	}
}

func NewTokenService(secret string, opts ...TokenServiceOption) (*TokenService, error) {
	if secret == "" {
		return nil, errors.New("token secret is empty")
	}

	cache, err := lru.New(validatedCacheSize)
	if err != nil {
		return nil, err
	}

	t := &TokenService{
		secret:    []byte(secret),
		issuer:    defaultIssuer,
		accessTTL: defaultAccessTokenTTL,
		validated: cache,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

func (t *TokenService) CreateToken(p Principal, audience ...string) (AccessToken, error) {
	return t.sign(p, tokenTypeAccess, t.accessTTL, audience)
}

func (t *TokenService) CreateRefreshToken(p Principal) (string, error) {
	token, err := t.sign(p, tokenTypeRefresh, defaultRefreshTokenTTL, nil)
	if err != nil {
		return "", err
	}
	return token.Token, nil
}

// Refresh exchanges a refresh token for a short lived access token scoped to audience.
func (t *TokenService) Refresh(_ context.Context, refreshToken string, audience string) (AccessToken, error) {
	c, err := t.parse(refreshToken)
	if err != nil {
		return AccessToken{}, err
	}
	if c.Type != tokenTypeRefresh {
		return AccessToken{}, fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}
	return t.CreateToken(principalFromClaims(c, ""), audience)
}

func (t *TokenService) Validate(token string) (Principal, error) {
	if cached, found := t.validated.Get(token); found {
		v := cached.(validatedToken)
		if time.Now().Before(v.expiresAt) {
			return v.principal, nil
		}
		t.validated.Remove(token)
	}

	c, err := t.parse(token)
	if err != nil {
		return Principal{}, err
	}
	if c.Type != tokenTypeAccess {
		return Principal{}, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}

	p := principalFromClaims(c, token)
	t.validated.Add(token, validatedToken{principal: p, expiresAt: c.ExpiresAt.Time})
	return p, nil
}

func (t *TokenService) sign(p Principal, tokenType string, ttl time.Duration, audience []string) (AccessToken, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	c := claims{
		Type:         tokenType,
		Role:         p.Role,
		Project:      p.Project,
		ProjectAdmin: p.ProjectAdmin,
		Groups:       p.Groups,
		Projects:     p.Projects,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    t.issuer,
			Subject:   p.Username,
			ID:        uuid.NewString(),
			Audience:  audience,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
	if err != nil {
		return AccessToken{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return AccessToken{Token: signed, ExpiresAt: expiresAt}, nil
}

func (t *TokenService) parse(token string) (*claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(t.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)

	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(_ *jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return c, nil
}

func principalFromClaims(c *claims, raw string) Principal {
	return Principal{
		Username:     c.Subject,
		Role:         c.Role,
		Project:      c.Project,
		ProjectAdmin: c.ProjectAdmin,
		Groups:       c.Groups,
		Projects:     c.Projects,
		Token:        raw,
	}
}

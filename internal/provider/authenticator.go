package provider

import (
	"context"
	"sync"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
)

const refreshMargin = 30 * time.Second

// TokenSource issues access tokens from a refresh credential.
type TokenSource interface {
	Refresh(ctx context.Context, refreshToken string, audience string) (auth.AccessToken, error)
}

// RefreshingAuthenticator hands out a bearer token for one provider and renews it
// shortly before it expires.
type RefreshingAuthenticator struct {
	source       TokenSource
	refreshToken string
	audience     string

	mu      sync.Mutex
	current auth.AccessToken
}

func NewRefreshingAuthenticator(source TokenSource, refreshToken string, providerID string) *RefreshingAuthenticator {
	return &RefreshingAuthenticator{
		source:       source,
		refreshToken: refreshToken,
		audience:     Audience(providerID),
	}
}

// Audience is the scope of the tokens used when the orchestrator talks to a provider.
func Audience(providerID string) string {
	return "orchestrator:provider:" + providerID
}

func (a *RefreshingAuthenticator) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current.Token != "" && time.Until(a.current.ExpiresAt) > refreshMargin {
		return a.current.Token, nil
	}

	token, err := a.source.Refresh(ctx, a.refreshToken, a.audience)
	if err != nil {
		return "", err
	}
	a.current = token
	return token.Token, nil
}

// Invalidate forces the next Token call to refresh.
func (a *RefreshingAuthenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = auth.AccessToken{}
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/SDU-eScience/UCloud-sub028/pkg/metrics"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const communicationCacheName = "provider_communication"

var ErrForbidden = errors.New("principal may not act on behalf of provider")

// Communication is everything needed to talk to one provider. It is shared by all
// callers until its cache entry expires.
type Communication struct {
	Provider model.Provider
	Client   *Client
}

type RegistryOptions struct {
	TTL          time.Duration
	RefreshToken string
	Client       ClientOptions
}

func NewRegistryOptions(cfg *config.Config) RegistryOptions {
	return RegistryOptions{
		TTL:          cfg.Provider.CommunicationTTL,
		RefreshToken: cfg.Service.Auth.RefreshToken,
		Client: ClientOptions{
			Timeout:           cfg.Provider.CallTimeout,
			RetryAttempts:     cfg.Provider.RetryAttempts,
			RetryDelay:        cfg.Provider.RetryDelay,
			RequestsPerSecond: cfg.Provider.RequestsPerSecond,
			Burst:             cfg.Provider.Burst,
		},
	}
}

// Registry resolves provider ids into communication handles.
type Registry struct {
	directory Directory
	calls     *CallRegistry
	tokens    TokenSource
	opts      RegistryOptions
	cache     *cache.Cache
	group     singleflight.Group
	log       *zap.SugaredLogger
}

func NewRegistry(directory Directory, calls *CallRegistry, tokens TokenSource, opts RegistryOptions) *Registry {
	return &Registry{
		directory: directory,
		calls:     calls,
		tokens:    tokens,
		opts:      opts,
		cache:     cache.New(opts.TTL, 2*opts.TTL),
		log:       zap.S().Named("provider_registry"),
	}
}

func (r *Registry) Calls() *CallRegistry {
	return r.calls
}

// PrepareCommunication returns the cached handle of a provider or builds a new one.
// Concurrent misses for the same provider share a single directory lookup.
func (r *Registry) PrepareCommunication(ctx context.Context, providerID string) (*Communication, error) {
	if comm, found := r.cache.Get(providerID); found {
		metrics.IncreaseCacheLookupsMetric(communicationCacheName, true)
		return comm.(*Communication), nil
	}
	metrics.IncreaseCacheLookupsMetric(communicationCacheName, false)

	// the shared lookup outlives the caller that started it
	lookupCtx := context.WithoutCancel(ctx)
	pending := r.group.DoChan(providerID, func() (interface{}, error) {
		if comm, found := r.cache.Get(providerID); found {
			return comm, nil
		}

		spec, err := r.directory.RetrieveSpecification(lookupCtx, providerID)
		if err != nil {
			if errors.Is(err, ErrUnknownProvider) {
				r.log.Errorw("provider is not known to the directory", "provider", providerID)
			}
			return nil, err
		}

		var authenticator *RefreshingAuthenticator
		if r.tokens != nil {
			authenticator = NewRefreshingAuthenticator(r.tokens, r.opts.RefreshToken, providerID)
		}

		comm := &Communication{
			Provider: *spec,
			Client:   NewClient(*spec, r.calls, authenticator, r.opts.Client),
		}
		r.cache.SetDefault(providerID, comm)
		r.log.Debugw("prepared provider communication", "provider", providerID, "url", spec.BaseURL())
		return comm, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-pending:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Communication), nil
	}
}

// Invalidate drops the cached handle so the next call rebuilds it.
func (r *Registry) Invalidate(providerID string) {
	r.cache.Delete(providerID)
}

// VerifyProvider checks that principal acts for claimedProviderID.
func VerifyProvider(claimedProviderID string, principal auth.Principal) error {
	id, isProvider := principal.ProviderID()
	if !isProvider || id == "" || id != claimedProviderID {
		return fmt.Errorf("%w: %s", ErrForbidden, claimedProviderID)
	}
	return nil
}

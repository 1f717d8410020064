package store

import (
	"context"
	"sync"

	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
)

// CachedProviderStore is a wrapper around ProviderStore which keeps the directory
// entries in memory until they are modified.
type CachedProviderStore struct {
	delegate  Provider
	providers map[string]model.Provider
	mu        sync.Mutex
}

func NewCachedProviderStore(delegate Provider) Provider {
	return &CachedProviderStore{
		delegate:  delegate,
		providers: make(map[string]model.Provider),
	}
}

func (p *CachedProviderStore) InitialMigration(ctx context.Context) error {
	return p.delegate.InitialMigration(ctx)
}

func (p *CachedProviderStore) List(ctx context.Context) (model.ProviderList, error) {
	return p.delegate.List(ctx)
}

func (p *CachedProviderStore) Upsert(ctx context.Context, provider model.Provider) (*model.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.providers, provider.ID)

	return p.delegate.Upsert(ctx, provider)
}

func (p *CachedProviderStore) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.providers, id)

	return p.delegate.Delete(ctx, id)
}

func (p *CachedProviderStore) Get(ctx context.Context, id string) (*model.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// try cache first
	provider, found := p.providers[id]
	if found {
		return &provider, nil
	}

	// read it from db
	newProvider, err := p.delegate.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	p.providers[id] = *newProvider

	return newProvider, nil
}

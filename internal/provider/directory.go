package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
)

// Directory knows where every provider lives.
type Directory interface {
	RetrieveSpecification(ctx context.Context, providerID string) (*model.Provider, error)
}

type StoreDirectory struct {
	providers store.Provider
}

func NewStoreDirectory(providers store.Provider) *StoreDirectory {
	return &StoreDirectory{providers: providers}
}

func (d *StoreDirectory) RetrieveSpecification(ctx context.Context, providerID string) (*model.Provider, error) {
	p, err := d.providers.Get(ctx, providerID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
		}
		return nil, err
	}
	return p, nil
}

package support

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/SDU-eScience/UCloud-sub028/pkg/metrics"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrProductNotSupported = errors.New("product is not supported by its provider")

// ProductSupport pairs a product with the features its provider enables for it.
type ProductSupport[F any] struct {
	Product model.Product `json:"product"`
	Support F             `json:"support"`
}

type retrieveProductsRequest struct{}

// Resolver caches the product list of every provider for one resource type. A
// miss refreshes the complete list of the provider.
type Resolver[F any] struct {
	registry  *provider.Registry
	namespace provider.Namespace
	cache     *cache.Cache
	group     singleflight.Group
	log       *zap.SugaredLogger
}

func NewResolver[F any](registry *provider.Registry, namespace provider.Namespace, ttl time.Duration) *Resolver[F] {
	return &Resolver[F]{
		registry:  registry,
		namespace: namespace,
		cache:     cache.New(ttl, 2*ttl),
		log:       zap.S().Named("support_resolver").With("namespace", namespace),
	}
}

func (r *Resolver[F]) cacheName() string {
	return "product_support:" + string(r.namespace)
}

// RetrieveProducts returns every product the provider supports for this resource type.
func (r *Resolver[F]) RetrieveProducts(ctx context.Context, providerID string) ([]ProductSupport[F], error) {
	if products, found := r.cache.Get(providerID); found {
		metrics.IncreaseCacheLookupsMetric(r.cacheName(), true)
		return products.([]ProductSupport[F]), nil
	}
	metrics.IncreaseCacheLookupsMetric(r.cacheName(), false)

	lookupCtx := context.WithoutCancel(ctx)
	pending := r.group.DoChan(providerID, func() (interface{}, error) {
		if products, found := r.cache.Get(providerID); found {
			return products, nil
		}

		comm, err := r.registry.PrepareCommunication(lookupCtx, providerID)
		if err != nil {
			return nil, err
		}

		var response provider.BulkResponse[ProductSupport[F]]
		if err := comm.Client.Invoke(lookupCtx, r.namespace, provider.VerbRetrieveProducts, retrieveProductsRequest{}, &response); err != nil {
			return nil, err
		}

		products := make([]ProductSupport[F], 0, len(response.Responses))
		for _, p := range response.Responses {
			if p.Product.Reference.Provider != providerID {
				r.log.Warnw("provider advertised a product of another provider", "provider", providerID, "product", p.Product.Reference.String())
				continue
			}
			products = append(products, p)
		}

		r.cache.SetDefault(providerID, products)
		r.log.Debugw("refreshed product support", "provider", providerID, "count", len(products))
		return products, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-pending:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]ProductSupport[F]), nil
	}
}

// ResolveSupport finds the support descriptor of a single product.
func (r *Resolver[F]) ResolveSupport(ctx context.Context, ref model.ProductReference) (ProductSupport[F], error) {
	products, err := r.RetrieveProducts(ctx, ref.Provider)
	if err != nil {
		return ProductSupport[F]{}, err
	}
	for _, p := range products {
		if p.Product.Reference == ref {
			return p, nil
		}
	}
	return ProductSupport[F]{}, fmt.Errorf("%w: %s", ErrProductNotSupported, ref)
}

func (r *Resolver[F]) Invalidate(providerID string) {
	r.cache.Delete(providerID)
}

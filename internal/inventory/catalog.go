package inventory

import (
	"context"
	"errors"
	"fmt"

	"storefront/internal/cache"
	"storefront/internal/models"
	"storefront/internal/storage"
)

// CatalogStore lists and loads products.
type CatalogStore interface {
	ListProducts(ctx context.Context) ([]*models.Product, error)
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
}

// Catalog serves product views with their current stock through the read
// model cache that Service invalidates.
type Catalog struct {
	store CatalogStore
	stock *Service
	cache *cache.ProductCache
}

func NewCatalog(store CatalogStore, stock *Service, c *cache.ProductCache) *Catalog {
	return &Catalog{store: store, stock: stock, cache: c}
}

func (c *Catalog) Product(ctx context.Context, id int64) (*models.ProductView, error) {
	return c.cache.Product(ctx, id, func(ctx context.Context) (*models.ProductView, error) {
		p, err := c.store.GetProduct(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
			}
			return nil, fmt.Errorf("failed to load product: %w", err)
		}
		return c.view(ctx, p)
	})
}

func (c *Catalog) Products(ctx context.Context) ([]models.ProductView, error) {
	return c.cache.Products(ctx, func(ctx context.Context) ([]models.ProductView, error) {
		products, err := c.store.ListProducts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list products: %w", err)
		}
		views := make([]models.ProductView, 0, len(products))
		for _, p := range products {
			v, err := c.view(ctx, p)
			if err != nil {
				return nil, err
			}
			views = append(views, *v)
		}
		return views, nil
	})
}

func (c *Catalog) view(ctx context.Context, p *models.Product) (*models.ProductView, error) {
	inv, err := c.stock.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &models.ProductView{
		Product:     *p,
		Quantity:    inv.Quantity,
		StockStatus: inv.Status,
	}, nil
}

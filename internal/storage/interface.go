package storage

import (
	"context"

	"storefront/internal/models"
)

// InventoryMutation updates inv in place. It runs while the storage layer
// holds an exclusive hold on the inventory row; returning an error aborts
// the change.
type InventoryMutation func(inv *models.Inventory) error

// Storage defines persistence for the catalog, inventory, users and orders.
// Implementations must be safe for concurrent use.
type Storage interface {
	// ListProducts returns all products ordered by ID.
	ListProducts(ctx context.Context) ([]*models.Product, error)

	// GetProduct returns ErrNotFound when the product does not exist.
	GetProduct(ctx context.Context, id int64) (*models.Product, error)

	// SaveProduct inserts or updates a product. A zero ID is assigned.
	SaveProduct(ctx context.Context, product *models.Product) error

	// GetInventory returns the stock row for a product. A product without
	// a row reports quantity 0. Missing products return ErrNotFound.
	GetInventory(ctx context.Context, productID int64) (*models.Inventory, error)

	// UpdateInventory reads the row exclusively, applies fn and persists the
	// result in one transaction. No other UpdateInventory for the same
	// product can interleave, even across processes sharing the database.
	UpdateInventory(ctx context.Context, productID int64, fn InventoryMutation) (*models.Inventory, error)

	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// SaveUser inserts or updates a user keyed by email. A zero ID is
	// assigned.
	SaveUser(ctx context.Context, user *models.User) error

	// CompareAndSwapRole sets the role to next only if it is currently
	// expected. It reports whether the swap happened.
	CompareAndSwapRole(ctx context.Context, id int64, expected, next models.Role) (bool, error)

	SaveOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)

	// UpdateOrderStatus moves an order from expected to next and reports
	// whether it did.
	UpdateOrderStatus(ctx context.Context, id string, expected, next models.OrderStatus) (bool, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close closes the storage connection and cleans up resources
	Close() error
}

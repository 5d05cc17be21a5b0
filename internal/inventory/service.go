package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"storefront/internal/models"
	"storefront/internal/storage"
)

// Store is the persistence the inventory service needs. UpdateInventory must
// run fn under a storage-level exclusive read so a second process bypassing
// the in-process lock still cannot interleave.
type Store interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	GetInventory(ctx context.Context, productID int64) (*models.Inventory, error)
	UpdateInventory(ctx context.Context, productID int64, fn storage.InventoryMutation) (*models.Inventory, error)
}

// Invalidator drops cached read models that embed a product's stock.
type Invalidator interface {
	InvalidateProduct(id int64)
}

// Service mutates per-product stock counters. Every mutation runs under the
// product's lock from the LockTable; caches are invalidated after the lock is
// released.
type Service struct {
	store       Store
	locks       *LockTable
	invalidator Invalidator
	logger      *slog.Logger
}

// NewService creates an inventory service. invalidator may be nil.
func NewService(store Store, locks *LockTable, invalidator Invalidator) *Service {
	return &Service{
		store:       store,
		locks:       locks,
		invalidator: invalidator,
		logger:      slog.Default().With("component", "inventory"),
	}
}

// Get returns the current stock of a product. Products without an inventory
// row report quantity 0.
func (s *Service) Get(ctx context.Context, productID int64) (*models.Inventory, error) {
	inv, err := s.store.GetInventory(ctx, productID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("product %d: %w", productID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	if inv.Status == "" {
		inv.Status = StatusLabel(inv.Quantity)
	}
	return inv, nil
}

// Adjust overwrites a product's quantity. Concurrent adjustments of the same
// product are ordered by lock acquisition; the last one wins.
func (s *Service) Adjust(ctx context.Context, productID int64, quantity int) (*models.Inventory, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("quantity %d: %w", quantity, ErrInvalidQuantity)
	}
	if err := s.resolve(ctx, productID); err != nil {
		return nil, err
	}

	var inv *models.Inventory
	err := s.locks.WithLock(ctx, productID, func() error {
		var err error
		inv, err = s.apply(ctx, "adjust", productID, func(current *models.Inventory) error {
			current.Quantity = quantity
			current.Status = StatusLabel(quantity)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(productID)
	s.logger.Info("Inventory adjusted", "product_id", productID, "quantity", inv.Quantity, "status", inv.Status)
	return inv, nil
}

// Reserve takes delta units from a product's stock. A reservation that would
// leave the quantity negative is rejected whole with ErrInsufficientStock.
func (s *Service) Reserve(ctx context.Context, productID int64, delta int) (*models.Inventory, error) {
	return s.mutateOne(ctx, "reserve", productID, delta, reserve)
}

// Restore returns delta units to a product's stock.
func (s *Service) Restore(ctx context.Context, productID int64, delta int) (*models.Inventory, error) {
	return s.mutateOne(ctx, "restore", productID, delta, restore)
}

// ReserveItems reserves every item or none. Locks are held on all products
// for the duration; a failure part way through restores what was taken.
func (s *Service) ReserveItems(ctx context.Context, items []models.OrderItem) error {
	merged, err := mergeItems(items)
	if err != nil {
		return err
	}

	err = s.locks.WithLocks(ctx, productIDs(merged), func() error {
		for i, it := range merged {
			if _, err := s.apply(ctx, "reserve", it.ProductID, reserve(it.ProductID, it.Quantity)); err != nil {
				s.compensate(ctx, "restore", merged[:i], restore)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, it := range merged {
		s.invalidate(it.ProductID)
	}
	return nil
}

// RestoreItems returns the stock of every item or of none. A failure part
// way through takes back what was already returned, so the caller can
// retry the whole set.
func (s *Service) RestoreItems(ctx context.Context, items []models.OrderItem) error {
	merged, err := mergeItems(items)
	if err != nil {
		return err
	}

	err = s.locks.WithLocks(ctx, productIDs(merged), func() error {
		for i, it := range merged {
			if _, err := s.apply(ctx, "restore", it.ProductID, restore(it.ProductID, it.Quantity)); err != nil {
				s.compensate(ctx, "reserve", merged[:i], reserve)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, it := range merged {
		s.invalidate(it.ProductID)
	}
	return nil
}

type deltaMutation func(productID int64, delta int) storage.InventoryMutation

func reserve(productID int64, delta int) storage.InventoryMutation {
	return func(inv *models.Inventory) error {
		if inv.Quantity < delta {
			return fmt.Errorf("product %d has %d units, %d requested: %w",
				productID, inv.Quantity, delta, ErrInsufficientStock)
		}
		inv.Quantity -= delta
		inv.Status = StatusLabel(inv.Quantity)
		return nil
	}
}

func restore(_ int64, delta int) storage.InventoryMutation {
	return func(inv *models.Inventory) error {
		inv.Quantity += delta
		inv.Status = StatusLabel(inv.Quantity)
		return nil
	}
}

func (s *Service) mutateOne(ctx context.Context, op string, productID int64, delta int, mutation deltaMutation) (*models.Inventory, error) {
	if delta <= 0 {
		return nil, fmt.Errorf("delta %d: %w", delta, ErrInvalidQuantity)
	}
	if err := s.resolve(ctx, productID); err != nil {
		return nil, err
	}

	var inv *models.Inventory
	err := s.locks.WithLock(ctx, productID, func() error {
		var err error
		inv, err = s.apply(ctx, op, productID, mutation(productID, delta))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(productID)
	return inv, nil
}

// apply runs one storage mutation. The caller holds the product lock.
func (s *Service) apply(ctx context.Context, op string, productID int64, fn storage.InventoryMutation) (*models.Inventory, error) {
	inv, err := s.store.UpdateInventory(ctx, productID, fn)
	switch {
	case err == nil:
		return inv, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	case errors.Is(err, ErrInsufficientStock):
		return nil, err
	default:
		return nil, &TransientError{Op: op, ProductID: productID, Err: err}
	}
}

// compensate undoes mutations already applied, newest first, by running
// undo with op. The caller holds the locks of every product in done.
func (s *Service) compensate(ctx context.Context, op string, done []models.OrderItem, undo deltaMutation) {
	ctx = context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		it := done[i]
		if _, err := s.apply(ctx, op, it.ProductID, undo(it.ProductID, it.Quantity)); err != nil {
			s.logger.Error("Failed to roll back inventory change",
				"op", op,
				"product_id", it.ProductID,
				"quantity", it.Quantity,
				"error", err,
			)
		}
	}
}

func (s *Service) resolve(ctx context.Context, productID int64) error {
	if _, err := s.store.GetProduct(ctx, productID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("product %d: %w", productID, ErrNotFound)
		}
		return &TransientError{Op: "lookup", ProductID: productID, Err: err}
	}
	return nil
}

func (s *Service) invalidate(productID int64) {
	if s.invalidator != nil {
		s.invalidator.InvalidateProduct(productID)
	}
}

// mergeItems sums quantities per product and sorts by product id.
func mergeItems(items []models.OrderItem) ([]models.OrderItem, error) {
	totals := make(map[int64]int, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("product %d quantity %d: %w", it.ProductID, it.Quantity, ErrInvalidQuantity)
		}
		totals[it.ProductID] += it.Quantity
	}

	merged := make([]models.OrderItem, 0, len(totals))
	for id, q := range totals {
		merged = append(merged, models.OrderItem{ProductID: id, Quantity: q})
	}
	slices.SortFunc(merged, func(a, b models.OrderItem) int {
		switch {
		case a.ProductID < b.ProductID:
			return -1
		case a.ProductID > b.ProductID:
			return 1
		}
		return 0
	})
	return merged, nil
}

func productIDs(items []models.OrderItem) []int64 {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	return ids
}

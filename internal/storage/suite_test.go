package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/models"
)

// runStorageSuite exercises the behavior every backend must share.
func runStorageSuite(t *testing.T, s Storage) {
	ctx := context.Background()

	t.Run("Products", func(t *testing.T) {
		p := &models.Product{Name: "Lamp", Description: "Desk lamp", PriceCents: 2599}
		require.NoError(t, s.SaveProduct(ctx, p))
		require.NotZero(t, p.ID)

		got, err := s.GetProduct(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Lamp", got.Name)
		assert.Equal(t, int64(2599), got.PriceCents)

		p.Name = "Floor lamp"
		require.NoError(t, s.SaveProduct(ctx, p))
		got, err = s.GetProduct(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Floor lamp", got.Name)

		list, err := s.ListProducts(ctx)
		require.NoError(t, err)
		found := false
		for _, item := range list {
			if item.ID == p.ID {
				found = true
			}
		}
		assert.True(t, found)

		_, err = s.GetProduct(ctx, 987654321)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("InventoryDefaultsToZero", func(t *testing.T) {
		p := &models.Product{Name: "Fresh"}
		require.NoError(t, s.SaveProduct(ctx, p))

		inv, err := s.GetInventory(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, inv.Quantity)
		assert.Equal(t, p.ID, inv.ProductID)

		_, err = s.GetInventory(ctx, 987654321)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateInventory", func(t *testing.T) {
		p := &models.Product{Name: "Widget"}
		require.NoError(t, s.SaveProduct(ctx, p))

		inv, err := s.UpdateInventory(ctx, p.ID, func(inv *models.Inventory) error {
			inv.Quantity = 7
			inv.Status = "7 units in stock"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, inv.Quantity)
		assert.False(t, inv.LastUpdated.IsZero())

		got, err := s.GetInventory(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 7, got.Quantity)
		assert.Equal(t, "7 units in stock", got.Status)

		// A failing mutation leaves the row untouched.
		boom := errors.New("boom")
		_, err = s.UpdateInventory(ctx, p.ID, func(inv *models.Inventory) error {
			inv.Quantity = 100
			return boom
		})
		assert.ErrorIs(t, err, boom)
		got, err = s.GetInventory(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 7, got.Quantity)

		_, err = s.UpdateInventory(ctx, 987654321, func(*models.Inventory) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateInventoryIsExclusive", func(t *testing.T) {
		p := &models.Product{Name: "Counter"}
		require.NoError(t, s.SaveProduct(ctx, p))

		const workers = 10
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateInventory(ctx, p.ID, func(inv *models.Inventory) error {
					inv.Quantity++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		inv, err := s.GetInventory(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, workers, inv.Quantity)
	})

	t.Run("Users", func(t *testing.T) {
		email := fmt.Sprintf("user-%s@example.com", uuid.NewString())
		u := &models.User{Email: email, FullName: "Test User", Role: models.RoleCustomer}
		require.NoError(t, s.SaveUser(ctx, u))
		require.NotZero(t, u.ID)

		byID, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, email, byID.Email)
		assert.Equal(t, models.RoleCustomer, byID.Role)

		byEmail, err := s.GetUserByEmail(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, u.ID, byEmail.ID)

		// Saving the same email updates the existing user.
		again := &models.User{Email: email, FullName: "Renamed", Role: models.RoleCustomer, LastLogin: time.Now().UTC()}
		require.NoError(t, s.SaveUser(ctx, again))
		assert.Equal(t, u.ID, again.ID)

		_, err = s.GetUserByID(ctx, 987654321)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CompareAndSwapRole", func(t *testing.T) {
		u := &models.User{Email: fmt.Sprintf("cas-%s@example.com", uuid.NewString()), Role: models.RoleCustomer}
		require.NoError(t, s.SaveUser(ctx, u))

		swapped, err := s.CompareAndSwapRole(ctx, u.ID, models.RoleCustomer, models.RoleStaff)
		require.NoError(t, err)
		assert.True(t, swapped)

		swapped, err = s.CompareAndSwapRole(ctx, u.ID, models.RoleCustomer, models.RoleAdmin)
		require.NoError(t, err)
		assert.False(t, swapped)

		got, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RoleStaff, got.Role)

		_, err = s.CompareAndSwapRole(ctx, 987654321, models.RoleCustomer, models.RoleAdmin)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Orders", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		o := &models.Order{
			ID:        uuid.NewString(),
			UserID:    1,
			Items:     []models.OrderItem{{ProductID: 1, Quantity: 2}, {ProductID: 3, Quantity: 1}},
			Status:    models.OrderStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, s.SaveOrder(ctx, o))

		got, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.Items, got.Items)
		assert.Equal(t, models.OrderStatusPending, got.Status)
		assert.True(t, now.Equal(got.CreatedAt))

		moved, err := s.UpdateOrderStatus(ctx, o.ID, models.OrderStatusPending, models.OrderStatusCancelled)
		require.NoError(t, err)
		assert.True(t, moved)

		moved, err = s.UpdateOrderStatus(ctx, o.ID, models.OrderStatusPending, models.OrderStatusCancelled)
		require.NoError(t, err)
		assert.False(t, moved)

		_, err = s.GetOrder(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.UpdateOrderStatus(ctx, "missing", models.OrderStatusPending, models.OrderStatusCancelled)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}

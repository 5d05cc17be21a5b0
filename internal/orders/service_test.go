package orders

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/inventory"
	"storefront/internal/models"
	"storefront/internal/storage"
)

type orderFixture struct {
	store   *storage.MemoryStorage
	stock   *inventory.Service
	service *Service
	clock   *clock.Mock
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	locks := inventory.NewLockTable(inventory.LockTableOptions{Timeout: 5 * time.Second})
	t.Cleanup(locks.Close)

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	stock := inventory.NewService(store, locks, nil)
	return &orderFixture{
		store:   store,
		stock:   stock,
		service: NewService(store, stock, mock),
		clock:   mock,
	}
}

func (f *orderFixture) product(t *testing.T, quantity int) int64 {
	t.Helper()
	p := &models.Product{Name: "Mug", PriceCents: 1200}
	require.NoError(t, f.store.SaveProduct(context.Background(), p))
	_, err := f.stock.Adjust(context.Background(), p.ID, quantity)
	require.NoError(t, err)
	return p.ID
}

func (f *orderFixture) quantity(t *testing.T, id int64) int {
	t.Helper()
	inv, err := f.stock.Get(context.Background(), id)
	require.NoError(t, err)
	return inv.Quantity
}

var (
	alice = models.Identity{UserID: 1, Email: "alice@example.com", Role: models.RoleCustomer}
	bob   = models.Identity{UserID: 2, Email: "bob@example.com", Role: models.RoleCustomer}
	staff = models.Identity{UserID: 3, Email: "staff@example.com", Role: models.RoleStaff}
)

func requireServiceError(t *testing.T, err error, status int) *ServiceError {
	t.Helper()
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, status, se.StatusCode)
	return se
}

func TestService_Place(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	id := f.product(t, 5)

	order, err := f.service.Place(ctx, alice, &models.OrderCreateRequest{ProductID: id, Quantity: 2})
	require.NoError(t, err)

	assert.NotEmpty(t, order.ID)
	assert.Equal(t, alice.UserID, order.UserID)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, []models.OrderItem{{ProductID: id, Quantity: 2}}, order.Items)
	assert.Equal(t, f.clock.Now().UTC(), order.CreatedAt)
	assert.Equal(t, 3, f.quantity(t, id))

	stored, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Items, stored.Items)
}

func TestService_PlaceErrors(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	id := f.product(t, 1)

	tests := []struct {
		name   string
		req    *models.OrderCreateRequest
		status int
		code   string
	}{
		{"empty order", &models.OrderCreateRequest{}, http.StatusUnprocessableEntity, models.ErrorCodeValidation},
		{"zero quantity", &models.OrderCreateRequest{ProductID: id}, http.StatusUnprocessableEntity, models.ErrorCodeValidation},
		{"unknown product", &models.OrderCreateRequest{ProductID: 404, Quantity: 1}, http.StatusNotFound, models.ErrorCodeNotFound},
		{"insufficient stock", &models.OrderCreateRequest{ProductID: id, Quantity: 2}, http.StatusConflict, models.ErrorCodeInsufficientStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Place(ctx, alice, tt.req)
			se := requireServiceError(t, err, tt.status)
			assert.Equal(t, tt.code, se.Code)
		})
	}

	assert.Equal(t, 1, f.quantity(t, id))
}

func TestService_PlaceInsufficientStockIsDetectable(t *testing.T) {
	f := newOrderFixture(t)
	id := f.product(t, 0)

	_, err := f.service.Place(context.Background(), alice, &models.OrderCreateRequest{ProductID: id, Quantity: 1})
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
}

type failingOrderStore struct {
	*storage.MemoryStorage
}

func (failingOrderStore) SaveOrder(context.Context, *models.Order) error {
	return errors.New("connection reset")
}

func TestService_PlaceReturnsStockWhenSaveFails(t *testing.T) {
	f := newOrderFixture(t)
	id := f.product(t, 4)

	service := NewService(failingOrderStore{f.store}, f.stock, f.clock)
	_, err := service.Place(context.Background(), alice, &models.OrderCreateRequest{ProductID: id, Quantity: 3})
	requireServiceError(t, err, http.StatusServiceUnavailable)

	assert.Equal(t, 4, f.quantity(t, id))
}

func TestService_Cancel(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	a := f.product(t, 5)
	b := f.product(t, 5)

	order, err := f.service.Place(ctx, alice, &models.OrderCreateRequest{
		Items: []models.OrderItem{{ProductID: a, Quantity: 2}, {ProductID: b, Quantity: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.quantity(t, b))

	cancelled, err := f.service.Cancel(ctx, alice, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, f.quantity(t, a))
	assert.Equal(t, 5, f.quantity(t, b))

	_, err = f.service.Cancel(ctx, alice, order.ID)
	requireServiceError(t, err, http.StatusConflict)
	assert.Equal(t, 5, f.quantity(t, a))
}

// outageStore fails inventory writes for one product while down is set.
type outageStore struct {
	*storage.MemoryStorage
	down atomic.Int64
}

func (o *outageStore) UpdateInventory(ctx context.Context, id int64, fn storage.InventoryMutation) (*models.Inventory, error) {
	if o.down.Load() == id {
		return nil, errors.New("disk full")
	}
	return o.MemoryStorage.UpdateInventory(ctx, id, fn)
}

func TestService_CancelRetryAfterStorageFailure(t *testing.T) {
	ctx := context.Background()
	store := &outageStore{MemoryStorage: storage.NewMemoryStorage()}
	locks := inventory.NewLockTable(inventory.LockTableOptions{Timeout: 5 * time.Second})
	t.Cleanup(locks.Close)
	stock := inventory.NewService(store, locks, nil)
	service := NewService(store, stock, nil)

	var ids []int64
	for _, name := range []string{"Kettle", "Grinder"} {
		p := &models.Product{Name: name}
		require.NoError(t, store.SaveProduct(ctx, p))
		_, err := stock.Adjust(ctx, p.ID, 10)
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	quantity := func(id int64) int {
		inv, err := stock.Get(ctx, id)
		require.NoError(t, err)
		return inv.Quantity
	}

	order, err := service.Place(ctx, alice, &models.OrderCreateRequest{
		Items: []models.OrderItem{{ProductID: ids[0], Quantity: 3}, {ProductID: ids[1], Quantity: 3}},
	})
	require.NoError(t, err)

	store.down.Store(ids[1])
	_, err = service.Cancel(ctx, alice, order.ID)
	requireServiceError(t, err, http.StatusServiceUnavailable)

	// Nothing was restored and the order can be cancelled again.
	assert.Equal(t, 7, quantity(ids[0]))
	assert.Equal(t, 7, quantity(ids[1]))
	stored, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)

	store.down.Store(0)
	cancelled, err := service.Cancel(ctx, alice, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 10, quantity(ids[0]))
	assert.Equal(t, 10, quantity(ids[1]))
}

func TestService_ConcurrentCancelRestoresOnce(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	id := f.product(t, 3)

	order, err := f.service.Place(ctx, alice, &models.OrderCreateRequest{ProductID: id, Quantity: 3})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.service.Cancel(ctx, alice, order.ID); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 3, f.quantity(t, id))
}

func TestService_Visibility(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	id := f.product(t, 5)

	order, err := f.service.Place(ctx, alice, &models.OrderCreateRequest{ProductID: id, Quantity: 1})
	require.NoError(t, err)

	_, err = f.service.Get(ctx, alice, order.ID)
	assert.NoError(t, err)

	_, err = f.service.Get(ctx, staff, order.ID)
	assert.NoError(t, err)

	_, err = f.service.Get(ctx, bob, order.ID)
	requireServiceError(t, err, http.StatusNotFound)

	_, err = f.service.Cancel(ctx, bob, order.ID)
	requireServiceError(t, err, http.StatusNotFound)
	assert.Equal(t, 4, f.quantity(t, id))

	_, err = f.service.Get(ctx, alice, "missing")
	requireServiceError(t, err, http.StatusNotFound)
}

func TestServiceError(t *testing.T) {
	inner := errors.New("inner")
	err := NewUnavailableError("failed to save order", inner)
	assert.Equal(t, "failed to save order: inner", err.Error())
	assert.ErrorIs(t, err, inner)

	assert.Equal(t, "order 'x' cannot be cancelled", NewConflictError("order 'x' cannot be cancelled", nil).Error())
}

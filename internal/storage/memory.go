package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"storefront/internal/models"
)

// MemoryStorage keeps the catalog, stock levels, users and orders in process
// memory. Everything is lost on restart, which suits development and tests.
type MemoryStorage struct {
	clock     clock.Clock
	mu        sync.RWMutex
	products  map[int64]*models.Product
	inventory map[int64]*models.Inventory
	users     map[int64]*models.User
	emails    map[string]int64 // lower-cased email -> ID
	orders    map[string]*models.Order
	nextID    int64
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithClock sets the clock that stamps creation and update times.
func WithClock(clk clock.Clock) MemoryOption {
	return func(m *MemoryStorage) {
		if clk != nil {
			m.clock = clk
		}
	}
}

// NewMemoryStorage creates an empty store.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	m := &MemoryStorage{
		clock:     clock.New(),
		products:  make(map[int64]*models.Product),
		inventory: make(map[int64]*models.Inventory),
		users:     make(map[int64]*models.User),
		emails:    make(map[string]int64),
		orders:    make(map[string]*models.Order),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStorage) ListProducts(ctx context.Context) ([]*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	products := make([]*models.Product, 0, len(m.products))
	for _, p := range m.products {
		// Return a copy to prevent external modification
		cp := *p
		products = append(products, &cp)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (m *MemoryStorage) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.products[id]
	if !exists {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStorage) SaveProduct(ctx context.Context, product *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()
	if product.ID == 0 {
		product.ID = m.allocateID()
	} else if product.ID > m.nextID {
		m.nextID = product.ID
	}
	if existing, ok := m.products[product.ID]; ok {
		product.CreatedAt = existing.CreatedAt
	} else if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	// Store a copy to prevent external modification
	cp := *product
	m.products[product.ID] = &cp
	return nil
}

func (m *MemoryStorage) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.products[productID]; !exists {
		return nil, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	inv, exists := m.inventory[productID]
	if !exists {
		return &models.Inventory{ProductID: productID}, nil
	}
	cp := *inv
	return &cp, nil
}

// UpdateInventory holds the write lock for the whole read-modify-write.
func (m *MemoryStorage) UpdateInventory(ctx context.Context, productID int64, fn InventoryMutation) (*models.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.products[productID]; !exists {
		return nil, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}

	current := models.Inventory{ProductID: productID}
	if inv, exists := m.inventory[productID]; exists {
		current = *inv
	}

	if err := fn(&current); err != nil {
		return nil, err
	}
	current.ProductID = productID
	current.LastUpdated = m.clock.Now().UTC()

	stored := current
	m.inventory[productID] = &stored
	return &current, nil
}

func (m *MemoryStorage) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, exists := m.users[id]
	if !exists {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.emails[strings.ToLower(email)]
	if !exists {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemoryStorage) SaveUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(user.Email)
	if id, exists := m.emails[key]; exists {
		user.ID = id
		user.CreatedAt = m.users[id].CreatedAt
	} else {
		if user.ID == 0 {
			user.ID = m.allocateID()
		} else if user.ID > m.nextID {
			m.nextID = user.ID
		}
		if user.CreatedAt.IsZero() {
			user.CreatedAt = m.clock.Now().UTC()
		}
	}

	cp := *user
	m.users[user.ID] = &cp
	m.emails[key] = user.ID
	return nil
}

func (m *MemoryStorage) CompareAndSwapRole(ctx context.Context, id int64, expected, next models.Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, exists := m.users[id]
	if !exists {
		return false, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if u.Role != expected {
		return false, nil
	}
	u.Role = next
	return true, nil
}

func (m *MemoryStorage) SaveOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[order.ID] = copyOrder(order)
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, exists := m.orders[id]
	if !exists {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return copyOrder(o), nil
}

func (m *MemoryStorage) UpdateOrderStatus(ctx context.Context, id string, expected, next models.OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, exists := m.orders[id]
	if !exists {
		return false, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if o.Status != expected {
		return false, nil
	}
	o.Status = next
	o.UpdatedAt = m.clock.Now().UTC()
	return true, nil
}

func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for memory storage
func (m *MemoryStorage) Close() error {
	return nil
}

// allocateID must be called with mu held.
func (m *MemoryStorage) allocateID() int64 {
	m.nextID++
	return m.nextID
}

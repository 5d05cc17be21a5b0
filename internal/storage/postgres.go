package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS products (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	price_cents BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS inventory (
	product_id   BIGINT PRIMARY KEY REFERENCES products(id),
	quantity     INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT '',
	last_updated TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS users (
	id         BIGSERIAL PRIMARY KEY,
	email      TEXT NOT NULL,
	full_name  TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL DEFAULT 'CUSTOMER',
	last_login TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users (lower(email));
CREATE TABLE IF NOT EXISTS orders (
	id         TEXT PRIMARY KEY,
	user_id    BIGINT NOT NULL,
	items      JSONB NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// PostgresStorage implements the Storage interface using PostgreSQL.
// Inventory updates lock the row with SELECT ... FOR UPDATE.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgreSQL storage instance and applies
// the schema.
func NewPostgresStorage(cfg models.DatabaseConfig) (*PostgresStorage, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

func (ps *PostgresStorage) ListProducts(ctx context.Context) ([]*models.Product, error) {
	rows, err := ps.pool.Query(ctx,
		`SELECT id, name, description, price_cents, created_at, updated_at FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := []*models.Product{}
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, &p)
	}
	return products, rows.Err()
}

func (ps *PostgresStorage) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var p models.Product
	err := ps.pool.QueryRow(ctx,
		`SELECT id, name, description, price_cents, created_at, updated_at FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &p, nil
}

func (ps *PostgresStorage) SaveProduct(ctx context.Context, product *models.Product) error {
	if product.ID == 0 {
		err := ps.pool.QueryRow(ctx, `
			INSERT INTO products (name, description, price_cents) VALUES ($1, $2, $3)
			RETURNING id, created_at, updated_at`,
			product.Name, product.Description, product.PriceCents,
		).Scan(&product.ID, &product.CreatedAt, &product.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create product: %w", err)
		}
		return nil
	}

	err := ps.pool.QueryRow(ctx, `
		INSERT INTO products (id, name, description, price_cents) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
			price_cents = EXCLUDED.price_cents, updated_at = now()
		RETURNING created_at, updated_at`,
		product.ID, product.Name, product.Description, product.PriceCents,
	).Scan(&product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	// Keep the sequence ahead of explicitly chosen IDs.
	if _, err := ps.pool.Exec(ctx,
		`SELECT setval(pg_get_serial_sequence('products', 'id'), GREATEST((SELECT MAX(id) FROM products), 1))`); err != nil {
		return fmt.Errorf("failed to advance product sequence: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	inv := &models.Inventory{ProductID: productID}
	var (
		exists      bool
		quantity    *int32
		status      *string
		lastUpdated *time.Time
	)
	err := ps.pool.QueryRow(ctx, `
		SELECT true, i.quantity, i.status, i.last_updated
		FROM products p LEFT JOIN inventory i ON i.product_id = p.id
		WHERE p.id = $1`, productID,
	).Scan(&exists, &quantity, &status, &lastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %d: %w", productID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get inventory: %w", err)
	}

	if quantity != nil {
		inv.Quantity = int(*quantity)
	}
	if status != nil {
		inv.Status = *status
	}
	if lastUpdated != nil {
		inv.LastUpdated = *lastUpdated
	}
	return inv, nil
}

// UpdateInventory makes sure the row exists, then locks it FOR UPDATE for
// the rest of the transaction.
func (ps *PostgresStorage) UpdateInventory(ctx context.Context, productID int64, fn InventoryMutation) (*models.Inventory, error) {
	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var one int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM products WHERE id = $1`, productID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %d: %w", productID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to look up product: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO inventory (product_id) VALUES ($1) ON CONFLICT (product_id) DO NOTHING`, productID); err != nil {
		return nil, fmt.Errorf("failed to initialise inventory: %w", err)
	}

	current := &models.Inventory{ProductID: productID}
	var quantity int32
	if err := tx.QueryRow(ctx,
		`SELECT quantity, status FROM inventory WHERE product_id = $1 FOR UPDATE`, productID,
	).Scan(&quantity, &current.Status); err != nil {
		return nil, fmt.Errorf("failed to lock inventory: %w", err)
	}
	current.Quantity = int(quantity)

	if err := fn(current); err != nil {
		return nil, err
	}
	current.ProductID = productID

	if err := tx.QueryRow(ctx, `
		UPDATE inventory SET quantity = $2, status = $3, last_updated = now()
		WHERE product_id = $1 RETURNING last_updated`,
		productID, current.Quantity, current.Status,
	).Scan(&current.LastUpdated); err != nil {
		return nil, fmt.Errorf("failed to write inventory: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit inventory update: %w", err)
	}
	return current, nil
}

func (ps *PostgresStorage) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	u, err := ps.scanUser(ps.pool.QueryRow(ctx,
		`SELECT id, email, full_name, role, last_login, created_at FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, err
}

func (ps *PostgresStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := ps.scanUser(ps.pool.QueryRow(ctx,
		`SELECT id, email, full_name, role, last_login, created_at FROM users WHERE lower(email) = lower($1)`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	return u, err
}

func (ps *PostgresStorage) SaveUser(ctx context.Context, user *models.User) error {
	var lastLogin *time.Time
	if !user.LastLogin.IsZero() {
		lastLogin = &user.LastLogin
	}
	err := ps.pool.QueryRow(ctx, `
		INSERT INTO users (email, full_name, role, last_login) VALUES ($1, $2, $3, $4)
		ON CONFLICT (lower(email)) DO UPDATE SET full_name = EXCLUDED.full_name, role = EXCLUDED.role,
			last_login = EXCLUDED.last_login
		RETURNING id, created_at`,
		user.Email, user.FullName, string(user.Role), lastLogin,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) CompareAndSwapRole(ctx context.Context, id int64, expected, next models.Role) (bool, error) {
	tag, err := ps.pool.Exec(ctx, `UPDATE users SET role = $1 WHERE id = $2 AND role = $3`,
		string(next), id, string(expected))
	if err != nil {
		return false, fmt.Errorf("failed to update role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := ps.GetUserByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (ps *PostgresStorage) SaveOrder(ctx context.Context, order *models.Order) error {
	items, err := marshalItems(order.Items)
	if err != nil {
		return err
	}
	_, err = ps.pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, items, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET items = EXCLUDED.items, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		order.ID, order.UserID, items, string(order.Status), order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var (
		o      models.Order
		items  []byte
		status string
	)
	err := ps.pool.QueryRow(ctx,
		`SELECT id, user_id, items, status, created_at, updated_at FROM orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.UserID, &items, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	o.Status = models.OrderStatus(status)
	if o.Items, err = unmarshalItems(items); err != nil {
		return nil, err
	}
	return &o, nil
}

func (ps *PostgresStorage) UpdateOrderStatus(ctx context.Context, id string, expected, next models.OrderStatus) (bool, error) {
	tag, err := ps.pool.Exec(ctx, `UPDATE orders SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		string(next), id, string(expected))
	if err != nil {
		return false, fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := ps.GetOrder(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Ping checks database connectivity.
func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the connection pool.
func (ps *PostgresStorage) Close() error {
	ps.pool.Close()
	return nil
}

func (ps *PostgresStorage) scanUser(row pgx.Row) (*models.User, error) {
	var (
		u         models.User
		role      string
		lastLogin *time.Time
	)
	if err := row.Scan(&u.ID, &u.Email, &u.FullName, &role, &lastLogin, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = models.ParseRole(role)
	if lastLogin != nil {
		u.LastLogin = *lastLogin
	}
	return &u, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS products (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	price_cents INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS inventory (
	product_id   INTEGER PRIMARY KEY REFERENCES products(id),
	quantity     INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT '',
	last_updated TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	email      TEXT NOT NULL UNIQUE COLLATE NOCASE,
	full_name  TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL DEFAULT 'CUSTOMER',
	last_login TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	id         TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL,
	items      TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteStorage implements Storage on SQLite. Inventory updates run inside
// BEGIN IMMEDIATE transactions, which take the database write lock before
// the row is read.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (and if needed creates) the database at dsn.
func NewSQLiteStorage(dsn string) (*SQLiteStorage, error) {
	if dsn == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", withBusyTimeout(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// withBusyTimeout makes writers wait for the lock instead of failing with
// SQLITE_BUSY.
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

func (ss *SQLiteStorage) ListProducts(ctx context.Context) ([]*models.Product, error) {
	rows, err := ss.db.QueryContext(ctx,
		`SELECT id, name, description, price_cents, created_at, updated_at FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := []*models.Product{}
	for rows.Next() {
		p, err := scanSQLiteProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (ss *SQLiteStorage) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	row := ss.db.QueryRowContext(ctx,
		`SELECT id, name, description, price_cents, created_at, updated_at FROM products WHERE id = ?`, id)
	p, err := scanSQLiteProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	return p, err
}

func (ss *SQLiteStorage) SaveProduct(ctx context.Context, product *models.Product) error {
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	if product.ID == 0 {
		res, err := ss.db.ExecContext(ctx,
			`INSERT INTO products (name, description, price_cents, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			product.Name, product.Description, product.PriceCents, formatTime(product.CreatedAt), formatTime(product.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to create product: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read product id: %w", err)
		}
		product.ID = id
		return nil
	}

	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO products (id, name, description, price_cents, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description,
			price_cents = excluded.price_cents, updated_at = excluded.updated_at`,
		product.ID, product.Name, product.Description, product.PriceCents, formatTime(product.CreatedAt), formatTime(product.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

func (ss *SQLiteStorage) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	if err := ss.productExists(ctx, ss.db, productID); err != nil {
		return nil, err
	}

	inv := &models.Inventory{ProductID: productID}
	var lastUpdated string
	err := ss.db.QueryRowContext(ctx,
		`SELECT quantity, status, last_updated FROM inventory WHERE product_id = ?`, productID,
	).Scan(&inv.Quantity, &inv.Status, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return inv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory: %w", err)
	}
	if inv.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return nil, err
	}
	return inv, nil
}

// UpdateInventory pins one connection and opens the transaction with BEGIN
// IMMEDIATE, since database/sql cannot request that mode.
func (ss *SQLiteStorage) UpdateInventory(ctx context.Context, productID int64, fn InventoryMutation) (_ *models.Inventory, err error) {
	conn, err := ss.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := ss.productExists(ctx, conn, productID); err != nil {
		return nil, err
	}

	current := &models.Inventory{ProductID: productID}
	var lastUpdated string
	err = conn.QueryRowContext(ctx,
		`SELECT quantity, status, last_updated FROM inventory WHERE product_id = ?`, productID,
	).Scan(&current.Quantity, &current.Status, &lastUpdated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	err = nil

	if err := fn(current); err != nil {
		return nil, err
	}
	current.ProductID = productID
	current.LastUpdated = time.Now().UTC()

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO inventory (product_id, quantity, status, last_updated) VALUES (?, ?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET quantity = excluded.quantity, status = excluded.status,
			last_updated = excluded.last_updated`,
		productID, current.Quantity, current.Status, formatTime(current.LastUpdated)); err != nil {
		return nil, fmt.Errorf("failed to write inventory: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("failed to commit inventory update: %w", err)
	}
	return current, nil
}

func (ss *SQLiteStorage) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	row := ss.db.QueryRowContext(ctx,
		`SELECT id, email, full_name, role, last_login, created_at FROM users WHERE id = ?`, id)
	u, err := scanSQLiteUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, err
}

func (ss *SQLiteStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := ss.db.QueryRowContext(ctx,
		`SELECT id, email, full_name, role, last_login, created_at FROM users WHERE email = ?`, email)
	u, err := scanSQLiteUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	return u, err
}

func (ss *SQLiteStorage) SaveUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	err := ss.db.QueryRowContext(ctx, `
		INSERT INTO users (email, full_name, role, last_login, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET full_name = excluded.full_name, role = excluded.role,
			last_login = excluded.last_login
		RETURNING id, created_at`,
		user.Email, user.FullName, string(user.Role), formatTime(user.LastLogin), formatTime(user.CreatedAt),
	).Scan(&user.ID, new(string))
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (ss *SQLiteStorage) CompareAndSwapRole(ctx context.Context, id int64, expected, next models.Role) (bool, error) {
	res, err := ss.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ? AND role = ?`,
		string(next), id, string(expected))
	if err != nil {
		return false, fmt.Errorf("failed to update role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := ss.GetUserByID(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (ss *SQLiteStorage) SaveOrder(ctx context.Context, order *models.Order) error {
	items, err := marshalItems(order.Items)
	if err != nil {
		return err
	}
	_, err = ss.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, items, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET items = excluded.items, status = excluded.status, updated_at = excluded.updated_at`,
		order.ID, order.UserID, string(items), string(order.Status), formatTime(order.CreatedAt), formatTime(order.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (ss *SQLiteStorage) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var (
		o                    models.Order
		items, status        string
		createdAt, updatedAt string
	)
	err := ss.db.QueryRowContext(ctx,
		`SELECT id, user_id, items, status, created_at, updated_at FROM orders WHERE id = ?`, id,
	).Scan(&o.ID, &o.UserID, &items, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	o.Status = models.OrderStatus(status)
	if o.Items, err = unmarshalItems([]byte(items)); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (ss *SQLiteStorage) UpdateOrderStatus(ctx context.Context, id string, expected, next models.OrderStatus) (bool, error) {
	res, err := ss.db.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), formatTime(time.Now().UTC()), id, string(expected))
	if err != nil {
		return false, fmt.Errorf("failed to update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := ss.GetOrder(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (ss *SQLiteStorage) Ping(ctx context.Context) error {
	return ss.db.PingContext(ctx)
}

// Close closes the storage connection
func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (ss *SQLiteStorage) productExists(ctx context.Context, q sqliteQuerier, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM products WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up product: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteProduct(row rowScanner) (*models.Product, error) {
	var (
		p                    models.Product
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanSQLiteUser(row rowScanner) (*models.User, error) {
	var (
		u                    models.User
		role                 string
		lastLogin, createdAt string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.FullName, &role, &lastLogin, &createdAt); err != nil {
		return nil, err
	}
	u.Role = models.ParseRole(role)
	var err error
	if u.LastLogin, err = parseTime(lastLogin); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

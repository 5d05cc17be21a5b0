package models

import (
	"errors"
	"fmt"
	"time"
)

// Product is a catalog entry. Inventory is tracked separately.
type Product struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	PriceCents  int64     `json:"price_cents"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Inventory is the shared per-product stock counter.
type Inventory struct {
	ProductID   int64     `json:"product_id"`
	Quantity    int       `json:"quantity"`
	Status      string    `json:"status"`
	LastUpdated time.Time `json:"last_updated,omitempty"`
}

// ProductView is the read model served by product endpoints; it embeds
// inventory state and is therefore cached and invalidated on stock changes.
type ProductView struct {
	Product
	Quantity    int    `json:"quantity"`
	StockStatus string `json:"stock_status"`
}

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

type OrderItem struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type Order struct {
	ID        string      `json:"id"`
	UserID    int64       `json:"user_id"`
	Items     []OrderItem `json:"items"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// OrderCreateRequest accepts either a single product/quantity pair or an
// explicit item list.
type OrderCreateRequest struct {
	ProductID int64       `json:"productId,omitempty"`
	Quantity  int         `json:"quantity,omitempty"`
	Items     []OrderItem `json:"items,omitempty"`
}

// Normalize returns the request's items, folding the single-item form into
// the list form.
func (r *OrderCreateRequest) Normalize() []OrderItem {
	items := append([]OrderItem(nil), r.Items...)
	if r.ProductID != 0 {
		items = append(items, OrderItem{ProductID: r.ProductID, Quantity: r.Quantity})
	}
	return items
}

func (r *OrderCreateRequest) Validate() error {
	items := r.Normalize()
	if len(items) == 0 {
		return errors.New("order must contain at least one item")
	}
	for _, it := range items {
		if it.ProductID <= 0 {
			return errors.New("productId must be positive")
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("quantity for product %d must be positive", it.ProductID)
		}
	}
	return nil
}

type InventoryAdjustRequest struct {
	Quantity *int `json:"quantity"`
}

func (r *InventoryAdjustRequest) Validate() error {
	if r.Quantity == nil {
		return errors.New("quantity is required")
	}
	if *r.Quantity < 0 {
		return errors.New("quantity cannot be negative")
	}
	return nil
}

type LoginRequest struct {
	Email string `json:"email"`
}

// RefreshTokenRequest carries a refresh token to rotate, or to revoke on
// logout.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"storefront/internal/models"
)

// marshalItems converts order items to JSON bytes.
func marshalItems(items []models.OrderItem) ([]byte, error) {
	if items == nil {
		items = []models.OrderItem{}
	}
	return json.Marshal(items)
}

// unmarshalItems converts JSON bytes to order items.
func unmarshalItems(data []byte) ([]models.OrderItem, error) {
	if len(data) == 0 {
		return []models.OrderItem{}, nil
	}
	var items []models.OrderItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order items: %w", err)
	}
	if items == nil {
		items = []models.OrderItem{}
	}
	return items, nil
}

// formatTime renders t for TEXT timestamp columns. The zero time is stored
// as an empty string.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime is the inverse of formatTime.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// copyOrder returns a deep copy of o.
func copyOrder(o *models.Order) *models.Order {
	cp := *o
	cp.Items = append([]models.OrderItem(nil), o.Items...)
	return &cp
}

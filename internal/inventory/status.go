package inventory

import "fmt"

// StatusLabel derives the human-readable stock label shown next to a product.
func StatusLabel(quantity int) string {
	switch {
	case quantity <= 0:
		return "Out of stock"
	case quantity == 1:
		return "1 unit in stock"
	case quantity <= 10:
		return fmt.Sprintf("%d units in stock", quantity)
	case quantity <= 15:
		return "Few units in stock"
	default:
		return "In stock"
	}
}

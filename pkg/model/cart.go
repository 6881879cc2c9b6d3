package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LineItem is one product entry in the cart. It serialises flat, the product
// fields next to "amount".
type LineItem struct {
	Product
	Amount int `json:"amount"`
}

// Subtotal is the line price times its amount.
func (i LineItem) Subtotal() Money {
	return NewMoney(i.Price.Mul(decimal.NewFromInt(int64(i.Amount))))
}

// Cart is an ordered list of line items; insertion order is display order.
type Cart []LineItem

// Index returns the position of productID, or -1 when it is not in the cart.
func (c Cart) Index(productID int) int {
	for i, item := range c {
		if item.ID == productID {
			return i
		}
	}
	return -1
}

func (c Cart) Find(productID int) (LineItem, bool) {
	if i := c.Index(productID); i >= 0 {
		return c[i], true
	}
	return LineItem{}, false
}

// Clone returns a copy that shares nothing with c. The copy is never nil so
// it always serialises as a JSON array.
func (c Cart) Clone() Cart {
	out := make(Cart, len(c))
	copy(out, c)
	return out
}

// Size is the total number of units in the cart.
func (c Cart) Size() int {
	n := 0
	for _, item := range c {
		n += item.Amount
	}
	return n
}

func (c Cart) Total() Money {
	total := decimal.Zero
	for _, item := range c {
		total = total.Add(item.Subtotal().Decimal)
	}
	return NewMoney(total)
}

// Validate checks the cart invariants: one line per product, amount >= 1.
func (c Cart) Validate() error {
	seen := make(map[int]struct{}, len(c))
	for _, item := range c {
		if item.Amount < 1 {
			return fmt.Errorf("product %d has invalid amount %d", item.ID, item.Amount)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("product %d appears more than once", item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}

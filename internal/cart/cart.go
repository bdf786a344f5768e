package cart

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"flakies/terminal/internal/domain"
)

var (
	ErrInvalidItem = errors.New("invalid cart item")
	ErrOutOfRange  = errors.New("line index out of range")
)

// DiscountFunc computes the cart-level discount from the current subtotal.
// The default returns zero; a per-business policy can be plugged in without
// touching the totals math.
type DiscountFunc func(subtotal decimal.Decimal) decimal.Decimal

func zeroDiscount(decimal.Decimal) decimal.Decimal {
	return decimal.Zero
}

// Cart is the mutable line-item set for the current checkout session.
// All money values are fixed-point decimals; totals are never accumulated
// in floating point.
type Cart struct {
	mu       sync.Mutex
	lines    []domain.CartLine
	taxRate  decimal.Decimal
	discount DiscountFunc
}

func New(taxRate decimal.Decimal) *Cart {
	return &Cart{
		lines:    make([]domain.CartLine, 0, 8),
		taxRate:  taxRate,
		discount: zeroDiscount,
	}
}

func (c *Cart) SetDiscountFunc(fn DiscountFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = zeroDiscount
	}
	c.discount = fn
}

// AddItem appends a line, or merges into the existing line when the product
// is already in the cart.
func (c *Cart) AddItem(productID string, unitPrice decimal.Decimal, quantity int) error {
	if productID == "" || quantity < 1 || unitPrice.IsNegative() {
		return ErrInvalidItem
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			c.lines[i].Quantity += quantity
			return nil
		}
	}

	c.lines = append(c.lines, domain.CartLine{
		ProductID: productID,
		UnitPrice: unitPrice,
		Quantity:  quantity,
	})
	return nil
}

// SetQuantity overwrites the quantity of the line at index. Zero is a valid
// quantity and does not remove the line; removal is always explicit.
func (c *Cart) SetQuantity(index int, quantity int) error {
	if quantity < 0 {
		return ErrInvalidItem
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.lines) {
		return ErrOutOfRange
	}
	c.lines[index].Quantity = quantity
	return nil
}

func (c *Cart) RemoveItem(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.lines) {
		return ErrOutOfRange
	}
	c.lines = append(c.lines[:index], c.lines[index+1:]...)
	return nil
}

// Reset clears all lines. The tax rate and discount hook are unaffected.
func (c *Cart) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = c.lines[:0]
}

// Lines returns a snapshot copy of the current lines.
func (c *Cart) Lines() []domain.CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make([]domain.CartLine, len(c.lines))
	copy(snapshot, c.lines)
	return snapshot
}

func (c *Cart) TaxRate() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taxRate
}

// Snapshot returns the current lines together with the totals computed from
// those same lines under one lock. Checkout must use this instead of separate
// Lines/Totals calls: a mutation slipping in between would commit a
// transaction whose totals do not match its items.
func (c *Cart) Snapshot() ([]domain.CartLine, domain.Totals) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := make([]domain.CartLine, len(c.lines))
	copy(lines, c.lines)
	return lines, c.totalsLocked()
}

// Totals computes subtotal, tax, discount and total from the current lines.
// It is a pure function of cart state: calling it twice without a mutation
// yields identical results, and subtotal + tax - discount == total exactly.
func (c *Cart) Totals() domain.Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalsLocked()
}

func (c *Cart) totalsLocked() domain.Totals {
	subtotal := decimal.Zero
	for _, line := range c.lines {
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	tax := subtotal.Mul(c.taxRate).Round(2)
	discount := c.discount(subtotal).Round(2)

	return domain.Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Total:    subtotal.Add(tax).Sub(discount),
	}
}

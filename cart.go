package main

import (
	"github.com/shopspring/decimal"
)

// CartItem pairs a product snapshot with the quantity the shopper wants.
// Stock is the last known stock and is the ceiling for Quantity.
type CartItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	ImageRef  string          `json:"image_ref,omitempty"`
	Quantity  int             `json:"quantity"`
}

func (it CartItem) Subtotal() decimal.Decimal {
	return it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// Cart is a session-local value. Every mutation keeps 1 <= Quantity <= Stock for
// each item; quantities are clamped instead of rejected.
type Cart struct {
	Items []CartItem `json:"items"`
}

// CartAdjustment reports a change Refresh had to make to keep the cart consistent
// with the catalog. To is 0 when the item was dropped.
type CartAdjustment struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	From      int    `json:"from"`
	To        int    `json:"to"`
	Reason    string `json:"reason"`
}

const (
	adjustClamped     = "clamped"
	adjustOutOfStock  = "out_of_stock"
	adjustUnavailable = "unavailable"
)

func (c *Cart) index(productID string) int {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

func (c *Cart) remove(i int) {
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
}

func snapshot(p Product) CartItem {
	it := CartItem{
		ProductID: p.ID,
		Name:      p.Name,
		Price:     p.Price,
		Stock:     p.Stock,
	}
	if len(p.Images) > 0 {
		it.ImageRef = p.Images[0]
	}
	return it
}

// AddItem adds qty units of p, capped at p.Stock. A non-positive qty counts as one
// unit. It reports whether the resulting quantity is lower than requested.
func (c *Cart) AddItem(p Product, qty int) bool {
	if qty <= 0 {
		qty = 1
	}
	i := c.index(p.ID)
	if i < 0 {
		if p.Stock <= 0 {
			return true
		}
		it := snapshot(p)
		it.Quantity = min(qty, p.Stock)
		c.Items = append(c.Items, it)
		return it.Quantity < qty
	}

	it := snapshot(p)
	if qty > p.Stock-c.Items[i].Quantity {
		if p.Stock <= 0 {
			c.remove(i)
			return true
		}
		it.Quantity = p.Stock
		c.Items[i] = it
		return true
	}
	it.Quantity = c.Items[i].Quantity + qty
	c.Items[i] = it
	return false
}

// RemoveItem is a no-op when the product is not in the cart.
func (c *Cart) RemoveItem(productID string) {
	if i := c.index(productID); i >= 0 {
		c.remove(i)
	}
}

// SetQuantity removes the item when qty <= 0 and otherwise clamps qty to
// [1, stock]. Unknown products are ignored.
func (c *Cart) SetQuantity(productID string, qty int) bool {
	i := c.index(productID)
	if i < 0 {
		return false
	}
	if qty <= 0 {
		c.remove(i)
		return false
	}
	it := &c.Items[i]
	it.Quantity = min(qty, it.Stock)
	if it.Quantity <= 0 {
		c.remove(i)
		return true
	}
	return it.Quantity < qty
}

func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range c.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// Count returns the number of units in the cart.
func (c *Cart) Count() int {
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

func (c *Cart) Clear() {
	c.Items = nil
}

// Refresh reconciles the cart with fresh catalog snapshots keyed by product id.
// Products missing from the map are treated as no longer for sale.
func (c *Cart) Refresh(products map[string]Product) []CartAdjustment {
	var adjustments []CartAdjustment
	kept := c.Items[:0]
	for _, it := range c.Items {
		p, ok := products[it.ProductID]
		switch {
		case !ok:
			adjustments = append(adjustments, CartAdjustment{ProductID: it.ProductID, Name: it.Name, From: it.Quantity, Reason: adjustUnavailable})
			continue
		case p.Stock <= 0:
			adjustments = append(adjustments, CartAdjustment{ProductID: it.ProductID, Name: p.Name, From: it.Quantity, Reason: adjustOutOfStock})
			continue
		}
		fresh := snapshot(p)
		fresh.Quantity = it.Quantity
		if fresh.Quantity > p.Stock {
			fresh.Quantity = p.Stock
			adjustments = append(adjustments, CartAdjustment{ProductID: it.ProductID, Name: p.Name, From: it.Quantity, To: p.Stock, Reason: adjustClamped})
		}
		kept = append(kept, fresh)
	}
	c.Items = kept
	return adjustments
}

// Lines converts the cart into checkout lines.
func (c *Cart) Lines() []CheckoutReq {
	lines := make([]CheckoutReq, 0, len(c.Items))
	for _, it := range c.Items {
		lines = append(lines, CheckoutReq{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return lines
}

func (c *Cart) ProductIDs() []string {
	ids := make([]string, 0, len(c.Items))
	for _, it := range c.Items {
		ids = append(ids, it.ProductID)
	}
	return ids
}

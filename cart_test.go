package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func product(id, price string, stock int) Product {
	return Product{ID: id, Name: "product " + id, Price: decimal.RequireFromString(price), Stock: stock}
}

func TestCart_Total(t *testing.T) {
	var c Cart
	c.AddItem(product("A", "10", 5), 2)
	c.AddItem(product("B", "5", 5), 1)

	assert.True(t, c.Total().Equal(decimal.NewFromInt(25)), "total = %s", c.Total())
	assert.Equal(t, 3, c.Count())
}

func TestCart_AddItem(t *testing.T) {
	tests := []struct {
		name        string
		stock       int
		adds        []int
		wantQty     int
		wantClamped bool
		wantItems   int
	}{
		{name: "within stock", stock: 5, adds: []int{2}, wantQty: 2, wantItems: 1},
		{name: "clamped on insert", stock: 3, adds: []int{10}, wantQty: 3, wantClamped: true, wantItems: 1},
		{name: "increments existing", stock: 5, adds: []int{2, 2}, wantQty: 4, wantItems: 1},
		{name: "increment capped at stock", stock: 5, adds: []int{4, 4}, wantQty: 5, wantClamped: true, wantItems: 1},
		{name: "non-positive counts as one", stock: 5, adds: []int{0, -3}, wantQty: 2, wantItems: 1},
		{name: "out of stock not inserted", stock: 0, adds: []int{1}, wantClamped: true, wantItems: 0},
		{name: "huge increment saturates at stock", stock: 5, adds: []int{2, math.MaxInt}, wantQty: 5, wantClamped: true, wantItems: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Cart
			var clamped bool
			for _, q := range tt.adds {
				clamped = c.AddItem(product("A", "1", tt.stock), q)
			}
			assert.Equal(t, tt.wantClamped, clamped)
			require.Len(t, c.Items, tt.wantItems)
			if tt.wantItems > 0 {
				assert.Equal(t, tt.wantQty, c.Items[0].Quantity)
			}
		})
	}
}

func TestCart_AddItemRefreshesSnapshot(t *testing.T) {
	var c Cart
	c.AddItem(product("A", "10", 5), 4)
	c.AddItem(product("A", "12", 2), 1)

	require.Len(t, c.Items, 1)
	assert.Equal(t, 2, c.Items[0].Quantity)
	assert.True(t, c.Items[0].Price.Equal(decimal.NewFromInt(12)))
}

func TestCart_SetQuantity(t *testing.T) {
	var c Cart
	c.AddItem(product("A", "1", 4), 1)

	assert.True(t, c.SetQuantity("A", 9))
	assert.Equal(t, 4, c.Items[0].Quantity)

	assert.False(t, c.SetQuantity("A", 2))
	assert.Equal(t, 2, c.Items[0].Quantity)

	assert.False(t, c.SetQuantity("missing", 3))
	assert.Len(t, c.Items, 1)

	c.SetQuantity("A", 0)
	assert.True(t, c.IsEmpty())
}

func TestCart_RemoveItemIsIdempotent(t *testing.T) {
	var c Cart
	c.AddItem(product("A", "1", 4), 1)
	c.AddItem(product("B", "1", 4), 1)

	c.RemoveItem("A")
	c.RemoveItem("A")

	require.Len(t, c.Items, 1)
	assert.Equal(t, "B", c.Items[0].ProductID)
}

func TestCart_Clear(t *testing.T) {
	var c Cart
	c.AddItem(product("A", "1", 4), 1)
	c.Clear()
	assert.True(t, c.IsEmpty())
	assert.True(t, c.Total().IsZero())
}

func TestCart_Refresh(t *testing.T) {
	var c Cart
	c.AddItem(product("A", "10", 5), 4)
	c.AddItem(product("B", "5", 5), 1)
	c.AddItem(product("C", "7", 5), 2)

	adjustments := c.Refresh(map[string]Product{
		"A": product("A", "11", 2),
		"B": product("B", "5", 0),
	})

	require.Len(t, c.Items, 1)
	assert.Equal(t, "A", c.Items[0].ProductID)
	assert.Equal(t, 2, c.Items[0].Quantity)
	assert.True(t, c.Items[0].Price.Equal(decimal.NewFromInt(11)))

	reasons := map[string]string{}
	for _, a := range adjustments {
		reasons[a.ProductID] = a.Reason
	}
	assert.Equal(t, map[string]string{"A": adjustClamped, "B": adjustOutOfStock, "C": adjustUnavailable}, reasons)
}

func TestCart_Lines(t *testing.T) {
	var c Cart
	c.AddItem(product("A", "10", 5), 2)
	c.AddItem(product("B", "5", 5), 1)

	assert.Equal(t, []CheckoutReq{{ProductID: "A", Quantity: 2}, {ProductID: "B", Quantity: 1}}, c.Lines())
	assert.Equal(t, []string{"A", "B"}, c.ProductIDs())
}

func TestCart_InvariantHoldsForRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	catalog := []Product{
		product("A", "1", 0),
		product("B", "2", 1),
		product("C", "3", 3),
		product("D", "4", 10),
	}

	var c Cart
	for i := 0; i < 5000; i++ {
		p := catalog[rng.Intn(len(catalog))]
		switch rng.Intn(3) {
		case 0:
			c.AddItem(p, rng.Intn(15)-3)
		case 1:
			c.RemoveItem(p.ID)
		case 2:
			c.SetQuantity(p.ID, rng.Intn(15)-3)
		}
		seen := map[string]bool{}
		for _, it := range c.Items {
			require.False(t, seen[it.ProductID], "duplicate line for %s", it.ProductID)
			seen[it.ProductID] = true
			require.GreaterOrEqual(t, it.Quantity, 1)
			require.LessOrEqual(t, it.Quantity, it.Stock)
		}
	}
}

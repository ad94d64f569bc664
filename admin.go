package main

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const deletedProductName = "deleted product"

// AdminService is the back office. Every method requires an admin identity.
type AdminService struct {
	store    Storage
	orders   *OrderService
	loc      *time.Location
	lowStock int
	now      func() time.Time
}

func NewAdminService(store Storage, orders *OrderService, loc *time.Location, lowStock int) *AdminService {
	if loc == nil {
		loc = time.UTC
	}
	return &AdminService{
		store:    store,
		orders:   orders,
		loc:      loc,
		lowStock: lowStock,
		now:      time.Now,
	}
}

// ListOrders filters by exact status and by a case-insensitive substring of the
// order id, customer name or customer email. Newest orders come first.
func (s *AdminService) ListOrders(ctx context.Context, actor Identity, f OrderFilter) ([]Order, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if f.Status != "" {
		st, ok := ParseOrderStatus(string(f.Status))
		if !ok {
			return nil, validationError("unknown status %q", f.Status)
		}
		f.Status = st
	}
	f.Search = strings.TrimSpace(f.Search)
	return s.store.ListOrders(ctx, f)
}

func (s *AdminService) GetOrder(ctx context.Context, actor Identity, id string) (*Order, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.store.GetOrder(ctx, id)
}

func (s *AdminService) UpdateStatus(ctx context.Context, actor Identity, id, status string) (*Order, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	next, ok := ParseOrderStatus(status)
	if !ok {
		return nil, validationError("unknown status %q", status)
	}
	return s.orders.UpdateStatus(ctx, actor, id, next)
}

// AggregateRevenue returns exactly days daily buckets ending today in the
// configured time zone, oldest first. Cancelled orders are excluded.
func (s *AdminService) AggregateRevenue(ctx context.Context, actor Identity, days int) ([]RevenueBucket, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if days < 1 || days > 366 {
		return nil, validationError("days must be between 1 and 366")
	}
	now := s.now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	start := today.AddDate(0, 0, -(days - 1))

	orders, err := s.store.ListOrders(ctx, OrderFilter{Since: start})
	if err != nil {
		return nil, err
	}

	buckets := make([]RevenueBucket, days)
	index := make(map[string]int, days)
	for i := range buckets {
		d := start.AddDate(0, 0, i)
		key := d.Format(time.DateOnly)
		buckets[i] = RevenueBucket{Day: key, Start: d, Revenue: decimal.Zero}
		index[key] = i
	}
	for _, o := range orders {
		if o.Status == StatusCancelled {
			continue
		}
		i, ok := index[o.CreatedAt.In(s.loc).Format(time.DateOnly)]
		if !ok {
			continue
		}
		buckets[i].Revenue = buckets[i].Revenue.Add(o.Total)
		buckets[i].Orders++
	}
	return buckets, nil
}

// TopProducts ranks products by units sold in non-cancelled orders. Products
// that left the catalog keep their rank under a placeholder name.
func (s *AdminService) TopProducts(ctx context.Context, actor Identity, limit int) ([]TopProduct, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if limit < 1 || limit > 100 {
		return nil, validationError("limit must be between 1 and 100")
	}
	orders, err := s.store.ListOrders(ctx, OrderFilter{})
	if err != nil {
		return nil, err
	}

	sold := make(map[string]int)
	for _, o := range orders {
		if o.Status == StatusCancelled {
			continue
		}
		for _, l := range o.Lines {
			sold[l.ProductID] += l.Quantity
		}
	}
	top := make([]TopProduct, 0, len(sold))
	for id, qty := range sold {
		top = append(top, TopProduct{ProductID: id, Quantity: qty})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Quantity != top[j].Quantity {
			return top[i].Quantity > top[j].Quantity
		}
		return top[i].ProductID < top[j].ProductID
	})
	if len(top) > limit {
		top = top[:limit]
	}

	for i := range top {
		p, err := s.store.GetProduct(ctx, top[i].ProductID)
		switch {
		case errors.Is(err, ErrNotFound):
			top[i].Name = deletedProductName
			top[i].Deleted = true
		case err != nil:
			return nil, err
		default:
			top[i].Name = p.Name
		}
	}
	return top, nil
}

func (s *AdminService) Stats(ctx context.Context, actor Identity) (*DashboardStats, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	orders, err := s.store.ListOrders(ctx, OrderFilter{})
	if err != nil {
		return nil, err
	}
	products, err := s.store.ListProducts(ctx, ProductFilter{})
	if err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	stats := &DashboardStats{
		TotalOrders:    len(orders),
		OrdersByStatus: make(map[OrderStatus]int, len(orderStatuses)),
		Revenue:        decimal.Zero,
		Products:       len(products),
		Users:          len(users),
		LowStock:       []Product{},
	}
	for _, st := range orderStatuses {
		stats.OrdersByStatus[st] = 0
	}
	for _, o := range orders {
		stats.OrdersByStatus[o.Status]++
		if o.Status != StatusCancelled {
			stats.Revenue = stats.Revenue.Add(o.Total)
		}
	}
	for _, p := range products {
		if p.Stock <= s.lowStock {
			stats.LowStock = append(stats.LowStock, p)
		}
	}
	sort.SliceStable(stats.LowStock, func(i, j int) bool {
		return stats.LowStock[i].Stock < stats.LowStock[j].Stock
	})
	return stats, nil
}

func (s *AdminService) ListUsers(ctx context.Context, actor Identity) ([]User, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.store.ListUsers(ctx)
}

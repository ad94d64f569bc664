package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/shopspring/decimal"
)

const (
	orderIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	orderIDLength   = 20
	maxOrderLines   = 100
	maxLineQuantity = 10000
	maxFieldLength  = 200
	maxIdemKeyLen   = 128
)

// OrderService owns order creation and the status lifecycle. Stock is only
// ever decremented inside Storage.PlaceOrder.
type OrderService struct {
	store   Storage
	files   FileStorage
	catalog *CatalogService
	metrics *Metrics
	now     func() time.Time
	newID   func() string
}

func NewOrderService(store Storage, files FileStorage, catalog *CatalogService, metrics *Metrics) (*OrderService, error) {
	gen, err := nanoid.CustomASCII(orderIDAlphabet, orderIDLength)
	if err != nil {
		return nil, err
	}
	return &OrderService{
		store:   store,
		files:   files,
		catalog: catalog,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   gen,
	}, nil
}

// Create validates the request, prices it from the store, uploads the payment
// proof and places the order in one transaction. A proof uploaded for an order
// that is not stored is removed again.
func (s *OrderService) Create(ctx context.Context, actor Identity, req CreateOrderRequest, proof *Upload) (*Order, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthorized
	}
	lines, err := normalizeLines(req.Items)
	if err != nil {
		s.metrics.orderOutcome("invalid")
		return nil, err
	}
	if err := validateShipping(&req.Shipping); err != nil {
		s.metrics.orderOutcome("invalid")
		return nil, err
	}
	if proof == nil || proof.Body == nil {
		s.metrics.orderOutcome("invalid")
		return nil, validationError("payment proof is required")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) > maxIdemKeyLen {
		return nil, validationError("idempotency key is too long")
	}
	if key != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, actor.UserID, key)
		if err == nil {
			s.metrics.orderOutcome("replayed")
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	orderLines, total, err := s.priceLines(ctx, lines)
	if err != nil {
		s.metrics.orderOutcome("rejected")
		return nil, err
	}

	ref, err := s.files.Save(ctx, BucketProofs, *proof)
	if err != nil {
		s.metrics.orderOutcome("upload_failed")
		return nil, err
	}

	now := s.now()
	order := &Order{
		ID:              s.newID(),
		UserID:          actor.UserID,
		CustomerName:    actor.Name,
		CustomerEmail:   actor.Email,
		Lines:           orderLines,
		Shipping:        req.Shipping,
		PaymentProofRef: ref,
		Total:           total,
		Status:          StatusPending,
		IdempotencyKey:  key,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.PlaceOrder(ctx, order); err != nil {
		s.discardProof(ctx, ref)
		if errors.Is(err, ErrDuplicateRequest) && key != "" {
			if existing, gerr := s.store.GetOrderByIdempotencyKey(ctx, actor.UserID, key); gerr == nil {
				s.metrics.orderOutcome("replayed")
				return existing, nil
			}
		}
		s.metrics.orderOutcome("rejected")
		slog.Warn("order rejected", "user_id", actor.UserID, "err", err)
		return nil, err
	}

	ids := make([]string, 0, len(orderLines))
	for _, l := range orderLines {
		ids = append(ids, l.ProductID)
	}
	if s.catalog != nil {
		s.catalog.Invalidate(ctx, ids...)
	}
	s.metrics.orderOutcome("created")
	slog.Info("order created",
		"order_id", order.ID,
		"user_id", actor.UserID,
		"status", order.Status,
		"total", order.Total.StringFixed(2),
		"lines", len(order.Lines),
	)
	return order, nil
}

func (s *OrderService) discardProof(ctx context.Context, ref string) {
	if err := s.files.Delete(context.WithoutCancel(ctx), BucketProofs, ref); err != nil {
		slog.Error("failed to remove orphaned payment proof", "ref", ref, "err", err)
	}
}

// priceLines snapshots every product from the store, never from the cache, and
// computes the total from current prices.
func (s *OrderService) priceLines(ctx context.Context, lines []CheckoutReq) ([]OrderLine, decimal.Decimal, error) {
	out := make([]OrderLine, 0, len(lines))
	total := decimal.Zero
	for _, l := range lines {
		p, err := s.store.GetProduct(ctx, l.ProductID)
		if errors.Is(err, ErrNotFound) {
			return nil, decimal.Zero, validationError("product %s is not available", l.ProductID)
		}
		if err != nil {
			return nil, decimal.Zero, err
		}
		if l.Quantity > p.Stock {
			return nil, decimal.Zero, fmt.Errorf("%w (%s: %d requested, %d in stock)", ErrInsufficientStock, p.Name, l.Quantity, p.Stock)
		}
		line := OrderLine{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: p.Price,
			Quantity:  l.Quantity,
		}
		if len(p.Images) > 0 {
			line.ImageRef = p.Images[0]
		}
		total = total.Add(line.Subtotal())
		out = append(out, line)
	}
	return out, total, nil
}

// normalizeLines rejects empty orders and out-of-range quantities and merges
// repeated products, keeping first-seen order.
func normalizeLines(items []CheckoutReq) ([]CheckoutReq, error) {
	if len(items) == 0 {
		return nil, validationError("order has no lines")
	}
	if len(items) > maxOrderLines {
		return nil, validationError("order has more than %d lines", maxOrderLines)
	}
	merged := make([]CheckoutReq, 0, len(items))
	pos := make(map[string]int, len(items))
	for _, it := range items {
		id := strings.TrimSpace(it.ProductID)
		if id == "" {
			return nil, validationError("line without product id")
		}
		if it.Quantity < 1 {
			return nil, validationError("quantity for product %s must be at least 1", id)
		}
		if it.Quantity > maxLineQuantity {
			return nil, validationError("quantity for product %s exceeds %d", id, maxLineQuantity)
		}
		if i, ok := pos[id]; ok {
			if it.Quantity > maxLineQuantity-merged[i].Quantity {
				return nil, validationError("quantity for product %s exceeds %d", id, maxLineQuantity)
			}
			merged[i].Quantity += it.Quantity
			continue
		}
		pos[id] = len(merged)
		merged = append(merged, CheckoutReq{ProductID: id, Quantity: it.Quantity})
	}
	return merged, nil
}

func validateShipping(a *ShippingAddress) error {
	fields := []struct {
		name     string
		value    *string
		required bool
	}{
		{"full_name", &a.FullName, true},
		{"phone", &a.Phone, true},
		{"street", &a.Street, true},
		{"city", &a.City, true},
		{"postal_code", &a.PostalCode, false},
		{"country", &a.Country, false},
	}
	for _, f := range fields {
		*f.value = strings.TrimSpace(*f.value)
		if f.required && *f.value == "" {
			return validationError("shipping %s is required", f.name)
		}
		if len(*f.value) > maxFieldLength {
			return validationError("shipping %s is too long", f.name)
		}
	}
	return nil
}

// Get returns an order to its owner or to an admin. Anyone else gets not found.
func (s *OrderService) Get(ctx context.Context, actor Identity, id string) (*Order, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthorized
	}
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != actor.UserID && !actor.IsAdmin() {
		return nil, notFound("order " + id)
	}
	return o, nil
}

func (s *OrderService) ListForUser(ctx context.Context, actor Identity) ([]Order, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthorized
	}
	return s.store.ListOrders(ctx, OrderFilter{UserID: actor.UserID})
}

// OpenProof streams the payment proof of an order the caller may see.
func (s *OrderService) OpenProof(ctx context.Context, actor Identity, id string) (io.ReadSeekCloser, string, *Order, error) {
	o, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, "", nil, err
	}
	f, contentType, err := s.files.Open(BucketProofs, o.PaymentProofRef)
	if err != nil {
		return nil, "", nil, err
	}
	return f, contentType, o, nil
}

// UpdateStatus moves an order to next. Terminal orders never move; setting the
// current non-terminal status again changes nothing. The store applies the
// change only if the status is still the one read here.
func (s *OrderService) UpdateStatus(ctx context.Context, actor Identity, id string, next OrderStatus) (*Order, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if _, ok := orderTransitions[next]; !ok {
		return nil, validationError("unknown status %q", next)
	}
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, id, o.Status)
	}
	if o.Status == next {
		return o, nil
	}
	if !o.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}

	at := s.now()
	if err := s.store.UpdateOrderStatus(ctx, id, o.Status, next, at); err != nil {
		return nil, err
	}
	s.metrics.transition(o.Status, next)
	slog.Info("order status changed", "order_id", id, "from", o.Status, "status", next, "admin", actor.Email)
	o.Status = next
	o.UpdatedAt = at
	return o, nil
}

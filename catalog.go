package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// CatalogService serves catalog reads through a cache-aside layer and applies
// admin changes to the store, invalidating cached entries afterwards.
type CatalogService struct {
	store   Storage
	cache   Cache
	metrics *Metrics
	now     func() time.Time
	sf      singleflight.Group
}

func NewCatalogService(store Storage, cache Cache, metrics *Metrics) *CatalogService {
	if cache == nil {
		cache = noCache{}
	}
	return &CatalogService{
		store:   store,
		cache:   cache,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func productKey(id string) string {
	return "product:" + id
}

func listKey(f ProductFilter) string {
	return fmt.Sprintf("list:%s|%s|%t", f.Category, strings.ToLower(f.Search), f.PromoOnly)
}

const categoriesKey = "categories"

func readThrough[T any](ctx context.Context, s *CatalogService, key string, load func(context.Context) (T, error)) (T, error) {
	var cached T
	found, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		slog.Warn("catalog cache read failed", "key", key, "err", err)
		s.metrics.cacheResult("error")
	}
	if found {
		s.metrics.cacheResult("hit")
		return cached, nil
	}
	s.metrics.cacheResult("miss")

	v, err, _ := s.sf.Do(key, func() (any, error) {
		return load(context.WithoutCancel(ctx))
	})
	if err != nil {
		var zero T
		return zero, err
	}
	val := v.(T)
	if err := s.cache.Set(ctx, key, val); err != nil {
		slog.Warn("catalog cache write failed", "key", key, "err", err)
	}
	return val, nil
}

func (s *CatalogService) GetProduct(ctx context.Context, id string) (*Product, error) {
	p, err := readThrough(ctx, s, productKey(id), func(ctx context.Context) (Product, error) {
		p, err := s.store.GetProduct(ctx, id)
		if err != nil {
			return Product{}, err
		}
		return *p, nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *CatalogService) ListProducts(ctx context.Context, f ProductFilter) ([]Product, error) {
	f.Search = strings.TrimSpace(f.Search)
	return readThrough(ctx, s, listKey(f), func(ctx context.Context) ([]Product, error) {
		return s.store.ListProducts(ctx, f)
	})
}

func (s *CatalogService) ListCategories(ctx context.Context) ([]string, error) {
	return readThrough(ctx, s, categoriesKey, s.store.ListCategories)
}

// Snapshots loads fresh products straight from the store, skipping the cache.
// Missing or deleted products are absent from the result.
func (s *CatalogService) Snapshots(ctx context.Context, ids []string) (map[string]Product, error) {
	products := make(map[string]Product, len(ids))
	for _, id := range ids {
		p, err := s.store.GetProduct(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		products[id] = *p
	}
	return products, nil
}

func (s *CatalogService) CreateProduct(ctx context.Context, actor Identity, req ReqProduct) (*Product, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if err := validateProduct(&req); err != nil {
		return nil, err
	}
	now := s.now()
	p := &Product{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Category:    req.Category,
		Stock:       req.Stock,
		Images:      req.Images,
		Promo:       req.Promo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	s.invalidateListings(ctx)
	slog.Info("product created", "product_id", p.ID, "admin", actor.Email)
	return p, nil
}

func (s *CatalogService) UpdateProduct(ctx context.Context, actor Identity, id string, req ReqProduct) (*Product, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if err := validateProduct(&req); err != nil {
		return nil, err
	}
	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Name = req.Name
	p.Description = req.Description
	p.Price = req.Price
	p.Category = req.Category
	p.Stock = req.Stock
	p.Images = req.Images
	p.Promo = req.Promo
	p.UpdatedAt = s.now()
	if err := s.store.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}
	s.Invalidate(ctx, id)
	slog.Info("product updated", "product_id", id, "admin", actor.Email)
	return p, nil
}

func (s *CatalogService) DeleteProduct(ctx context.Context, actor Identity, id string) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	if err := s.store.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.Invalidate(ctx, id)
	slog.Info("product deleted", "product_id", id, "admin", actor.Email)
	return nil
}

// Invalidate drops the cached entries of the given products and every cached listing.
func (s *CatalogService) Invalidate(ctx context.Context, ids ...string) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, productKey(id))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		slog.Warn("catalog cache invalidation failed", "err", err)
	}
	s.invalidateListings(ctx)
}

func (s *CatalogService) invalidateListings(ctx context.Context) {
	if err := s.cache.DeletePattern(ctx, "list:*"); err != nil {
		slog.Warn("catalog cache invalidation failed", "err", err)
	}
	if err := s.cache.Delete(ctx, categoriesKey); err != nil {
		slog.Warn("catalog cache invalidation failed", "err", err)
	}
}

func validateProduct(req *ReqProduct) error {
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	switch {
	case req.Name == "":
		return validationError("product name is required")
	case len(req.Name) > 200:
		return validationError("product name is too long")
	case req.Price.IsNegative():
		return validationError("price must not be negative")
	case req.Stock < 0:
		return validationError("stock must not be negative")
	}
	if req.Images == nil {
		req.Images = []string{}
	}
	return nil
}

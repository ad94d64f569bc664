package main

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (c *mapCache) Set(_ context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.data[key] = b
	c.mu.Unlock()
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *mapCache) DeletePattern(_ context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if ok, _ := path.Match(pattern, k); ok {
			delete(c.data, k)
		}
	}
	return nil
}

func (c *mapCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// countingStore counts product reads that reach the store.
type countingStore struct {
	Storage
	gets  atomic.Int32
	lists atomic.Int32
}

func (s *countingStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	s.gets.Add(1)
	return s.Storage.GetProduct(ctx, id)
}

func (s *countingStore) ListProducts(ctx context.Context, f ProductFilter) ([]Product, error) {
	s.lists.Add(1)
	return s.Storage.ListProducts(ctx, f)
}

func TestCatalogService_ReadThrough(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t)
	store := &countingStore{Storage: base}
	cache := newMapCache()
	catalog := NewCatalogService(store, cache, nil)
	p := addProduct(t, base, "Cocoa", "4.50", 8)

	for i := 0; i < 3; i++ {
		got, err := catalog.GetProduct(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Cocoa", got.Name)
		assert.True(t, got.Price.Equal(decimal.RequireFromString("4.5")))
	}
	assert.EqualValues(t, 1, store.gets.Load())

	for i := 0; i < 2; i++ {
		list, err := catalog.ListProducts(ctx, ProductFilter{Search: " coc "})
		require.NoError(t, err)
		require.Len(t, list, 1)
	}
	assert.EqualValues(t, 1, store.lists.Load())

	_, err := catalog.GetProduct(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, cache.has(productKey("missing")))
}

// gatedStore holds product reads until release is closed.
type gatedStore struct {
	Storage
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Storage.GetProduct(ctx, id)
}

func TestCatalogService_SharedLoadOutlivesCanceledCaller(t *testing.T) {
	base := newTestStore(t)
	p := addProduct(t, base, "Cocoa", "6", 4)
	store := &gatedStore{Storage: base, started: make(chan struct{}), release: make(chan struct{})}
	cache := newMapCache()
	svc := NewCatalogService(store, cache, nil)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.GetProduct(ctx, p.ID)
		firstErr <- err
	}()
	<-store.started

	secondErr := make(chan error, 1)
	go func() {
		got, err := svc.GetProduct(context.Background(), p.ID)
		if err == nil && got.ID != p.ID {
			err = ErrNotFound
		}
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(store.release)

	assert.NoError(t, <-firstErr)
	assert.NoError(t, <-secondErr)
	assert.True(t, cache.has(productKey(p.ID)))
}

func TestCatalogService_AdminChangesInvalidate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cache := newMapCache()
	catalog := NewCatalogService(store, cache, nil)

	created, err := catalog.CreateProduct(ctx, adminIdentity, ReqProduct{Name: " Mango ", Price: decimal.NewFromInt(3), Category: "fruit", Stock: 4})
	require.NoError(t, err)
	assert.Equal(t, "Mango", created.Name)
	assert.Equal(t, []string{}, created.Images)

	_, err = catalog.GetProduct(ctx, created.ID)
	require.NoError(t, err)
	_, err = catalog.ListProducts(ctx, ProductFilter{})
	require.NoError(t, err)
	categories, err := catalog.ListCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fruit"}, categories)
	require.True(t, cache.has(productKey(created.ID)))
	require.True(t, cache.has(listKey(ProductFilter{})))
	require.True(t, cache.has(categoriesKey))

	updated, err := catalog.UpdateProduct(ctx, adminIdentity, created.ID, ReqProduct{Name: "Mango", Price: decimal.NewFromInt(5), Category: "tropical", Stock: 9})
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Stock)
	assert.False(t, cache.has(productKey(created.ID)))
	assert.False(t, cache.has(listKey(ProductFilter{})))
	assert.False(t, cache.has(categoriesKey))

	got, err := catalog.GetProduct(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(5)))

	require.NoError(t, catalog.DeleteProduct(ctx, adminIdentity, created.ID))
	_, err = catalog.GetProduct(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogService_AdminOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	catalog := NewCatalogService(store, nil, nil)
	p := addProduct(t, store, "Kiwi", "1", 3)

	_, err := catalog.CreateProduct(ctx, customerIdentity, ReqProduct{Name: "x"})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = catalog.UpdateProduct(ctx, customerIdentity, p.ID, ReqProduct{Name: "x"})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, catalog.DeleteProduct(ctx, Identity{}, p.ID), ErrForbidden)

	_, err = catalog.UpdateProduct(ctx, adminIdentity, "missing", ReqProduct{Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateProduct(t *testing.T) {
	tests := []struct {
		name string
		req  ReqProduct
	}{
		{"blank name", ReqProduct{Name: "  "}},
		{"negative price", ReqProduct{Name: "x", Price: decimal.NewFromInt(-1)}},
		{"negative stock", ReqProduct{Name: "x", Stock: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, validateProduct(&tt.req), ErrValidation)
		})
	}
}

func TestCatalogService_Snapshots(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	catalog := NewCatalogService(store, newMapCache(), nil)
	a := addProduct(t, store, "A", "1", 3)
	b := addProduct(t, store, "B", "2", 3)
	require.NoError(t, store.DeleteProduct(ctx, b.ID))

	snaps, err := catalog.Snapshots(ctx, []string{a.ID, b.ID, "missing"})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
	assert.Equal(t, "A", snaps[a.ID].Name)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	cache := NewRedisCache(client, "test:catalog:", time.Minute)

	var p Product
	found, err := cache.Get(ctx, "product:1", &p)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cache.Set(ctx, "product:1", Product{ID: "1", Name: "Cocoa"}))
	require.NoError(t, cache.Set(ctx, "list:a", []Product{}))
	require.NoError(t, cache.Set(ctx, "list:b", []Product{}))

	found, err = cache.Get(ctx, "product:1", &p)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Cocoa", p.Name)

	require.NoError(t, cache.DeletePattern(ctx, "list:*"))
	n, err := client.Exists(ctx, "test:catalog:list:a", "test:catalog:list:b").Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, cache.Delete(ctx, "product:1"))
	found, err = cache.Get(ctx, "product:1", &p)
	require.NoError(t, err)
	assert.False(t, found)
}

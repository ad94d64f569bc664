package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CartStore keeps shopper carts between requests. Carts are disposable: an
// expired or unknown id loads as an empty cart.
type CartStore interface {
	Load(ctx context.Context, id string) (*Cart, error)
	Save(ctx context.Context, id string, c *Cart) error
	Delete(ctx context.Context, id string) error
}

type RedisCartStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCartStore(client *redis.Client, ttl time.Duration) *RedisCartStore {
	return &RedisCartStore{client: client, prefix: "cart:", ttl: ttl}
}

func (s *RedisCartStore) Load(ctx context.Context, id string) (*Cart, error) {
	data, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Cart{}, nil
	}
	if err != nil {
		return nil, unavailable("load cart", err)
	}
	var c Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode cart %s: %w", id, err)
	}
	return &c, nil
}

// Save writes the cart and restarts its TTL. An empty cart is deleted.
func (s *RedisCartStore) Save(ctx context.Context, id string, c *Cart) error {
	if c.IsEmpty() {
		return s.Delete(ctx, id)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+id, data, s.ttl).Err(); err != nil {
		return unavailable("save cart", err)
	}
	return nil
}

func (s *RedisCartStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return unavailable("delete cart", err)
	}
	return nil
}

type memoryCart struct {
	items   []CartItem
	expires time.Time
}

// MemoryCartStore is the single-process fallback when Redis is not configured.
type MemoryCartStore struct {
	mu    sync.Mutex
	carts map[string]memoryCart
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryCartStore(ttl time.Duration) *MemoryCartStore {
	return &MemoryCartStore{
		carts: make(map[string]memoryCart),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *MemoryCartStore) Load(_ context.Context, id string) (*Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.carts[id]
	if !ok {
		return &Cart{}, nil
	}
	if s.now().After(mc.expires) {
		delete(s.carts, id)
		return &Cart{}, nil
	}
	return &Cart{Items: append([]CartItem(nil), mc.items...)}, nil
}

func (s *MemoryCartStore) Save(_ context.Context, id string, c *Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.IsEmpty() {
		delete(s.carts, id)
		return nil
	}
	s.carts[id] = memoryCart{
		items:   append([]CartItem(nil), c.Items...),
		expires: s.now().Add(s.ttl),
	}
	s.sweep()
	return nil
}

func (s *MemoryCartStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.carts, id)
	s.mu.Unlock()
	return nil
}

// sweep drops expired carts. Callers hold mu.
func (s *MemoryCartStore) sweep() {
	now := s.now()
	for id, mc := range s.carts {
		if now.After(mc.expires) {
			delete(s.carts, id)
		}
	}
}

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	adminIdentity    = Identity{UserID: "admin-1", Email: "admin@example.com", Name: "Back Office", Role: RoleAdmin}
	customerIdentity = Identity{UserID: "user-1", Email: "ana@example.com", Name: "Ana Lima", Role: RoleUser}
	otherIdentity    = Identity{UserID: "user-2", Email: "bruno@example.com", Name: "Bruno Costa", Role: RoleUser}
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "storefront.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func addProduct(t *testing.T, store Storage, name, price string, stock int) Product {
	t.Helper()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	p := Product{
		ID:        uuid.NewString(),
		Name:      name,
		Price:     decimal.RequireFromString(price),
		Category:  "general",
		Stock:     stock,
		Images:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateProduct(context.Background(), &p))
	return p
}

func stockOf(t *testing.T, store Storage, id string) int {
	t.Helper()
	p, err := store.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

// placeOrder stores an order directly, bypassing the order service.
func placeOrder(t *testing.T, store Storage, user Identity, at time.Time, lines ...OrderLine) Order {
	t.Helper()
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	o := Order{
		ID:              uuid.NewString(),
		UserID:          user.UserID,
		CustomerName:    user.Name,
		CustomerEmail:   user.Email,
		Lines:           lines,
		Shipping:        testShipping(),
		PaymentProofRef: uuid.NewString() + ".png",
		Total:           total,
		Status:          StatusPending,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	require.NoError(t, store.PlaceOrder(context.Background(), &o))
	return o
}

func lineFor(p Product, qty int) OrderLine {
	return OrderLine{ProductID: p.ID, Name: p.Name, UnitPrice: p.Price, Quantity: qty}
}

func testShipping() ShippingAddress {
	return ShippingAddress{
		FullName:   "Ana Lima",
		Phone:      "+55 11 99999-0000",
		Street:     "Rua das Flores 10",
		City:       "Sao Paulo",
		PostalCode: "01000-000",
		Country:    "BR",
	}
}

func testProof() *Upload {
	return &Upload{Filename: "receipt.png", Body: bytes.NewReader([]byte("\x89PNG fake receipt"))}
}

// memFiles is an in-memory FileStorage that can be told to fail uploads.
type memFiles struct {
	mu      sync.Mutex
	files   map[string][]byte
	deleted []string
	saveErr error
}

func newMemFiles() *memFiles {
	return &memFiles{files: make(map[string][]byte)}
}

func (m *memFiles) Save(_ context.Context, b Bucket, up Upload) (string, error) {
	if m.saveErr != nil {
		return "", m.saveErr
	}
	data, err := io.ReadAll(up.Body)
	if err != nil {
		return "", err
	}
	ref := uuid.NewString() + filepath.Ext(up.Filename)
	m.mu.Lock()
	m.files[string(b)+"/"+ref] = data
	m.mu.Unlock()
	return ref, nil
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }

func (m *memFiles) Open(b Bucket, ref string) (io.ReadSeekCloser, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[string(b)+"/"+ref]
	if !ok {
		return nil, "", notFound("file")
	}
	return nopSeekCloser{bytes.NewReader(data)}, "image/png", nil
}

func (m *memFiles) Delete(_ context.Context, b Bucket, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, string(b)+"/"+ref)
	m.deleted = append(m.deleted, ref)
	return nil
}

func (m *memFiles) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestOrderService(t *testing.T, store Storage, files FileStorage) *OrderService {
	t.Helper()
	svc, err := NewOrderService(store, files, NewCatalogService(store, nil, nil), nil)
	require.NoError(t, err)
	svc.now = fixedClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	return svc
}

// newTestRedis connects to STOREFRONT_TEST_REDIS_ADDR and flushes a scratch
// database. Tests that need Redis are skipped when it is not configured.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("STOREFRONT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STOREFRONT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	require.NoError(t, client.FlushDB(ctx).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdmin(t *testing.T, store Storage, loc *time.Location, now time.Time) *AdminService {
	t.Helper()
	admin := NewAdminService(store, newTestOrderService(t, store, newMemFiles()), loc, 3)
	admin.now = fixedClock(now)
	return admin
}

func TestAdminService_AggregateRevenue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p := addProduct(t, store, "Coffee", "5", 100)
	at := func(day, hour int) time.Time { return time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC) }

	placeOrder(t, store, customerIdentity, at(1, 9), lineFor(p, 4)) // before the window
	placeOrder(t, store, customerIdentity, at(5, 9), lineFor(p, 2))
	placeOrder(t, store, customerIdentity, at(10, 8), lineFor(p, 1))
	cancelled := placeOrder(t, store, otherIdentity, at(10, 9), lineFor(p, 3))
	require.NoError(t, store.UpdateOrderStatus(ctx, cancelled.ID, StatusPending, StatusCancelled, at(10, 10)))

	admin := newTestAdmin(t, store, time.UTC, at(10, 12))
	buckets, err := admin.AggregateRevenue(ctx, adminIdentity, 7)
	require.NoError(t, err)
	require.Len(t, buckets, 7)

	assert.Equal(t, "2026-03-04", buckets[0].Day)
	assert.Equal(t, "2026-03-10", buckets[6].Day)
	zeros := 0
	for _, b := range buckets {
		if b.Revenue.IsZero() {
			zeros++
			assert.Zero(t, b.Orders)
		}
	}
	assert.Equal(t, 5, zeros)
	assert.Equal(t, "10", buckets[1].Revenue.String())
	assert.Equal(t, 1, buckets[1].Orders)
	assert.Equal(t, "5", buckets[6].Revenue.String())
	assert.Equal(t, 1, buckets[6].Orders)
}

func TestAdminService_AggregateRevenueUsesTimeZone(t *testing.T) {
	store := newTestStore(t)
	p := addProduct(t, store, "Coffee", "5", 100)
	placeOrder(t, store, customerIdentity, time.Date(2026, 3, 9, 2, 0, 0, 0, time.UTC), lineFor(p, 1))
	placeOrder(t, store, customerIdentity, time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC), lineFor(p, 2))

	saoPaulo := time.FixedZone("BRT", -3*60*60)
	admin := newTestAdmin(t, store, saoPaulo, time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC))
	buckets, err := admin.AggregateRevenue(context.Background(), adminIdentity, 2)
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	assert.Equal(t, "2026-03-08", buckets[0].Day)
	assert.Equal(t, "5", buckets[0].Revenue.String())
	assert.Equal(t, "2026-03-09", buckets[1].Day)
	assert.Equal(t, "10", buckets[1].Revenue.String())
}

func TestAdminService_AggregateRevenueValidation(t *testing.T) {
	admin := newTestAdmin(t, newTestStore(t), time.UTC, time.Now())

	for _, days := range []int{0, -1, 367} {
		_, err := admin.AggregateRevenue(context.Background(), adminIdentity, days)
		assert.ErrorIs(t, err, ErrValidation, "days=%d", days)
	}
	_, err := admin.AggregateRevenue(context.Background(), customerIdentity, 7)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAdminService_TopProducts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	x := addProduct(t, store, "X", "1", 100)
	y := addProduct(t, store, "Y", "1", 100)
	z := addProduct(t, store, "Z", "1", 100)
	day := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)

	placeOrder(t, store, customerIdentity, day, lineFor(x, 3), lineFor(y, 4))
	placeOrder(t, store, otherIdentity, day, lineFor(x, 2), lineFor(z, 1))
	cancelled := placeOrder(t, store, otherIdentity, day, lineFor(y, 10))
	require.NoError(t, store.UpdateOrderStatus(ctx, cancelled.ID, StatusPending, StatusCancelled, day))
	require.NoError(t, store.DeleteProduct(ctx, z.ID))

	admin := newTestAdmin(t, store, time.UTC, day)
	top, err := admin.TopProducts(ctx, adminIdentity, 10)
	require.NoError(t, err)

	assert.Equal(t, []TopProduct{
		{ProductID: x.ID, Name: "X", Quantity: 5},
		{ProductID: y.ID, Name: "Y", Quantity: 4},
		{ProductID: z.ID, Name: deletedProductName, Quantity: 1, Deleted: true},
	}, top)

	top, err = admin.TopProducts(ctx, adminIdentity, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, x.ID, top[0].ProductID)

	_, err = admin.TopProducts(ctx, adminIdentity, 0)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = admin.TopProducts(ctx, customerIdentity, 5)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAdminService_ListOrders(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p := addProduct(t, store, "Tea", "2", 100)
	day := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	a := placeOrder(t, store, customerIdentity, day, lineFor(p, 1))
	b := placeOrder(t, store, otherIdentity, day.Add(time.Hour), lineFor(p, 1))
	require.NoError(t, store.UpdateOrderStatus(ctx, b.ID, StatusPending, StatusShipped, day))

	admin := newTestAdmin(t, store, time.UTC, day)

	all, err := admin.ListOrders(ctx, adminIdentity, OrderFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, a.ID}, orderIDs(all))

	shipped, err := admin.ListOrders(ctx, adminIdentity, OrderFilter{Status: "EXPEDIE"})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, orderIDs(shipped))

	found, err := admin.ListOrders(ctx, adminIdentity, OrderFilter{Search: "  lima "})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, orderIDs(found))

	_, err = admin.ListOrders(ctx, adminIdentity, OrderFilter{Status: "shipped"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = admin.ListOrders(ctx, customerIdentity, OrderFilter{})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = admin.GetOrder(ctx, customerIdentity, a.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAdminService_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p := addProduct(t, store, "Tea", "2", 100)
	o := placeOrder(t, store, customerIdentity, time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), lineFor(p, 1))
	admin := newTestAdmin(t, store, time.UTC, time.Now())

	got, err := admin.UpdateStatus(ctx, adminIdentity, o.ID, "paye")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)

	_, err = admin.UpdateStatus(ctx, adminIdentity, o.ID, "refunded")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = admin.UpdateStatus(ctx, customerIdentity, o.ID, "livre")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAdminService_Stats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	plenty := addProduct(t, store, "Rice", "3", 50)
	low := addProduct(t, store, "Saffron", "20", 5)
	day := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	placeOrder(t, store, customerIdentity, day, lineFor(plenty, 2))
	placeOrder(t, store, customerIdentity, day, lineFor(low, 3))
	cancelled := placeOrder(t, store, otherIdentity, day, lineFor(plenty, 1))
	require.NoError(t, store.UpdateOrderStatus(ctx, cancelled.ID, StatusPending, StatusCancelled, day))
	require.NoError(t, store.CreateUser(ctx, &User{ID: "user-1", Name: "Ana", Email: "ana@example.com", PasswordHash: "x", Role: RoleUser, CreatedAt: day}))

	admin := newTestAdmin(t, store, time.UTC, day)
	stats, err := admin.Stats(ctx, adminIdentity)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalOrders)
	assert.Equal(t, 2, stats.OrdersByStatus[StatusPending])
	assert.Equal(t, 1, stats.OrdersByStatus[StatusCancelled])
	assert.Equal(t, 0, stats.OrdersByStatus[StatusDelivered])
	assert.Equal(t, "66", stats.Revenue.String())
	assert.Equal(t, 2, stats.Products)
	assert.Equal(t, 1, stats.Users)
	require.Len(t, stats.LowStock, 1)
	assert.Equal(t, low.ID, stats.LowStock[0].ID)

	_, err = admin.Stats(ctx, customerIdentity)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = admin.ListUsers(ctx, customerIdentity)
	assert.ErrorIs(t, err, ErrForbidden)
}

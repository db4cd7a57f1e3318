package usecase

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/kstore/order-api/internal/entity"
)

var (
	admin    = Caller{UserID: 77, Role: RoleAdmin}
	customer = Caller{UserID: userA, Role: RoleCustomer}
)

func placed(t *testing.T) (*memStore, int64) {
	t.Helper()
	m := seed(t)
	m.state.carts[userA] = []domain.CartLine{lineA(1, userA, 2), lineB(2, userA, 1)}
	sum, err := NewPlaceOrder(m).Execute(context.Background(), defaultInput(userA, addrA))
	require.NoError(t, err)
	return m, sum.OrderID
}

func TestUpdateStatus_RequiresAdmin(t *testing.T) {
	m, id := placed(t)
	_, err := NewManageOrder(m, nil, nil).UpdateStatus(context.Background(), customer, id, StatusPatch{Status: "shipped"})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, domain.StatusPending, m.snapshot().orders[id].Status)
}

func TestUpdateStatus_Validation(t *testing.T) {
	m, id := placed(t)
	uc := NewManageOrder(m, nil, nil)
	var ve *ValidationError

	_, err := uc.UpdateStatus(context.Background(), admin, id, StatusPatch{})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Status is required", ve.Msg)

	_, err = uc.UpdateStatus(context.Background(), admin, id, StatusPatch{Status: "lost"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Invalid status", ve.Msg)

	_, err = uc.UpdateStatus(context.Background(), admin, 4242, StatusPatch{Status: "shipped"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus_Lifecycle(t *testing.T) {
	m, id := placed(t)
	cache := newMemCache()
	metrics := newCountingMetrics()
	uc := NewManageOrder(m, cache, metrics)

	o, err := uc.UpdateStatus(context.Background(), admin, id, StatusPatch{Status: "Shipped", Notes: "left warehouse"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusShipped, o.Status)
	require.NotNil(t, o.ShippedAt)

	_, err = uc.UpdateStatus(context.Background(), admin, id, StatusPatch{Status: "processing"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = uc.UpdateStatus(context.Background(), admin, id, StatusPatch{Status: "shipped"})
	assert.ErrorIs(t, err, ErrStatusUnchanged)

	_, err = uc.UpdateStatus(context.Background(), admin, id, StatusPatch{Status: "delivered"})
	require.NoError(t, err)

	_, err = uc.UpdateStatus(context.Background(), admin, id, StatusPatch{Status: "cancelled"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	st := m.snapshot()
	got := st.orders[id]
	assert.Equal(t, domain.StatusDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)

	hist := st.history[id]
	require.Len(t, hist, 3)
	assert.Equal(t, domain.StatusShipped, hist[1].Status)
	assert.Equal(t, "left warehouse", hist[1].Notes)
	assert.Equal(t, admin.UserID, *hist[1].CreatedBy)

	require.Len(t, st.outbox, 3)
	var msg OrderStatusChangedMsg
	require.NoError(t, json.Unmarshal(st.outbox[2].payload, &msg))
	assert.Equal(t, "shipped", msg.From)
	assert.Equal(t, "delivered", msg.Status)

	owner, status, ok, _ := cache.GetStatus(context.Background(), id)
	assert.True(t, ok)
	assert.Equal(t, userA, owner)
	assert.Equal(t, "delivered", status)
	assert.Equal(t, 1, metrics.statuses["delivered"])
}

func TestUpdateStatus_CancelRestocks(t *testing.T) {
	m, id := placed(t)
	v := variant
	require.Equal(t, 3, m.snapshot().stock[keyOf(prodA, nil)])

	o, err := NewManageOrder(m, nil, nil).UpdateStatus(context.Background(), admin, id, StatusPatch{Status: "cancelled"})
	require.NoError(t, err)
	assert.NotNil(t, o.CancelledAt)

	st := m.snapshot()
	assert.Equal(t, 5, st.stock[keyOf(prodA, nil)])
	assert.Equal(t, 3, st.stock[keyOf(prodB, &v)])
	assert.Len(t, st.items[id], 2, "items are kept for the record")
}

func TestUpdateTracking(t *testing.T) {
	m, id := placed(t)
	uc := NewManageOrder(m, nil, nil)

	_, err := uc.UpdateTracking(context.Background(), customer, id, "TRK1")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = uc.UpdateTracking(context.Background(), admin, id, "  ")
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = uc.UpdateTracking(context.Background(), admin, 999, "TRK1")
	assert.ErrorIs(t, err, ErrNotFound)

	o, err := uc.UpdateTracking(context.Background(), admin, id, "TRK1")
	require.NoError(t, err)
	assert.Equal(t, "TRK1", o.TrackingNumber)
	assert.Equal(t, "TRK1", m.snapshot().orders[id].TrackingNumber)
	assert.Equal(t, domain.StatusPending, m.snapshot().orders[id].Status)
}

func TestApplyFulfillmentEvent(t *testing.T) {
	m, id := placed(t)
	uc := NewManageOrder(m, nil, nil)
	ctx := context.Background()

	require.NoError(t, uc.ApplyFulfillmentEvent(ctx, FulfillmentEventMsg{OrderID: id, Status: "shipped", TrackingNumber: "VN123"}))
	// redelivery is a no-op
	require.NoError(t, uc.ApplyFulfillmentEvent(ctx, FulfillmentEventMsg{OrderID: id, Status: "shipped"}))

	st := m.snapshot()
	assert.Equal(t, domain.StatusShipped, st.orders[id].Status)
	assert.Equal(t, "VN123", st.orders[id].TrackingNumber)
	hist := st.history[id]
	require.Len(t, hist, 2)
	assert.Nil(t, hist[1].CreatedBy)
	assert.Equal(t, "Fulfillment update", hist[1].Notes)

	err := uc.ApplyFulfillmentEvent(ctx, FulfillmentEventMsg{OrderID: id, Status: "pending"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = uc.ApplyFulfillmentEvent(ctx, FulfillmentEventMsg{Status: "shipped"})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestApplyFulfillmentEvent_TrackingAndStatusCommitTogether(t *testing.T) {
	m, id := placed(t)
	cache := newMemCache()
	metrics := newCountingMetrics()
	uc := NewManageOrder(m, cache, metrics)
	ctx := context.Background()

	// Status write fails after tracking was staged in the same transaction.
	m.failAfter = "AppendStatus"
	err := uc.ApplyFulfillmentEvent(ctx, FulfillmentEventMsg{OrderID: id, Status: "shipped", TrackingNumber: "VN999"})
	require.ErrorIs(t, err, errInjected)

	st := m.snapshot()
	assert.Equal(t, domain.StatusPending, st.orders[id].Status)
	assert.Empty(t, st.orders[id].TrackingNumber, "tracking must roll back with the status change")
	assert.Len(t, st.history[id], 1)
	_, _, cached, _ := cache.GetStatus(ctx, id)
	assert.False(t, cached)
	assert.Zero(t, metrics.statuses["shipped"])

	// A backward move rejects the whole event, tracking included.
	m.failAfter = ""
	require.NoError(t, uc.ApplyFulfillmentEvent(ctx, FulfillmentEventMsg{OrderID: id, Status: "shipped", TrackingNumber: "VN1"}))
	err = uc.ApplyFulfillmentEvent(ctx, FulfillmentEventMsg{OrderID: id, Status: "processing", TrackingNumber: "VN2"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, "VN1", m.snapshot().orders[id].TrackingNumber)

	// Unknown status is rejected before anything is written.
	err = uc.ApplyFulfillmentEvent(ctx, FulfillmentEventMsg{OrderID: id, Status: "lost", TrackingNumber: "VN3"})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "VN1", m.snapshot().orders[id].TrackingNumber)
}

func TestApplyFulfillmentEvent_TrackingOnly(t *testing.T) {
	m, id := placed(t)
	metrics := newCountingMetrics()
	uc := NewManageOrder(m, nil, metrics)
	ctx := context.Background()

	require.NoError(t, uc.ApplyFulfillmentEvent(ctx, FulfillmentEventMsg{OrderID: id, TrackingNumber: "VN7"}))
	// same status with a new tracking number updates tracking only
	require.NoError(t, uc.ApplyFulfillmentEvent(ctx, FulfillmentEventMsg{OrderID: id, Status: "pending", TrackingNumber: "VN8"}))
	// exact redelivery writes nothing
	require.NoError(t, uc.ApplyFulfillmentEvent(ctx, FulfillmentEventMsg{OrderID: id, Status: "pending", TrackingNumber: "VN8"}))

	st := m.snapshot()
	assert.Equal(t, "VN8", st.orders[id].TrackingNumber)
	assert.Equal(t, domain.StatusPending, st.orders[id].Status)
	assert.Len(t, st.history[id], 1)
	assert.Len(t, st.outbox, 1)
	assert.Empty(t, metrics.statuses)
}

func TestUpdateStatus_RetriesLockConflict(t *testing.T) {
	m, id := placed(t)
	m.conflicts = 1
	v := variant

	o, err := NewManageOrder(m, nil, nil).UpdateStatus(context.Background(), admin, id, StatusPatch{Status: "cancelled"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, o.Status)

	st := m.snapshot()
	assert.Equal(t, 5, st.stock[keyOf(prodA, nil)], "restock from the aborted attempt is undone")
	assert.Equal(t, 3, st.stock[keyOf(prodB, &v)])
	assert.Len(t, st.history[id], 2)
}

func TestRestockOrder(t *testing.T) {
	v1, v2 := int64(4), int64(2)
	items := []domain.OrderItem{
		{ProductID: 9, VariantID: &v1},
		{ProductID: 300},
		{ProductID: 9, VariantID: &v2},
		{ProductID: 100},
	}
	got := restockOrder(items)
	require.Len(t, got, 4)
	assert.Equal(t, int64(100), got[0].ProductID)
	assert.Equal(t, int64(300), got[1].ProductID)
	assert.Equal(t, v2, *got[2].VariantID)
	assert.Equal(t, v1, *got[3].VariantID)
	assert.Nil(t, items[1].VariantID, "input is left untouched")
	assert.Equal(t, int64(300), items[1].ProductID)
}

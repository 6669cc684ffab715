package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/broker"
	"tradeflow/internal/models"
	"tradeflow/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.MemoryStore, *fakeBroker) {
	t.Helper()
	st := store.NewMemoryStore()
	br := newFakeBroker()
	r := NewReconciler(st, br, testLogger(), time.Second)
	r.applier.sleep = func(context.Context, time.Duration) {}
	return r, st, br
}

func inFlightRow(id, orderID string, status models.TradeStatus) models.ActiveTrade {
	return models.ActiveTrade{
		ID: id, Symbol: "AAPL", AssetType: models.AssetEquity, Qty: 10,
		Manage: models.ManageOn, Status: status,
		OrderID: &orderID, OrderStatus: models.OrderStatusPendingNew,
	}
}

func TestReconciler_EntryFillPromotesAndRecordsOpen(t *testing.T) {
	r, st, br := newTestReconciler(t)
	st.PutTrade(inFlightRow("t1", "ord-1", models.StatusWaiting))
	br.getOrders["ord-1"] = &broker.Order{ID: "ord-1", Status: "filled", FilledAvgPrice: fsp(101.5)}

	require.NoError(t, r.Tick(context.Background()))

	row, ok := st.Trade("t1")
	require.True(t, ok)
	assert.Equal(t, models.StatusManaging, row.Status)
	assert.Equal(t, models.OrderStatusFilled, row.OrderStatus)
	assert.Nil(t, row.OrderID, "promotion must release the order id")

	ledger := st.Executed()
	require.Len(t, ledger, 1)
	require.NotNil(t, ledger[0].OpenPrice)
	assert.Equal(t, 101.5, *ledger[0].OpenPrice)
	assert.Equal(t, 1015.0, *ledger[0].OpenCostBasis)
}

func TestReconciler_ExitFillClosesAndDeletes(t *testing.T) {
	r, st, br := newTestReconciler(t)
	row := inFlightRow("t1", "ord-2", models.StatusManaging)
	row.Comment = "sl"
	st.PutTrade(row)
	br.getOrders["ord-2"] = &broker.Order{ID: "ord-2", Status: "filled", FilledAvgPrice: fsp(95)}

	require.NoError(t, r.Tick(context.Background()))

	_, ok := st.Trade("t1")
	assert.False(t, ok, "closed rows leave the active table")

	ledger := st.Executed()
	require.Len(t, ledger, 1)
	require.NotNil(t, ledger[0].ClosePrice)
	assert.Equal(t, 95.0, *ledger[0].ClosePrice)
	assert.Equal(t, models.CloseReasonStopLoss, ledger[0].CloseReason)
}

func TestReconciler_TerminalUnfilledFreezesRow(t *testing.T) {
	r, st, br := newTestReconciler(t)
	st.PutTrade(inFlightRow("t1", "ord-3", models.StatusWaiting))
	br.getOrders["ord-3"] = &broker.Order{ID: "ord-3", Status: "rejected"}

	require.NoError(t, r.Tick(context.Background()))

	row, ok := st.Trade("t1")
	require.True(t, ok)
	assert.Equal(t, models.ManageOff, row.Manage)
	assert.Equal(t, "rejected", row.OrderStatus)
}

func TestReconciler_IntermediateStatusWrittenThrough(t *testing.T) {
	r, st, br := newTestReconciler(t)
	st.PutTrade(inFlightRow("t1", "ord-4", models.StatusWaiting))
	br.getOrders["ord-4"] = &broker.Order{ID: "ord-4", Status: "accepted"}

	require.NoError(t, r.Tick(context.Background()))

	row, _ := st.Trade("t1")
	assert.Equal(t, "accepted", row.OrderStatus)
	assert.Equal(t, models.StatusWaiting, row.Status, "intermediate status must not advance the lifecycle")
}

func TestReconciler_UnchangedStatusSkipped(t *testing.T) {
	r, st, br := newTestReconciler(t)
	row := inFlightRow("t1", "ord-5", models.StatusWaiting)
	row.OrderStatus = "accepted"
	st.PutTrade(row)
	br.getOrders["ord-5"] = &broker.Order{ID: "ord-5", Status: " ACCEPTED "}

	// A store write on the unchanged path would surface this error.
	st.FailOp("SetOrderStatus", assert.AnError)
	require.NoError(t, r.Tick(context.Background()))

	got, _ := st.Trade("t1")
	assert.Equal(t, "accepted", got.OrderStatus)
	assert.Equal(t, 1, br.getCalls)
}

func TestReconciler_PollErrorLeavesRowUntouched(t *testing.T) {
	r, st, br := newTestReconciler(t)
	st.PutTrade(inFlightRow("t1", "ord-6", models.StatusWaiting))
	br.getErr = assert.AnError

	require.NoError(t, r.Tick(context.Background()))

	row, _ := st.Trade("t1")
	assert.Equal(t, models.OrderStatusPendingNew, row.OrderStatus)
	assert.Equal(t, models.StatusWaiting, row.Status)
}

func TestReconciler_SkipsRowsWithoutRealOrderID(t *testing.T) {
	r, st, br := newTestReconciler(t)

	sent := models.ActiveTrade{ID: "locked", Manage: models.ManageOn, Status: models.StatusWaiting}
	lockID := models.OrderIDSent
	sent.OrderID = &lockID
	st.PutTrade(sent)
	st.PutTrade(models.ActiveTrade{ID: "idle", Manage: models.ManageOn, Status: models.StatusWaiting})

	frozen := inFlightRow("done", "ord-7", models.StatusWaiting)
	frozen.OrderStatus = "filled"
	st.PutTrade(frozen)

	require.NoError(t, r.Tick(context.Background()))
	assert.Equal(t, 0, br.getCalls, "pre-locked, idle and terminal rows are never polled")
}

func TestReconciler_EntryFillWithoutPricePromotesWithoutLedger(t *testing.T) {
	r, st, br := newTestReconciler(t)
	st.PutTrade(inFlightRow("t1", "ord-8", models.StatusWaiting))
	br.getOrders["ord-8"] = &broker.Order{ID: "ord-8", Status: "filled"}

	require.NoError(t, r.Tick(context.Background()))

	row, _ := st.Trade("t1")
	assert.Equal(t, models.StatusManaging, row.Status)
	assert.Empty(t, st.Executed(), "no ledger open without a fill price")
}

func TestApplyByOrderID_AppliesToMatchingRow(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	st.PutTrade(inFlightRow("t1", "ord-1", models.StatusWaiting))

	err := r.Applier().ApplyByOrderID(context.Background(), "ord-1", "filled", fp(50))
	require.NoError(t, err)

	row, _ := st.Trade("t1")
	assert.Equal(t, models.StatusManaging, row.Status)
	require.Len(t, st.Executed(), 1)
	assert.Equal(t, 50.0, *st.Executed()[0].OpenPrice)
}

func TestApplyByOrderID_UnchangedStatusIsNoop(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	row := inFlightRow("t1", "ord-1", models.StatusWaiting)
	row.OrderStatus = "accepted"
	st.PutTrade(row)

	st.FailOp("SetOrderStatus", assert.AnError)
	err := r.Applier().ApplyByOrderID(context.Background(), "ord-1", "accepted", nil)
	require.NoError(t, err)
}

func TestApplyByOrderID_UnknownOrderDropped(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	st.PutTrade(models.ActiveTrade{ID: "t1", Manage: models.ManageOn, Status: models.StatusWaiting})

	err := r.Applier().ApplyByOrderID(context.Background(), "ord-unknown", "filled", fp(10))
	require.NoError(t, err)
	assert.Empty(t, st.Executed())

	row, _ := st.Trade("t1")
	assert.Equal(t, models.StatusWaiting, row.Status)
}

func TestApplyByOrderID_IgnoresEmptyArguments(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	assert.NoError(t, r.Applier().ApplyByOrderID(context.Background(), "", "filled", nil))
	assert.NoError(t, r.Applier().ApplyByOrderID(context.Background(), "ord-1", "", nil))
}

func TestApplyOrderUpdate_FillInUnexpectedStateWritesThrough(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	row := models.ActiveTrade{
		ID: "t1", Symbol: "AAPL", Manage: models.ManageOn,
		Status: models.TradeStatus("archived"),
	}
	st.PutTrade(row)

	err := r.Applier().ApplyOrderUpdate(context.Background(), &row, "filled", fp(10))
	require.NoError(t, err)

	got, _ := st.Trade("t1")
	assert.Equal(t, models.OrderStatusFilled, got.OrderStatus)
	assert.Empty(t, st.Executed())
}

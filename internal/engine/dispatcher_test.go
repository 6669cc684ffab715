package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/broker"
	"tradeflow/internal/models"
	"tradeflow/internal/store"
)

type placedOrder struct {
	Symbol string
	Qty    int
	Side   string
	Option bool
}

// fakeBroker records placements and serves scripted order lookups.
type fakeBroker struct {
	placed    []placedOrder
	placeErr  error
	nextID    int
	getOrders map[string]*broker.Order
	getErr    error
	getCalls  int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{getOrders: make(map[string]*broker.Order)}
}

func (f *fakeBroker) place(symbol string, qty int, side string, option bool) (*broker.Order, error) {
	f.placed = append(f.placed, placedOrder{Symbol: symbol, Qty: qty, Side: side, Option: option})
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.nextID++
	return &broker.Order{ID: fmt.Sprintf("ord-%d", f.nextID), Status: "pending_new"}, nil
}

func (f *fakeBroker) PlaceEquityOrder(_ context.Context, symbol string, qty int, side string) (*broker.Order, error) {
	return f.place(symbol, qty, side, false)
}

func (f *fakeBroker) PlaceOptionOrder(_ context.Context, occ string, qty int, side string) (*broker.Order, error) {
	return f.place(occ, qty, side, true)
}

func (f *fakeBroker) GetOrder(_ context.Context, orderID string) (*broker.Order, error) {
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if o, ok := f.getOrders[orderID]; ok {
		return o, nil
	}
	return nil, &broker.APIError{Status: 404, Body: "order not found"}
}

var _ broker.Broker = (*fakeBroker)(nil)

func fsp(v float64) *broker.FloatString {
	f := broker.FloatString(v)
	return &f
}

func fp(v float64) *float64 { return &v }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// etTime builds an instant inside the weekday options trading window.
func etTime(t *testing.T, hour, minute int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// 2026-01-07 is a Wednesday.
	return time.Date(2026, 1, 7, hour, minute, 0, 0, loc)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.MemoryStore, *fakeBroker) {
	t.Helper()
	st := store.NewMemoryStore()
	br := newFakeBroker()
	d := NewDispatcher(st, br, testLogger(), time.Second)
	d.now = func() time.Time { return etTime(t, 12, 0) }
	d.sleep = func(context.Context, time.Duration) {}
	return d, st, br
}

func waitingEquityRow(id string) models.ActiveTrade {
	return models.ActiveTrade{
		ID: id, Symbol: "AAPL", AssetType: models.AssetEquity, Qty: 10,
		Manage: models.ManageOn, Status: models.StatusWaiting,
		EntryCond: models.CondNow,
	}
}

func managingEquityRow(id string) models.ActiveTrade {
	return models.ActiveTrade{
		ID: id, Symbol: "AAPL", AssetType: models.AssetEquity, Qty: 10,
		Manage: models.ManageOn, Status: models.StatusManaging,
		Side: models.SideLong,
	}
}

func TestDispatcher_EntryNowSubmitsAndConfirms(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	st.PutTrade(waitingEquityRow("t1"))

	require.NoError(t, d.Tick(context.Background()))

	require.Len(t, br.placed, 1)
	assert.Equal(t, "AAPL", br.placed[0].Symbol)
	assert.Equal(t, "buy", br.placed[0].Side)
	assert.Equal(t, 10, br.placed[0].Qty)

	row, ok := st.Trade("t1")
	require.True(t, ok)
	require.NotNil(t, row.OrderID)
	assert.Equal(t, "ord-1", *row.OrderID)
	assert.Equal(t, models.OrderStatusPendingNew, row.OrderStatus)
	assert.Equal(t, "entry", row.Comment)
}

func TestDispatcher_InFlightOrderNotResubmitted(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	st.PutTrade(waitingEquityRow("t1"))

	require.NoError(t, d.Tick(context.Background()))
	require.NoError(t, d.Tick(context.Background()))
	require.NoError(t, d.Tick(context.Background()))

	assert.Len(t, br.placed, 1, "a row with a live order id must never be submitted again")
}

func TestDispatcher_FatalSubmitErrorFreezesRow(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	br.placeErr = &broker.APIError{Status: 422, Body: "insufficient buying power"}
	st.PutTrade(waitingEquityRow("t1"))

	require.NoError(t, d.Tick(context.Background()))

	row, _ := st.Trade("t1")
	assert.Equal(t, models.ManageOff, row.Manage)
	require.NotNil(t, row.OrderID)
	assert.Equal(t, models.OrderIDError, *row.OrderID)
	assert.Equal(t, models.OrderStatusError, row.OrderStatus)
	assert.True(t, strings.HasPrefix(row.Comment, "entry_error_422:"), "comment = %q", row.Comment)

	// Frozen rows are filtered out of the scan; no further submits.
	require.NoError(t, d.Tick(context.Background()))
	assert.Len(t, br.placed, 1)
}

func TestDispatcher_SoftFailureKeepsPrelockAndRetries(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	br.placeErr = &broker.APIError{Status: 503, Body: "backend down"}
	st.PutTrade(waitingEquityRow("t1"))

	base := etTime(t, 12, 0)
	now := base
	d.now = func() time.Time { return now }

	require.NoError(t, d.Tick(context.Background()))

	row, _ := st.Trade("t1")
	require.NotNil(t, row.OrderID)
	assert.Equal(t, models.OrderIDSent, *row.OrderID, "soft failure leaves the pre-lock in place")
	assert.Equal(t, models.ManageOn, row.Manage)
	assert.Equal(t, "entry_prelock", row.Comment)
	assert.Len(t, br.placed, 1)

	// Within backoff: no resubmit.
	require.NoError(t, d.Tick(context.Background()))
	assert.Len(t, br.placed, 1)

	// Past backoff the pipeline resumes without a second claim.
	now = base.Add(5 * time.Second)
	br.placeErr = nil
	require.NoError(t, d.Tick(context.Background()))
	assert.Len(t, br.placed, 2)

	row, _ = st.Trade("t1")
	require.NotNil(t, row.OrderID)
	assert.Equal(t, "ord-2", *row.OrderID)
	assert.Equal(t, "entry", row.Comment)
}

func TestDispatcher_RetryBudgetExhaustionFreezes(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	d.WithMaxAttempts(2)
	br.placeErr = &broker.APIError{Status: 503, Body: "backend down"}
	st.PutTrade(waitingEquityRow("t1"))

	base := etTime(t, 12, 0)
	now := base
	d.now = func() time.Time { return now }

	require.NoError(t, d.Tick(context.Background()))
	now = base.Add(10 * time.Second)
	require.NoError(t, d.Tick(context.Background()))
	now = base.Add(30 * time.Second)
	require.NoError(t, d.Tick(context.Background()))

	assert.Len(t, br.placed, 2)
	row, _ := st.Trade("t1")
	assert.Equal(t, models.ManageOff, row.Manage)
	require.NotNil(t, row.OrderID)
	assert.Equal(t, models.OrderIDError, *row.OrderID)
	assert.True(t, strings.HasPrefix(row.Comment, "entry_error_retry:"), "comment = %q", row.Comment)
}

func TestDispatcher_OptionsWindowGate(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	st.PutTrade(models.ActiveTrade{
		ID: "t1", Symbol: "SPY", OCC: "SPY260116C00500000",
		AssetType: models.AssetOption, Qty: 1,
		Manage: models.ManageOn, Status: models.StatusWaiting,
		EntryCond: models.CondNow,
	})

	// 09:30:30 is inside the session but before the opening buffer ends.
	d.now = func() time.Time { return etTime(t, 9, 30).Add(30 * time.Second) }
	require.NoError(t, d.Tick(context.Background()))
	assert.Empty(t, br.placed)
	row, _ := st.Trade("t1")
	assert.Nil(t, row.OrderID, "gated row must not be mutated")

	d.now = func() time.Time { return etTime(t, 9, 46) }
	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, br.placed, 1)
	assert.True(t, br.placed[0].Option)
	assert.Equal(t, "SPY260116C00500000", br.placed[0].Symbol)
	assert.Equal(t, "buy_to_open", br.placed[0].Side)
}

func TestDispatcher_EntryTimeWindow(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	now := etTime(t, 12, 0)
	d.now = func() time.Time { return now }

	early := waitingEquityRow("early")
	start := now.Add(time.Hour)
	early.EntryTime = &start
	st.PutTrade(early)

	expired := waitingEquityRow("expired")
	end := now.Add(-time.Minute)
	expired.EndTime = &end
	st.PutTrade(expired)

	require.NoError(t, d.Tick(context.Background()))

	assert.Empty(t, br.placed)
	_, ok := st.Trade("early")
	assert.True(t, ok, "row before entry_time is only skipped")
	_, ok = st.Trade("expired")
	assert.False(t, ok, "row past end_time before entry is deleted")
}

func TestDispatcher_EndTimeDuringManagementRequestsClose(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	now := etTime(t, 12, 0)
	d.now = func() time.Time { return now }

	row := managingEquityRow("t1")
	end := now.Add(-time.Minute)
	row.EndTime = &end
	st.PutTrade(row)

	require.NoError(t, d.Tick(context.Background()))

	got, _ := st.Trade("t1")
	assert.Equal(t, models.ManageForceClose, got.Manage)
	assert.Equal(t, "time_exit", got.Comment)
}

func TestDispatcher_ForceCloseWaitingDeletes(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	row := waitingEquityRow("t1")
	row.Manage = models.ManageForceClose
	st.PutTrade(row)

	require.NoError(t, d.Tick(context.Background()))

	_, ok := st.Trade("t1")
	assert.False(t, ok)
	assert.Empty(t, br.placed)
}

func TestDispatcher_ForceCloseManagingSubmitsExit(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	row := managingEquityRow("t1")
	row.Manage = models.ManageForceClose
	row.Comment = "time_exit"
	st.PutTrade(row)

	require.NoError(t, d.Tick(context.Background()))

	require.Len(t, br.placed, 1)
	assert.Equal(t, "sell", br.placed[0].Side)
	got, _ := st.Trade("t1")
	require.NotNil(t, got.OrderID)
	assert.Equal(t, "ord-1", *got.OrderID)
	assert.Equal(t, "force", got.Comment)
}

func TestDispatcher_StopLossBeatsTakeProfit(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	row := managingEquityRow("t1")
	row.SLCond = models.CondNow
	row.TPLevel = fp(90)
	row.Side = models.SideShort
	st.PutTrade(row)
	st.PutSpot(models.Spot{InstrumentID: "AAPL", LastPrice: fp(89)})

	require.NoError(t, d.Tick(context.Background()))

	require.Len(t, br.placed, 1)
	got, _ := st.Trade("t1")
	assert.Equal(t, "sl", got.Comment, "stop-loss evaluates before take-profit")
}

func TestDispatcher_TakeProfitSubmitsExit(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	row := managingEquityRow("t1")
	row.TPLevel = fp(110)
	st.PutTrade(row)
	st.PutSpot(models.Spot{InstrumentID: "AAPL", LastPrice: fp(111)})

	require.NoError(t, d.Tick(context.Background()))

	require.Len(t, br.placed, 1)
	assert.Equal(t, "sell", br.placed[0].Side)
	got, _ := st.Trade("t1")
	assert.Equal(t, "tp", got.Comment)
}

func TestDispatcher_AutoPromotesFilledEntry(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	row := waitingEquityRow("t1")
	orderID := "ord-9"
	row.OrderID = &orderID
	row.OrderStatus = models.OrderStatusFilled
	st.PutTrade(row)

	require.NoError(t, d.Tick(context.Background()))

	got, _ := st.Trade("t1")
	assert.Equal(t, models.StatusManaging, got.Status)
	assert.Nil(t, got.OrderID, "promotion releases the order id for the exit claim")
	assert.Empty(t, br.placed)
}

func TestDispatcher_MissingSpotSkipsEvaluation(t *testing.T) {
	d, st, br := newTestDispatcher(t)
	row := managingEquityRow("t1")
	row.SLCond = models.CondAt
	row.SLLevel = fp(90)
	st.PutTrade(row)
	// No spot row seeded.

	require.NoError(t, d.Tick(context.Background()))
	assert.Empty(t, br.placed)
}

package stream

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/engine"
	"tradeflow/internal/models"
	"tradeflow/internal/store"
)

func TestStreamURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://paper-api.alpaca.markets", "wss://paper-api.alpaca.markets/stream"},
		{"https://paper-api.alpaca.markets/", "wss://paper-api.alpaca.markets/stream"},
		{"http://localhost:8080", "ws://localhost:8080/stream"},
		{" https://api.alpaca.markets ", "wss://api.alpaca.markets/stream"},
	}
	for _, tt := range tests {
		if got := StreamURL(tt.in); got != tt.want {
			t.Errorf("StreamURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func newTestListener(t *testing.T) (*Listener, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	l := NewListener("https://paper-api.alpaca.markets", "k", "s", engine.NewApplier(st, logger), logger)
	return l, st
}

func seedInFlight(st *store.MemoryStore, id, orderID string) {
	st.PutTrade(models.ActiveTrade{
		ID: id, Symbol: "AAPL", AssetType: models.AssetEquity, Qty: 10,
		Manage: models.ManageOn, Status: models.StatusWaiting,
		OrderID: &orderID, OrderStatus: models.OrderStatusPendingNew,
	})
}

func TestHandleMessage_FillPromotesRow(t *testing.T) {
	l, st := newTestListener(t)
	seedInFlight(st, "t1", "ord-1")

	msg := `{"stream":"trade_updates","data":{"event":"fill","order":{"id":"ord-1","status":"filled","filled_avg_price":"101.5"}}}`
	l.handleMessage(context.Background(), []byte(msg))

	row, ok := st.Trade("t1")
	require.True(t, ok)
	assert.Equal(t, models.StatusManaging, row.Status)
	assert.Nil(t, row.OrderID)

	ledger := st.Executed()
	require.Len(t, ledger, 1)
	require.NotNil(t, ledger[0].OpenPrice)
	assert.Equal(t, 101.5, *ledger[0].OpenPrice)
}

func TestHandleMessage_IntermediateEventWritesStatus(t *testing.T) {
	l, st := newTestListener(t)
	seedInFlight(st, "t1", "ord-1")

	msg := `{"stream":"trade_updates","data":{"event":"new","order":{"id":"ord-1","status":"new"}}}`
	l.handleMessage(context.Background(), []byte(msg))

	row, _ := st.Trade("t1")
	assert.Equal(t, "new", row.OrderStatus)
	assert.Equal(t, models.StatusWaiting, row.Status)
}

func TestHandleMessage_IgnoresOtherStreams(t *testing.T) {
	l, st := newTestListener(t)
	seedInFlight(st, "t1", "ord-1")

	msg := `{"stream":"account_updates","data":{"order":{"id":"ord-1","status":"filled"}}}`
	l.handleMessage(context.Background(), []byte(msg))

	row, _ := st.Trade("t1")
	assert.Equal(t, models.OrderStatusPendingNew, row.OrderStatus)
}

func TestHandleMessage_IgnoresMalformedPayloads(t *testing.T) {
	l, st := newTestListener(t)
	seedInFlight(st, "t1", "ord-1")

	for _, msg := range []string{
		`not json`,
		`{"stream":"trade_updates","data":"nope"}`,
		`{"stream":"trade_updates","data":{"event":"fill","order":{"id":"","status":"filled"}}}`,
		`{"stream":"trade_updates","data":{"event":"fill","order":{"id":"ord-1","status":""}}}`,
	} {
		l.handleMessage(context.Background(), []byte(msg))
	}

	row, _ := st.Trade("t1")
	assert.Equal(t, models.OrderStatusPendingNew, row.OrderStatus, "malformed payloads must not mutate rows")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	l, _ := newTestListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

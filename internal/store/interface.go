// Package store provides the client for the shared trade store: the
// active_trades and executed_trades tables and the read-only spot
// snapshot table.
package store

import (
	"context"

	"tradeflow/internal/models"
)

// Interface defines the contract for the shared store.
//
// Implementations must be safe for concurrent use: the dispatcher, the
// reconciler and the trade-event listener all call into the same
// client from separate goroutines.
//
// ClaimForOrder is the critical operation. It must be a compare-and-set
// that succeeds only when order_id is currently NULL; it is the sole
// mechanism preventing duplicate order submission across loops, ticks
// and process restarts.
type Interface interface {
	// FetchActiveTrades returns all rows with manage IN (Y, C) ordered
	// by creation time.
	FetchActiveTrades(ctx context.Context) ([]models.ActiveTrade, error)

	// ClaimForOrder pre-locks a row for order submission: it sets
	// order_id="sent", order_status="working" and a "<reason>_prelock"
	// comment, but only if order_id is NULL. It reports whether the
	// claim was won.
	ClaimForOrder(ctx context.Context, id string, reason models.OrderReason) (bool, error)

	// ConfirmOrder finalizes a successful submission: the real broker
	// order id, order_status="pending_new" and the bare reason comment.
	ConfirmOrder(ctx context.Context, id, orderID string, reason models.OrderReason) error

	// FreezeTrade marks a row fatally failed: order_id="Error",
	// order_status="error", manage=N and the failure comment.
	FreezeTrade(ctx context.Context, id, comment string) error

	// MarkManaging promotes a row on a confirmed opening fill:
	// status="nt-managing", order_status="filled", and order_id cleared
	// back to NULL so the exit pre-lock can claim the row later.
	MarkManaging(ctx context.Context, id string) error

	// MarkTerminalUnfilled freezes a row whose order ended
	// canceled/rejected/expired: order_status is written through and
	// manage is set to N.
	MarkTerminalUnfilled(ctx context.Context, id, orderStatus string) error

	// SetOrderStatus writes a non-terminal broker status through.
	SetOrderStatus(ctx context.Context, id, orderStatus string) error

	// RequestForceClose sets manage=C with an explanatory comment.
	RequestForceClose(ctx context.Context, id, comment string) error

	// DeleteActiveTrade removes a row; deletion is the canonical
	// "closed" signal.
	DeleteActiveTrade(ctx context.Context, id string) error

	// InsertExecutedOpen records the opening fill of a trade in the
	// executed ledger. Cost basis is price * qty * multiplier.
	InsertExecutedOpen(ctx context.Context, row *models.ActiveTrade, openPrice float64) error

	// RecordExecutedClose records the closing fill. When an open record
	// exists for the active trade it is completed in place; otherwise a
	// close-only record is inserted.
	RecordExecutedClose(ctx context.Context, row *models.ActiveTrade, closePrice float64, reason models.CloseReason) error

	// FetchSpot returns the spot row for an instrument, or nil when the
	// snapshot producer has not populated it.
	FetchSpot(ctx context.Context, instrumentID string) (*models.Spot, error)
}

// Ensure both implementations satisfy the interface.
var (
	_ Interface = (*RESTClient)(nil)
	_ Interface = (*MemoryStore)(nil)
)

package models

import "strings"

// Broker order statuses the engine reads back. The set mirrors the
// Alpaca order lifecycle; anything not listed is treated as an
// intermediate status and written through verbatim.
const (
	OrderStatusWorking    = "working" // local sentinel while pre-locked
	OrderStatusPendingNew = "pending_new"
	OrderStatusNew        = "new"
	OrderStatusAccepted   = "accepted"
	OrderStatusPartial    = "partially_filled"
	OrderStatusFilled     = "filled"
	OrderStatusCanceled   = "canceled"
	OrderStatusRejected   = "rejected"
	OrderStatusExpired    = "expired"
	OrderStatusError      = "error" // local sentinel on frozen rows
)

// terminalOrderStatuses are the broker states after which no further
// transition happens. "cancelled" is accepted as a spelling variant.
var terminalOrderStatuses = map[string]struct{}{
	OrderStatusFilled:   {},
	OrderStatusCanceled: {},
	"cancelled":         {},
	OrderStatusRejected: {},
	OrderStatusExpired:  {},
}

// IsTerminalOrderStatus reports whether a broker order status is final.
func IsTerminalOrderStatus(status string) bool {
	_, ok := terminalOrderStatuses[strings.ToLower(strings.TrimSpace(status))]
	return ok
}

// OrderReason is the cause of an order submission. It is persisted in
// the row comment ("entry", "sl_prelock", ...) and recovered by the
// reconciler to tag the executed-trade close.
type OrderReason string

const (
	ReasonEntry      OrderReason = "entry"
	ReasonStopLoss   OrderReason = "sl"
	ReasonTakeProfit OrderReason = "tp"
	ReasonForce      OrderReason = "force"
)

// PrelockComment returns the comment written by the pre-lock step.
func (r OrderReason) PrelockComment() string {
	return string(r) + "_prelock"
}

// CloseReason maps an order reason to the ledger close_reason value.
// Entry has no close reason; it maps to the default.
func (r OrderReason) CloseReason() CloseReason {
	switch r {
	case ReasonStopLoss:
		return CloseReasonStopLoss
	case ReasonTakeProfit:
		return CloseReasonTakeProfit
	case ReasonForce:
		return CloseReasonForce
	}
	return CloseReasonDefault
}

// ReasonFromComment recovers the close reason from a row comment. The
// comment is free text for observability; only the leading tag is
// contractual, so "sl", "sl_prelock" and "sl_error_500: ..." all
// resolve to the stop-loss reason. Unrecognized comments resolve to
// CloseReasonDefault.
func ReasonFromComment(comment string) CloseReason {
	c := strings.ToLower(strings.TrimSpace(comment))
	switch {
	case c == "sl" || strings.HasPrefix(c, "sl_"):
		return CloseReasonStopLoss
	case c == "tp" || strings.HasPrefix(c, "tp_"):
		return CloseReasonTakeProfit
	case c == "force" || strings.HasPrefix(c, "force_"):
		return CloseReasonForce
	}
	return CloseReasonDefault
}

// Package models provides the data structures shared by the trade
// lifecycle engine: active trade intents, executed-trade ledger rows,
// and market-data spot snapshots.
package models

import (
	"strings"
	"time"
)

// AssetType identifies the traded instrument class.
type AssetType string

const (
	// AssetEquity is a plain stock position sized in shares.
	AssetEquity AssetType = "equity"
	// AssetOption is a listed option position sized in contracts.
	AssetOption AssetType = "option"
)

// Side is the directional intent of a trade.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ManageFlag controls whether the engine is allowed to act on a row.
type ManageFlag string

const (
	// ManageOn means the row is under automation.
	ManageOn ManageFlag = "Y"
	// ManageOff freezes the row; the engine never touches it again.
	ManageOff ManageFlag = "N"
	// ManageForceClose requests an immediate close on the next tick.
	ManageForceClose ManageFlag = "C"
)

// TradeStatus is the lifecycle state of an active trade row.
type TradeStatus string

const (
	// StatusWaiting: no position yet, entry conditions are being watched.
	StatusWaiting TradeStatus = "nt-waiting"
	// StatusManaging: an opening fill is recorded, exits are being watched.
	StatusManaging TradeStatus = "nt-managing"
	// StatusPosManaging is assigned by an external position manager. The
	// engine treats it like StatusManaging for exit logic but never sets it.
	StatusPosManaging TradeStatus = "pos-managing"
)

// Condition selects how an entry or stop-loss level is evaluated.
type Condition string

const (
	// CondNow triggers immediately at the current price.
	CondNow Condition = "now"
	// CondAt triggers on a directional touch of the level.
	CondAt Condition = "at"
	// CondCloseAbove triggers when the timeframe candle closes above the level.
	CondCloseAbove Condition = "ca"
	// CondCloseBelow triggers when the timeframe candle closes below the level.
	CondCloseBelow Condition = "cb"
)

// CloseReason tags an executed-trade close record.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "sl"
	CloseReasonTakeProfit CloseReason = "tp"
	CloseReasonForce      CloseReason = "force"
	// CloseReasonDefault is used when the originating reason cannot be
	// recovered from the row.
	CloseReasonDefault CloseReason = "close"
)

// Sentinel order_id values. Anything else non-empty is a real broker id.
const (
	// OrderIDSent marks a row as pre-locked: claimed for submission but
	// not yet acknowledged by the broker.
	OrderIDSent = "sent"
	// OrderIDError marks a row frozen after a fatal submission failure.
	OrderIDError = "Error"
)

// ActiveTrade is one row of the shared active_trades table: a single
// planned or in-flight position lifecycle authored by an external
// signal producer.
type ActiveTrade struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	OCC       string    `json:"occ"`
	AssetType AssetType `json:"asset_type"`
	CP        string    `json:"cp"`
	Side      Side      `json:"side"`
	Qty       int       `json:"qty"`

	Manage ManageFlag  `json:"manage"`
	Status TradeStatus `json:"status"`

	EntryCond  Condition  `json:"entry_cond"`
	EntryType  string     `json:"entry_type"`
	EntryTF    string     `json:"entry_tf"`
	EntryLevel *float64   `json:"entry_level"`
	EntryTime  *time.Time `json:"entry_time"`
	EndTime    *time.Time `json:"end_time"`

	SLEnabled *bool     `json:"sl_enabled"`
	SLCond    Condition `json:"sl_cond"`
	SLType    string    `json:"sl_type"`
	SLTF      string    `json:"sl_tf"`
	SLLevel   *float64  `json:"sl_level"`

	TPEnabled *bool    `json:"tp_enabled"`
	TPLevel   *float64 `json:"tp_level"`
	TPType    string   `json:"tp_type"`

	OrderID     *string `json:"order_id"`
	OrderStatus string  `json:"order_status"`
	Comment     string  `json:"comment"`

	TradeType string `json:"trade_type"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOption reports whether the row trades an option contract.
func (t *ActiveTrade) IsOption() bool {
	return t.AssetType == AssetOption
}

// Multiplier returns the contract multiplier used for cost basis.
func (t *ActiveTrade) Multiplier() float64 {
	if t.IsOption() {
		return 100
	}
	return 1
}

// InstrumentID returns the spot-table key for the traded instrument:
// the OCC code for options, the ticker for equities.
func (t *ActiveTrade) InstrumentID() string {
	if t.IsOption() && t.OCC != "" {
		return t.OCC
	}
	return t.Symbol
}

// HasRealOrderID reports whether order_id holds an actual broker order
// id rather than NULL or one of the sentinels.
func (t *ActiveTrade) HasRealOrderID() bool {
	if t.OrderID == nil {
		return false
	}
	id := strings.TrimSpace(*t.OrderID)
	if id == "" || id == OrderIDSent {
		return false
	}
	return !strings.EqualFold(id, OrderIDError)
}

// IsPreLocked reports whether the row is claimed for submission.
func (t *ActiveTrade) IsPreLocked() bool {
	return t.OrderID != nil && *t.OrderID == OrderIDSent
}

// IsManaging reports whether the row carries a realized position,
// either engine-managed or externally assigned.
func (t *ActiveTrade) IsManaging() bool {
	return t.Status == StatusManaging || t.Status == StatusPosManaging
}

// ExecutedTrade is one row of the append-only executed_trades ledger.
// Opens and closes are written separately; the zero value of the close
// fields means the position is still open.
type ExecutedTrade struct {
	ActiveTradeID string    `json:"active_trade_id"`
	TradeType     string    `json:"trade_type"`
	Symbol        string    `json:"symbol"`
	OCC           string    `json:"occ"`
	AssetType     AssetType `json:"asset_type"`
	Qty           int       `json:"qty"`

	OpenTS        *time.Time `json:"open_ts"`
	OpenPrice     *float64   `json:"open_price"`
	OpenCostBasis *float64   `json:"open_cost_basis"`

	CloseTS        *time.Time  `json:"close_ts"`
	ClosePrice     *float64    `json:"close_price"`
	CloseCostBasis *float64    `json:"close_cost_basis"`
	CloseReason    CloseReason `json:"close_reason"`
}

// TFClose is the close of one timeframe bucket in a spot row.
type TFClose struct {
	Close *float64 `json:"close"`
}

// Spot is one row of the read-only market-data snapshot table.
type Spot struct {
	InstrumentID string             `json:"instrument_id"`
	LastPrice    *float64           `json:"last_price"`
	TFCloses     map[string]TFClose `json:"tf_closes"`
}

// Package conditions implements the pure entry / stop-loss /
// take-profit evaluator. All checks are side-effect free functions of
// one active trade row and the spot snapshots of the underlying and
// (for options) the option instrument itself.
package conditions

import (
	"strings"

	"tradeflow/internal/models"
	"tradeflow/internal/util"
)

// CheckEntry evaluates the entry condition of a waiting row.
// It returns whether the entry should fire and the price the decision
// was based on. For entry_cond "now" the trigger is unconditional and
// the price may be nil; the caller falls back to the broker fill price.
func CheckEntry(row *models.ActiveTrade, spotUnder, spotOption *models.Spot) (bool, *float64) {
	cond := normalizeCond(row.EntryCond)
	if cond == "" {
		return false, nil
	}

	spot := chooseSpot(row.EntryType, spotUnder, spotOption)

	if cond == models.CondNow {
		// Immediate entry. Best-effort price for logging and ledger
		// fallback; a missing spot row does not block the order.
		return true, lastPrice(spot)
	}

	if row.EntryLevel == nil {
		return false, nil
	}
	level := *row.EntryLevel

	price := priceFor(cond, spot, row.EntryTF)
	if price == nil {
		return false, nil
	}

	switch cond {
	case models.CondAt:
		if profitWhenUp(row) {
			// Buy the touch of support.
			return *price <= level, price
		}
		// Sell the touch of resistance.
		return *price >= level, price
	case models.CondCloseAbove:
		return *price > level, price
	case models.CondCloseBelow:
		return *price < level, price
	}
	return false, nil
}

// CheckStopLoss evaluates the stop-loss condition of a managing row.
// Disabled stops (sl_enabled=false or empty sl_cond) never fire.
func CheckStopLoss(row *models.ActiveTrade, spotUnder, spotOption *models.Spot) (bool, *float64) {
	if row.SLEnabled != nil && !*row.SLEnabled {
		return false, nil
	}
	cond := normalizeCond(row.SLCond)
	if cond == "" {
		return false, nil
	}

	spot := chooseSpot(row.SLType, spotUnder, spotOption)
	if spot == nil {
		return false, nil
	}

	if cond == models.CondNow {
		price := lastPrice(spot)
		if price == nil {
			return false, nil
		}
		return true, price
	}

	if row.SLLevel == nil {
		return false, nil
	}
	level := *row.SLLevel

	price := priceFor(cond, spot, row.SLTF)
	if price == nil {
		return false, nil
	}

	switch cond {
	case models.CondAt:
		if profitWhenUp(row) {
			// Long exposure stops out when price falls through the level.
			return *price <= level, price
		}
		return *price >= level, price
	case models.CondCloseAbove:
		return *price > level, price
	case models.CondCloseBelow:
		return *price < level, price
	}
	return false, price
}

// CheckTakeProfit evaluates the take-profit threshold of a managing
// row. TP has no condition field: it is always a touch of tp_level on
// the last price of the tp_type instrument, directional by cp/side.
func CheckTakeProfit(row *models.ActiveTrade, spotUnder, spotOption *models.Spot) (bool, *float64) {
	if row.TPEnabled != nil && !*row.TPEnabled {
		return false, nil
	}
	if row.TPLevel == nil {
		return false, nil
	}
	level := *row.TPLevel

	spot := chooseSpot(row.TPType, spotUnder, spotOption)
	if spot == nil {
		return false, nil
	}
	price := lastPrice(spot)
	if price == nil {
		return false, nil
	}

	if profitWhenUp(row) {
		return *price >= level, price
	}
	return *price <= level, price
}

// profitWhenUp resolves the direction of a row: true when the position
// gains as the observed price rises. Options resolve from cp (falling
// back to the right encoded in the OCC code), everything else from
// side, defaulting to long.
func profitWhenUp(row *models.ActiveTrade) bool {
	if row.AssetType == models.AssetOption {
		switch strings.ToLower(row.CP) {
		case "c", "call":
			return true
		case "p", "put":
			return false
		}
		if row.OCC != "" {
			if occ, err := util.ParseOCC(row.OCC); err == nil {
				return occ.Right == "C"
			}
		}
	}
	return row.Side != models.SideShort
}

// chooseSpot selects which instrument's spot row a check reads,
// driven by the check's *_type field. Unknown or empty values fall
// back to the underlying.
func chooseSpot(typeField string, spotUnder, spotOption *models.Spot) *models.Spot {
	switch strings.ToLower(typeField) {
	case "option":
		return spotOption
	case "equity":
		return spotUnder
	}
	return spotUnder
}

// priceFor returns the price source mandated by the condition: last
// price for touch conditions, the timeframe candle close for ca/cb.
func priceFor(cond models.Condition, spot *models.Spot, tf string) *float64 {
	switch cond {
	case models.CondAt, models.CondNow:
		return lastPrice(spot)
	case models.CondCloseAbove, models.CondCloseBelow:
		return tfClose(spot, tf)
	}
	return nil
}

func lastPrice(spot *models.Spot) *float64 {
	if spot == nil {
		return nil
	}
	return spot.LastPrice
}

func tfClose(spot *models.Spot, tf string) *float64 {
	if spot == nil || tf == "" || spot.TFCloses == nil {
		return nil
	}
	bucket, ok := spot.TFCloses[tf]
	if !ok {
		return nil
	}
	return bucket.Close
}

func normalizeCond(c models.Condition) models.Condition {
	return models.Condition(strings.ToLower(strings.TrimSpace(string(c))))
}

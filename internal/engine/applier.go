// Package engine contains the trade-lifecycle engine: the dispatcher
// loop with its atomic send pipeline, the reconciler loop, and the
// transition applier both share with the trade-event listener.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tradeflow/internal/models"
	"tradeflow/internal/store"
)

// Applier turns an authoritative broker order status into store
// effects. Both the polling reconciler and the push listener feed it,
// so every effect must be idempotent: re-applying the same status to
// the same row is a no-op at the caller (skip-unchanged) and harmless
// here.
type Applier struct {
	store  store.Interface
	logger *logrus.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

// NewApplier creates a transition applier over the given store.
func NewApplier(st store.Interface, logger *logrus.Logger) *Applier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Applier{
		store:  st,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func normalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ApplyOrderUpdate applies one observed broker status to a row.
//
// filled on a waiting row promotes it to managing (recording the
// ledger open when a fill price is known); filled on a managing row
// closes it (ledger close + row deletion); canceled/rejected/expired
// freezes the row unfilled; anything else is written through verbatim.
func (a *Applier) ApplyOrderUpdate(ctx context.Context, row *models.ActiveTrade, status string, fillPrice *float64) error {
	status = normalizeStatus(status)

	log := a.logger.WithFields(logrus.Fields{
		"trade_id": row.ID,
		"symbol":   row.Symbol,
		"status":   status,
	})

	switch {
	case status == models.OrderStatusFilled:
		if row.Status == models.StatusWaiting {
			return a.applyEntryFill(ctx, row, fillPrice, log)
		}
		if row.IsManaging() {
			return a.applyExitFill(ctx, row, fillPrice, log)
		}
		// Unexpected lifecycle state; record the status and move on.
		log.WithField("trade_status", row.Status).Warn("fill observed in unexpected state")
		return a.store.SetOrderStatus(ctx, row.ID, status)

	case models.IsTerminalOrderStatus(status):
		log.Info("order ended unfilled, freezing row")
		return a.store.MarkTerminalUnfilled(ctx, row.ID, status)

	default:
		return a.store.SetOrderStatus(ctx, row.ID, status)
	}
}

func (a *Applier) applyEntryFill(ctx context.Context, row *models.ActiveTrade, fillPrice *float64, log *logrus.Entry) error {
	if fillPrice != nil {
		if err := a.store.InsertExecutedOpen(ctx, row, *fillPrice); err != nil {
			return fmt.Errorf("recording open for %s: %w", row.ID, err)
		}
		log.WithField("fill_price", *fillPrice).Info("entry filled, position open")
	} else {
		// Advance the row regardless: a stuck waiting row is worse than
		// a ledger gap.
		log.Warn("entry filled with no fill price reported, promoting without ledger open")
	}
	if err := a.store.MarkManaging(ctx, row.ID); err != nil {
		return fmt.Errorf("promoting %s: %w", row.ID, err)
	}
	row.Status = models.StatusManaging
	row.OrderStatus = models.OrderStatusFilled
	row.OrderID = nil
	return nil
}

func (a *Applier) applyExitFill(ctx context.Context, row *models.ActiveTrade, fillPrice *float64, log *logrus.Entry) error {
	reason := models.ReasonFromComment(row.Comment)
	if fillPrice != nil {
		if err := a.store.RecordExecutedClose(ctx, row, *fillPrice, reason); err != nil {
			return fmt.Errorf("recording close for %s: %w", row.ID, err)
		}
		log.WithFields(logrus.Fields{
			"fill_price":   *fillPrice,
			"close_reason": reason,
		}).Info("exit filled, position closed")
	} else {
		log.WithField("close_reason", reason).Warn("exit filled with no fill price reported, deleting without ledger close")
	}
	if err := a.store.DeleteActiveTrade(ctx, row.ID); err != nil {
		return fmt.Errorf("deleting %s: %w", row.ID, err)
	}
	return nil
}

// How long the listener waits for the dispatcher to persist a fresh
// order id before giving up on an event.
const (
	applyByIDAttempts = 3
	applyByIDDelay    = 500 * time.Millisecond
)

// ApplyByOrderID locates the row carrying the given broker order id and
// applies the update to it. Push events can arrive before the
// dispatcher has written the real order id, so absence is retried a few
// times; an event for an id the store never learns is dropped (the
// reconciler poll covers it). Unchanged statuses are skipped.
func (a *Applier) ApplyByOrderID(ctx context.Context, orderID, status string, fillPrice *float64) error {
	if orderID == "" || status == "" {
		return nil
	}

	for attempt := 0; attempt < applyByIDAttempts; attempt++ {
		if attempt > 0 {
			a.sleep(ctx, applyByIDDelay)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		rows, err := a.store.FetchActiveTrades(ctx)
		if err != nil {
			return fmt.Errorf("fetching trades for order %s: %w", orderID, err)
		}
		for i := range rows {
			row := &rows[i]
			if row.OrderID == nil || *row.OrderID != orderID {
				continue
			}
			if statusEqual(row.OrderStatus, status) {
				return nil
			}
			return a.ApplyOrderUpdate(ctx, row, status, fillPrice)
		}
	}

	a.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"status":   status,
	}).Debug("no active row for order update, leaving to reconciler")
	return nil
}

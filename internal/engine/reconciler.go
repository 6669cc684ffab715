package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tradeflow/internal/broker"
	"tradeflow/internal/models"
	"tradeflow/internal/store"
)

// fetchTimeout bounds each store scan so a hung request cannot stall a
// whole loop iteration.
const fetchTimeout = 8 * time.Second

// Reconciler drives in-flight orders to their terminal store effects.
// Every tick it scans for rows carrying a real broker order id with a
// non-terminal recorded status, polls the broker for the authoritative
// status, and applies the transition.
//
// It is also the crash-recovery path: rows left mid-flight by a
// restart are simply picked up on the next pass.
type Reconciler struct {
	store    store.Interface
	broker   broker.Broker
	applier  *Applier
	logger   *logrus.Logger
	interval time.Duration
}

// NewReconciler creates a reconciler polling at the given interval.
func NewReconciler(st store.Interface, br broker.Broker, logger *logrus.Logger, interval time.Duration) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Reconciler{
		store:    st,
		broker:   br,
		applier:  NewApplier(st, logger),
		logger:   logger,
		interval: interval,
	}
}

// Applier exposes the shared transition applier so the trade-event
// listener feeds the exact same effects.
func (r *Reconciler) Applier() *Applier {
	return r.applier
}

// Run executes reconciliation ticks until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.WithField("interval", r.interval).Info("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Error("reconciler tick failed")
			}
		}
	}
}

// Tick performs one reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	rows, err := r.store.FetchActiveTrades(fetchCtx)
	cancel()
	if err != nil {
		return err
	}

	for i := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.reconcileRow(ctx, &rows[i])
	}
	return nil
}

func (r *Reconciler) reconcileRow(ctx context.Context, row *models.ActiveTrade) {
	if !row.HasRealOrderID() || models.IsTerminalOrderStatus(row.OrderStatus) {
		return
	}
	orderID := *row.OrderID

	log := r.logger.WithFields(logrus.Fields{
		"trade_id": row.ID,
		"order_id": orderID,
	})

	order, err := r.broker.GetOrder(ctx, orderID)
	if err != nil {
		// Poll errors are not actionable per row; the next pass retries.
		log.WithError(err).Warn("order status poll failed")
		return
	}
	if order == nil || order.Status == "" {
		log.Warn("order status poll returned no status")
		return
	}
	if statusEqual(order.Status, row.OrderStatus) {
		return
	}

	if err := r.applier.ApplyOrderUpdate(ctx, row, order.Status, order.FilledPrice()); err != nil {
		log.WithError(err).Error("applying order transition failed")
	}
}

func statusEqual(a, b string) bool {
	return normalizeStatus(a) == normalizeStatus(b)
}

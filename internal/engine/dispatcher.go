package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tradeflow/internal/broker"
	"tradeflow/internal/conditions"
	"tradeflow/internal/models"
	"tradeflow/internal/store"
)

const (
	defaultDispatchPause = time.Second
	defaultMaxAttempts   = 3
	retryBackoffBase     = 2 * time.Second
	freezeMessageLimit   = 150
)

// Dispatcher is the condition-evaluation loop. Every tick it scans the
// managed rows, applies the time windows, evaluates entry / stop-loss /
// take-profit / force-close, and pushes eligible rows through the
// atomic send pipeline: RTH gate, pre-lock claim, market order submit,
// finalize or freeze.
type Dispatcher struct {
	store  store.Interface
	broker broker.Broker
	logger *logrus.Logger

	interval      time.Duration
	dispatchPause time.Duration
	maxAttempts   int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	// Soft-failure retry budget, held in memory only. Lost on restart,
	// which is acceptable: the pre-lock row state survives and the
	// budget simply starts over.
	attempts map[string]int
	nextTry  map[string]time.Time
}

// NewDispatcher creates a dispatcher ticking at the given interval.
func NewDispatcher(st store.Interface, br broker.Broker, logger *logrus.Logger, interval time.Duration) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		store:         st,
		broker:        br,
		logger:        logger,
		interval:      interval,
		dispatchPause: defaultDispatchPause,
		maxAttempts:   defaultMaxAttempts,
		now:           time.Now,
		sleep:         sleepCtx,
		attempts:      make(map[string]int),
		nextTry:       make(map[string]time.Time),
	}
}

// WithDispatchPause overrides the post-dispatch pause.
func (d *Dispatcher) WithDispatchPause(p time.Duration) *Dispatcher {
	if p >= 0 {
		d.dispatchPause = p
	}
	return d
}

// WithMaxAttempts overrides the soft-failure retry budget per row.
func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

// Run executes dispatch ticks until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.WithField("interval", d.interval).Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
				d.logger.WithError(err).Error("dispatcher tick failed")
			}
		}
	}
}

// Tick performs one dispatch pass over all managed rows.
func (d *Dispatcher) Tick(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	rows, err := d.store.FetchActiveTrades(fetchCtx)
	cancel()
	if err != nil {
		return err
	}

	for i := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.handleRow(ctx, &rows[i])
	}
	d.pruneRetryState(rows)
	return nil
}

func (d *Dispatcher) handleRow(ctx context.Context, row *models.ActiveTrade) {
	log := d.logger.WithFields(logrus.Fields{
		"trade_id": row.ID,
		"symbol":   row.Symbol,
	})

	// Defensive mirror of the reconciler: a waiting row whose entry
	// order is already filled gets promoted even if the reconciler is
	// down.
	if row.Status == models.StatusWaiting && row.HasRealOrderID() &&
		normalizeStatus(row.OrderStatus) == models.OrderStatusFilled {
		if err := d.store.MarkManaging(ctx, row.ID); err != nil {
			log.WithError(err).Error("auto-promote failed")
			return
		}
		log.Info("auto-promoted filled entry")
		row.Status = models.StatusManaging
		row.OrderStatus = models.OrderStatusFilled
		row.OrderID = nil
	}

	now := d.now()

	if row.Manage == models.ManageOn {
		if row.Status == models.StatusWaiting {
			if row.EntryTime != nil && now.Before(*row.EntryTime) {
				return
			}
			if row.EndTime != nil && now.After(*row.EndTime) {
				log.Info("entry window expired, deleting row")
				if err := d.store.DeleteActiveTrade(ctx, row.ID); err != nil {
					log.WithError(err).Error("deleting expired row failed")
				}
				return
			}
		} else if row.IsManaging() {
			if row.EndTime != nil && now.After(*row.EndTime) {
				log.Info("management window expired, requesting close")
				if err := d.store.RequestForceClose(ctx, row.ID, "time_exit"); err != nil {
					log.WithError(err).Error("requesting time exit failed")
				}
				return
			}
		}
	}

	if row.Manage == models.ManageForceClose {
		d.handleForceClose(ctx, row, log)
		return
	}

	if row.IsPreLocked() {
		// A soft submit failure left this row claimed; resume the
		// pipeline for the original reason.
		d.sendOrder(ctx, row, prelockReason(row), true)
		return
	}
	if orderInFlight(row) {
		return
	}

	switch {
	case row.Status == models.StatusWaiting:
		spotUnder, spotOption := d.fetchSpots(ctx, row, log)
		trigger, price := conditions.CheckEntry(row, spotUnder, spotOption)
		if !trigger {
			return
		}
		logTrigger(log, "entry condition met", price)
		d.sendOrder(ctx, row, models.ReasonEntry, false)

	case row.IsManaging():
		spotUnder, spotOption := d.fetchSpots(ctx, row, log)
		if trigger, price := conditions.CheckStopLoss(row, spotUnder, spotOption); trigger {
			logTrigger(log, "stop-loss condition met", price)
			d.sendOrder(ctx, row, models.ReasonStopLoss, false)
			return
		}
		if trigger, price := conditions.CheckTakeProfit(row, spotUnder, spotOption); trigger {
			logTrigger(log, "take-profit condition met", price)
			d.sendOrder(ctx, row, models.ReasonTakeProfit, false)
		}
	}
}

func (d *Dispatcher) handleForceClose(ctx context.Context, row *models.ActiveTrade, log *logrus.Entry) {
	if row.Status == models.StatusWaiting {
		// No position ever existed; the row just goes away.
		log.Info("force-close on waiting row, deleting")
		if err := d.store.DeleteActiveTrade(ctx, row.ID); err != nil {
			log.WithError(err).Error("deleting waiting row failed")
		}
		return
	}
	if !row.IsManaging() {
		return
	}
	if row.IsPreLocked() {
		d.sendOrder(ctx, row, prelockReason(row), true)
		return
	}
	if orderInFlight(row) {
		return
	}
	d.sendOrder(ctx, row, models.ReasonForce, false)
}

// sendOrder is the atomic send pipeline. claimed marks a row that
// already holds the pre-lock from an earlier soft failure.
func (d *Dispatcher) sendOrder(ctx context.Context, row *models.ActiveTrade, reason models.OrderReason, claimed bool) {
	log := d.logger.WithFields(logrus.Fields{
		"trade_id": row.ID,
		"symbol":   row.Symbol,
		"reason":   reason,
	})

	// Step 0: options orders only during regular trading hours. The row
	// is untouched; the next tick retries.
	if row.IsOption() && !broker.OptionsOrderWindowOpen(d.now()) {
		log.Debug("outside options trading window")
		return
	}

	if until, ok := d.nextTry[row.ID]; ok && d.now().Before(until) {
		return
	}
	if d.attempts[row.ID] >= d.maxAttempts {
		comment := fmt.Sprintf("%s_error_retry: submit attempts exhausted", reason)
		log.Warn("submit retry budget exhausted, freezing row")
		if err := d.store.FreezeTrade(ctx, row.ID, comment); err != nil {
			log.WithError(err).Error("freezing row failed")
			return
		}
		d.clearRetryState(row.ID)
		return
	}

	// Step 1: pre-lock claim. Zero rows affected means another worker
	// or a concurrent reconciliation owns the row.
	if !claimed {
		won, err := d.store.ClaimForOrder(ctx, row.ID, reason)
		if err != nil {
			log.WithError(err).Error("pre-lock failed")
			return
		}
		if !won {
			log.Debug("pre-lock lost to concurrent claim")
			return
		}
	}

	// Step 2: submit the market order.
	order, err := d.submit(ctx, row, reason)
	if err != nil {
		d.handleSubmitError(ctx, row, reason, err, log)
		return
	}

	// Step 3: finalize with the real broker id. The fill itself is the
	// reconciler's to observe; the submit response price is not the
	// fill price.
	if err := d.store.ConfirmOrder(ctx, row.ID, order.ID, reason); err != nil {
		log.WithError(err).WithField("order_id", order.ID).Error("confirming order failed")
		return
	}
	d.clearRetryState(row.ID)
	log.WithField("order_id", order.ID).Info("order submitted")

	// Give the broker a beat before evaluating more rows.
	d.sleep(ctx, d.dispatchPause)
}

func (d *Dispatcher) submit(ctx context.Context, row *models.ActiveTrade, reason models.OrderReason) (*broker.Order, error) {
	if row.IsOption() {
		side := "sell_to_close"
		if reason == models.ReasonEntry {
			side = "buy_to_open"
		}
		return d.broker.PlaceOptionOrder(ctx, row.OCC, row.Qty, side)
	}
	side := "sell"
	if reason == models.ReasonEntry {
		side = "buy"
	}
	return d.broker.PlaceEquityOrder(ctx, row.Symbol, row.Qty, side)
}

func (d *Dispatcher) handleSubmitError(ctx context.Context, row *models.ActiveTrade, reason models.OrderReason, err error, log *logrus.Entry) {
	if broker.IsFatalOrderError(err) {
		var apiErr *broker.APIError
		code := 0
		msg := err.Error()
		if errors.As(err, &apiErr) {
			code = apiErr.Status
			msg = apiErr.Body
		}
		comment := fmt.Sprintf("%s_error_%d: %s", reason, code, truncate(msg, freezeMessageLimit))
		log.WithError(err).Error("fatal submit error, freezing row")
		if ferr := d.store.FreezeTrade(ctx, row.ID, comment); ferr != nil {
			log.WithError(ferr).Error("freezing row failed")
		}
		d.clearRetryState(row.ID)
		return
	}

	// Soft failure: the row stays pre-locked and a later tick resumes
	// the pipeline after backoff.
	d.attempts[row.ID]++
	backoff := retryBackoffBase << (d.attempts[row.ID] - 1)
	d.nextTry[row.ID] = d.now().Add(backoff)
	log.WithError(err).WithFields(logrus.Fields{
		"attempt": d.attempts[row.ID],
		"backoff": backoff,
	}).Warn("soft submit failure, will retry")
}

func (d *Dispatcher) fetchSpots(ctx context.Context, row *models.ActiveTrade, log *logrus.Entry) (*models.Spot, *models.Spot) {
	spotUnder, err := d.store.FetchSpot(ctx, row.Symbol)
	if err != nil {
		log.WithError(err).Warn("fetching underlying spot failed")
	}
	var spotOption *models.Spot
	if row.IsOption() && row.OCC != "" {
		spotOption, err = d.store.FetchSpot(ctx, row.OCC)
		if err != nil {
			log.WithError(err).Warn("fetching option spot failed")
		}
	}
	if spotUnder == nil && spotOption == nil {
		log.Debug("no spot data for row this tick")
	}
	return spotUnder, spotOption
}

func (d *Dispatcher) clearRetryState(id string) {
	delete(d.attempts, id)
	delete(d.nextTry, id)
}

// pruneRetryState drops retry counters for rows no longer in the scan,
// so the maps cannot grow without bound.
func (d *Dispatcher) pruneRetryState(rows []models.ActiveTrade) {
	if len(d.attempts) == 0 && len(d.nextTry) == 0 {
		return
	}
	live := make(map[string]struct{}, len(rows))
	for i := range rows {
		live[rows[i].ID] = struct{}{}
	}
	for id := range d.attempts {
		if _, ok := live[id]; !ok {
			delete(d.attempts, id)
		}
	}
	for id := range d.nextTry {
		if _, ok := live[id]; !ok {
			delete(d.nextTry, id)
		}
	}
}

func orderInFlight(row *models.ActiveTrade) bool {
	return row.HasRealOrderID() && !models.IsTerminalOrderStatus(row.OrderStatus)
}

// prelockReason recovers the pipeline reason from a pre-lock comment.
// Unparseable comments fall back on the lifecycle state.
func prelockReason(row *models.ActiveTrade) models.OrderReason {
	c := strings.ToLower(strings.TrimSpace(row.Comment))
	c = strings.TrimSuffix(c, "_prelock")
	switch models.OrderReason(c) {
	case models.ReasonEntry, models.ReasonStopLoss, models.ReasonTakeProfit, models.ReasonForce:
		return models.OrderReason(c)
	}
	if row.Status == models.StatusWaiting {
		return models.ReasonEntry
	}
	return models.ReasonForce
}

func logTrigger(log *logrus.Entry, msg string, price *float64) {
	if price != nil {
		log = log.WithField("price", *price)
	}
	log.Info(msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

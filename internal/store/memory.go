package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeflow/internal/models"
)

// MemoryStore implements Interface in memory for tests. It reproduces
// the pre-lock compare-and-set semantics of the REST store exactly:
// ClaimForOrder succeeds only while order_id is NULL.
type MemoryStore struct {
	mu       sync.Mutex
	trades   map[string]*models.ActiveTrade
	executed []models.ExecutedTrade
	spots    map[string]models.Spot

	errByOp map[string]error
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:  make(map[string]*models.ActiveTrade),
		spots:   make(map[string]models.Spot),
		errByOp: make(map[string]error),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PutTrade seeds or replaces an active trade row.
func (m *MemoryStore) PutTrade(row models.ActiveTrade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := row
	m.trades[row.ID] = &cp
}

// PutSpot seeds a spot snapshot.
func (m *MemoryStore) PutSpot(spot models.Spot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spots[spot.InstrumentID] = spot
}

// Trade returns a copy of a row, and whether it exists.
func (m *MemoryStore) Trade(id string) (models.ActiveTrade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.trades[id]
	if !ok {
		return models.ActiveTrade{}, false
	}
	return *row, true
}

// Executed returns a copy of the executed ledger.
func (m *MemoryStore) Executed() []models.ExecutedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ExecutedTrade, len(m.executed))
	copy(out, m.executed)
	return out
}

// FailOp makes the named operation (e.g. "InsertExecutedOpen") return
// the given error; nil clears it.
func (m *MemoryStore) FailOp(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errByOp, op)
		return
	}
	m.errByOp[op] = err
}

func (m *MemoryStore) opErr(op string) error {
	return m.errByOp[op]
}

// FetchActiveTrades returns rows with manage IN (Y, C) ordered by
// created_at, matching the REST query.
func (m *MemoryStore) FetchActiveTrades(_ context.Context) ([]models.ActiveTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opErr("FetchActiveTrades"); err != nil {
		return nil, err
	}
	var out []models.ActiveTrade
	for _, row := range m.trades {
		if row.Manage == models.ManageOn || row.Manage == models.ManageForceClose {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ClaimForOrder(_ context.Context, id string, reason models.OrderReason) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opErr("ClaimForOrder"); err != nil {
		return false, err
	}
	row, ok := m.trades[id]
	if !ok || row.OrderID != nil {
		return false, nil
	}
	sent := models.OrderIDSent
	row.OrderID = &sent
	row.OrderStatus = models.OrderStatusWorking
	row.Comment = reason.PrelockComment()
	row.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) ConfirmOrder(_ context.Context, id, orderID string, reason models.OrderReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opErr("ConfirmOrder"); err != nil {
		return err
	}
	row, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("trade %s not found", id)
	}
	row.OrderID = &orderID
	row.OrderStatus = models.OrderStatusPendingNew
	row.Comment = string(reason)
	row.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) FreezeTrade(_ context.Context, id, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opErr("FreezeTrade"); err != nil {
		return err
	}
	row, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("trade %s not found", id)
	}
	errID := models.OrderIDError
	row.OrderID = &errID
	row.OrderStatus = models.OrderStatusError
	row.Manage = models.ManageOff
	row.Comment = comment
	row.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkManaging(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opErr("MarkManaging"); err != nil {
		return err
	}
	row, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("trade %s not found", id)
	}
	row.Status = models.StatusManaging
	row.OrderStatus = models.OrderStatusFilled
	row.OrderID = nil
	row.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkTerminalUnfilled(_ context.Context, id, orderStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opErr("MarkTerminalUnfilled"); err != nil {
		return err
	}
	row, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("trade %s not found", id)
	}
	row.OrderStatus = orderStatus
	row.Manage = models.ManageOff
	row.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetOrderStatus(_ context.Context, id, orderStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opErr("SetOrderStatus"); err != nil {
		return err
	}
	row, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("trade %s not found", id)
	}
	row.OrderStatus = orderStatus
	row.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) RequestForceClose(_ context.Context, id, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opErr("RequestForceClose"); err != nil {
		return err
	}
	row, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("trade %s not found", id)
	}
	row.Manage = models.ManageForceClose
	row.Comment = comment
	row.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) DeleteActiveTrade(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opErr("DeleteActiveTrade"); err != nil {
		return err
	}
	delete(m.trades, id)
	return nil
}

func (m *MemoryStore) InsertExecutedOpen(_ context.Context, row *models.ActiveTrade, openPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opErr("InsertExecutedOpen"); err != nil {
		return err
	}
	now := m.now()
	basis := openPrice * float64(row.Qty) * row.Multiplier()
	price := openPrice
	m.executed = append(m.executed, models.ExecutedTrade{
		ActiveTradeID: row.ID,
		TradeType:     row.TradeType,
		Symbol:        row.Symbol,
		OCC:           row.OCC,
		AssetType:     row.AssetType,
		Qty:           row.Qty,
		OpenTS:        &now,
		OpenPrice:     &price,
		OpenCostBasis: &basis,
	})
	return nil
}

func (m *MemoryStore) RecordExecutedClose(_ context.Context, row *models.ActiveTrade, closePrice float64, reason models.CloseReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opErr("RecordExecutedClose"); err != nil {
		return err
	}
	now := m.now()
	basis := closePrice * float64(row.Qty) * row.Multiplier()
	price := closePrice

	for i := range m.executed {
		if m.executed[i].ActiveTradeID == row.ID && m.executed[i].CloseTS == nil {
			m.executed[i].CloseTS = &now
			m.executed[i].ClosePrice = &price
			m.executed[i].CloseCostBasis = &basis
			m.executed[i].CloseReason = reason
			return nil
		}
	}
	m.executed = append(m.executed, models.ExecutedTrade{
		ActiveTradeID:  row.ID,
		TradeType:      row.TradeType,
		Symbol:         row.Symbol,
		OCC:            row.OCC,
		AssetType:      row.AssetType,
		Qty:            row.Qty,
		CloseTS:        &now,
		ClosePrice:     &price,
		CloseCostBasis: &basis,
		CloseReason:    reason,
	})
	return nil
}

func (m *MemoryStore) FetchSpot(_ context.Context, instrumentID string) (*models.Spot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opErr("FetchSpot"); err != nil {
		return nil, err
	}
	spot, ok := m.spots[instrumentID]
	if !ok {
		return nil, nil
	}
	return &spot, nil
}

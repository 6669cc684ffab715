package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tradeflow/internal/models"
)

const defaultTimeout = 10 * time.Second

// APIError represents a store API error with status code and body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("store API error %d: %s", e.Status, e.Body)
}

// RESTClient talks to a PostgREST-style shared store (the hosted
// Postgres REST layer the trade tables live behind). It is stateless
// and safe for concurrent use.
type RESTClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

// NewRESTClient creates a store client. baseURL points at the REST
// root (e.g. https://xyz.supabase.co/rest/v1).
func NewRESTClient(baseURL, apiKey string) *RESTClient {
	return &RESTClient{
		client:  &http.Client{Timeout: defaultTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		now:     time.Now,
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (c *RESTClient) WithHTTPClient(hc *http.Client) *RESTClient {
	if hc != nil {
		c.client = hc
	}
	return c
}

func (c *RESTClient) endpoint(table string, query url.Values) string {
	u := c.baseURL + "/" + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *RESTClient) do(ctx context.Context, method, rawURL string, body any, returnRows bool) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding store request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("building store request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if returnRows {
		// Ask the store to echo affected rows so conditional updates
		// can report how many rows matched.
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store %s %s: %w", method, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading store response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// rowsAffected decodes a return=representation response and counts rows.
func rowsAffected(data []byte) (int, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return 0, nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, fmt.Errorf("decoding affected rows: %w", err)
	}
	return len(rows), nil
}

// FetchActiveTrades returns managed rows ordered by creation time.
func (c *RESTClient) FetchActiveTrades(ctx context.Context) ([]models.ActiveTrade, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("manage", "in.(Y,C)")
	q.Set("order", "created_at.asc")

	data, err := c.do(ctx, http.MethodGet, c.endpoint("active_trades", q), nil, false)
	if err != nil {
		return nil, fmt.Errorf("fetching active trades: %w", err)
	}
	var rows []models.ActiveTrade
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding active trades: %w", err)
	}
	return rows, nil
}

// ClaimForOrder performs the pre-lock compare-and-set. The order_id
// IS NULL filter makes the update atomic against concurrent claimers:
// the loser matches zero rows.
func (c *RESTClient) ClaimForOrder(ctx context.Context, id string, reason models.OrderReason) (bool, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("order_id", "is.null")

	body := map[string]any{
		"order_id":     models.OrderIDSent,
		"order_status": models.OrderStatusWorking,
		"comment":      reason.PrelockComment(),
		"updated_at":   c.now().UTC().Format(time.RFC3339Nano),
	}
	data, err := c.do(ctx, http.MethodPatch, c.endpoint("active_trades", q), body, true)
	if err != nil {
		return false, fmt.Errorf("pre-locking trade %s: %w", id, err)
	}
	n, err := rowsAffected(data)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RESTClient) updateActiveTrade(ctx context.Context, id string, fields map[string]any) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	fields["updated_at"] = c.now().UTC().Format(time.RFC3339Nano)
	if _, err := c.do(ctx, http.MethodPatch, c.endpoint("active_trades", q), fields, false); err != nil {
		return fmt.Errorf("updating trade %s: %w", id, err)
	}
	return nil
}

// ConfirmOrder writes the real broker order id after a successful submit.
func (c *RESTClient) ConfirmOrder(ctx context.Context, id, orderID string, reason models.OrderReason) error {
	return c.updateActiveTrade(ctx, id, map[string]any{
		"order_id":     orderID,
		"order_status": models.OrderStatusPendingNew,
		"comment":      string(reason),
	})
}

// FreezeTrade marks a row fatally failed and stops automation for it.
func (c *RESTClient) FreezeTrade(ctx context.Context, id, comment string) error {
	return c.updateActiveTrade(ctx, id, map[string]any{
		"order_id":     models.OrderIDError,
		"order_status": models.OrderStatusError,
		"manage":       string(models.ManageOff),
		"comment":      comment,
	})
}

// MarkManaging promotes a row after a confirmed opening fill. Clearing
// order_id releases the row for the exit pre-lock.
func (c *RESTClient) MarkManaging(ctx context.Context, id string) error {
	return c.updateActiveTrade(ctx, id, map[string]any{
		"status":       string(models.StatusManaging),
		"order_status": models.OrderStatusFilled,
		"order_id":     nil,
	})
}

// MarkTerminalUnfilled freezes a row whose order died unfilled.
func (c *RESTClient) MarkTerminalUnfilled(ctx context.Context, id, orderStatus string) error {
	return c.updateActiveTrade(ctx, id, map[string]any{
		"order_status": orderStatus,
		"manage":       string(models.ManageOff),
	})
}

// SetOrderStatus writes an intermediate broker status through.
func (c *RESTClient) SetOrderStatus(ctx context.Context, id, orderStatus string) error {
	return c.updateActiveTrade(ctx, id, map[string]any{
		"order_status": orderStatus,
	})
}

// RequestForceClose flags a row for closing on the next dispatcher tick.
func (c *RESTClient) RequestForceClose(ctx context.Context, id, comment string) error {
	return c.updateActiveTrade(ctx, id, map[string]any{
		"manage":  string(models.ManageForceClose),
		"comment": comment,
	})
}

// DeleteActiveTrade removes a row from active_trades.
func (c *RESTClient) DeleteActiveTrade(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	if _, err := c.do(ctx, http.MethodDelete, c.endpoint("active_trades", q), nil, false); err != nil {
		return fmt.Errorf("deleting trade %s: %w", id, err)
	}
	return nil
}

// InsertExecutedOpen records an opening fill in the executed ledger.
func (c *RESTClient) InsertExecutedOpen(ctx context.Context, row *models.ActiveTrade, openPrice float64) error {
	now := c.now().UTC()
	basis := openPrice * float64(row.Qty) * row.Multiplier()

	tradeType := row.TradeType
	if tradeType == "" {
		tradeType = "swing"
	}
	payload := map[string]any{
		"active_trade_id": row.ID,
		"trade_type":      tradeType,
		"symbol":          row.Symbol,
		"occ":             row.OCC,
		"asset_type":      string(row.AssetType),
		"qty":             row.Qty,
		"open_ts":         now.Format(time.RFC3339Nano),
		"open_price":      openPrice,
		"open_cost_basis": basis,
	}
	if _, err := c.do(ctx, http.MethodPost, c.endpoint("executed_trades", nil), payload, false); err != nil {
		return fmt.Errorf("inserting executed open for %s: %w", row.ID, err)
	}
	return nil
}

// RecordExecutedClose completes the ledger record for a closing fill.
// Rows opened outside the engine have no open record; those get a
// close-only insert so the ledger still carries the realized close.
func (c *RESTClient) RecordExecutedClose(ctx context.Context, row *models.ActiveTrade, closePrice float64, reason models.CloseReason) error {
	now := c.now().UTC()
	basis := closePrice * float64(row.Qty) * row.Multiplier()

	update := map[string]any{
		"close_ts":         now.Format(time.RFC3339Nano),
		"close_price":      closePrice,
		"close_cost_basis": basis,
		"close_reason":     string(reason),
	}

	q := url.Values{}
	q.Set("active_trade_id", "eq."+row.ID)
	data, err := c.do(ctx, http.MethodPatch, c.endpoint("executed_trades", q), update, true)
	if err != nil {
		return fmt.Errorf("recording executed close for %s: %w", row.ID, err)
	}
	n, err := rowsAffected(data)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	payload := map[string]any{
		"active_trade_id": row.ID,
		"trade_type":      row.TradeType,
		"symbol":          row.Symbol,
		"occ":             row.OCC,
		"asset_type":      string(row.AssetType),
		"qty":             row.Qty,
	}
	for k, v := range update {
		payload[k] = v
	}
	if _, err := c.do(ctx, http.MethodPost, c.endpoint("executed_trades", nil), payload, false); err != nil {
		return fmt.Errorf("inserting executed close for %s: %w", row.ID, err)
	}
	return nil
}

// FetchSpot returns the latest snapshot for one instrument, or nil when
// the spot producer has not written the row yet.
func (c *RESTClient) FetchSpot(ctx context.Context, instrumentID string) (*models.Spot, error) {
	if instrumentID == "" {
		return nil, nil
	}
	q := url.Values{}
	q.Set("select", "*")
	q.Set("instrument_id", "eq."+instrumentID)
	q.Set("limit", "1")

	data, err := c.do(ctx, http.MethodGet, c.endpoint("spot", q), nil, false)
	if err != nil {
		return nil, fmt.Errorf("fetching spot %s: %w", instrumentID, err)
	}
	var rows []models.Spot
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding spot %s: %w", instrumentID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

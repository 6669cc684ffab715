package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradeflow/internal/util"
)

// Default per-call deadlines. Submissions get a longer budget than
// status polls because a lost submit is the expensive failure mode.
const (
	defaultSubmitTimeout = 8 * time.Second
	defaultStatusTimeout = 5 * time.Second
)

// APIError represents a broker API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d: %s", e.Status, e.Body)
}

// FloatString decodes the numeric fields Alpaca serializes as JSON
// strings ("filled_avg_price":"12.34"). Bare numbers and null are
// accepted too.
type FloatString float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FloatString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if strings.TrimSpace(str) == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return fmt.Errorf("parsing %q as number: %w", str, err)
		}
		*f = FloatString(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = FloatString(v)
	return nil
}

// Order is the broker's view of one order.
type Order struct {
	ID             string       `json:"id"`
	ClientOrderID  string       `json:"client_order_id"`
	Status         string       `json:"status"`
	Symbol         string       `json:"symbol"`
	AssetClass     string       `json:"asset_class"`
	Qty            FloatString  `json:"qty"`
	FilledQty      FloatString  `json:"filled_qty"`
	FilledAvgPrice *FloatString `json:"filled_avg_price"`
}

// FilledPrice returns the average fill price, or nil when the broker
// has not reported one.
func (o *Order) FilledPrice() *float64 {
	if o == nil || o.FilledAvgPrice == nil {
		return nil
	}
	p := float64(*o.FilledAvgPrice)
	return &p
}

// AlpacaClient is a typed client for the Alpaca trading REST API.
type AlpacaClient struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	apiSecret string

	submitTimeout time.Duration
	statusTimeout time.Duration

	// newClientOrderID is swappable so tests get deterministic ids.
	newClientOrderID func() string
}

// NewAlpacaClient creates a client for the given API root
// (e.g. https://paper-api.alpaca.markets).
func NewAlpacaClient(baseURL, apiKey, apiSecret string) *AlpacaClient {
	return &AlpacaClient{
		client:           &http.Client{},
		baseURL:          strings.TrimRight(baseURL, "/"),
		apiKey:           apiKey,
		apiSecret:        apiSecret,
		submitTimeout:    defaultSubmitTimeout,
		statusTimeout:    defaultStatusTimeout,
		newClientOrderID: func() string { return uuid.NewString() },
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (a *AlpacaClient) WithHTTPClient(c *http.Client) *AlpacaClient {
	if c != nil {
		a.client = c
	}
	return a
}

// WithTimeouts overrides the per-call deadlines.
func (a *AlpacaClient) WithTimeouts(submit, status time.Duration) *AlpacaClient {
	if submit > 0 {
		a.submitTimeout = submit
	}
	if status > 0 {
		a.statusTimeout = status
	}
	return a
}

// mapOrderSide translates the open/close side vocabulary into the plain
// buy/sell the orders endpoint accepts.
func mapOrderSide(side string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "buy", "buy_to_open", "buy_to_close", "buy_to_cover":
		return "buy", nil
	case "sell", "sell_to_open", "sell_to_close", "sell_short":
		return "sell", nil
	}
	return "", fmt.Errorf("unsupported order side %q", side)
}

// PlaceEquityOrder submits a market day order for a stock.
func (a *AlpacaClient) PlaceEquityOrder(ctx context.Context, symbol string, qty int, side string) (*Order, error) {
	mapped, err := mapOrderSide(side)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"symbol":          strings.ToUpper(strings.TrimSpace(symbol)),
		"qty":             strconv.Itoa(qty),
		"side":            mapped,
		"type":            "market",
		"time_in_force":   "day",
		"client_order_id": a.newClientOrderID(),
	}
	return a.submitOrder(ctx, body)
}

// PlaceOptionOrder submits a market day order for one option contract.
// The OCC symbol is normalized first; data-vendor "O:" prefixes are not
// valid order symbols.
func (a *AlpacaClient) PlaceOptionOrder(ctx context.Context, occ string, qty int, side string) (*Order, error) {
	mapped, err := mapOrderSide(side)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"symbol":          util.NormalizeOCC(occ),
		"qty":             strconv.Itoa(qty),
		"side":            mapped,
		"type":            "market",
		"time_in_force":   "day",
		"asset_class":     "option",
		"client_order_id": a.newClientOrderID(),
	}
	return a.submitOrder(ctx, body)
}

func (a *AlpacaClient) submitOrder(ctx context.Context, body map[string]any) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, a.submitTimeout)
	defer cancel()

	data, err := a.do(ctx, http.MethodPost, "/v2/orders", body)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("decoding order response: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("broker accepted order but returned no id: %s", string(data))
	}
	return &order, nil
}

// GetOrder retrieves an order by broker id.
func (a *AlpacaClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, a.statusTimeout)
	defer cancel()

	data, err := a.do(ctx, http.MethodGet, "/v2/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("decoding order %s: %w", orderID, err)
	}
	return &order, nil
}

func (a *AlpacaClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding broker request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building broker request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.apiSecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading broker response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

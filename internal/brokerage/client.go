// Package brokerage is the HTTP client for the external order-execution
// venue. It only relays orders and quotes; position keeping is the venue's
// problem, the cash side is ours.
package brokerage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/config"
	apperrors "github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/errors"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/models"
)

// SubmitParams describes an order to relay to the venue.
type SubmitParams struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
}

// OrderState is the venue's view of an order.
type OrderState struct {
	ID             string
	Status         string
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// Client relays orders and price lookups to the execution venue.
type Client interface {
	SubmitOrder(ctx context.Context, p SubmitParams) (*OrderState, error)
	GetOrder(ctx context.Context, externalID string) (*OrderState, error)
	CancelOrder(ctx context.Context, externalID string) error
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// HTTPClient talks to an Alpaca-compatible REST API.
type HTTPClient struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
}

// NewHTTPClient builds a client with a bounded per-request timeout.
func NewHTTPClient(cfg config.BrokerageConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		client:    &http.Client{Timeout: timeout},
	}
}

type orderResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

func (r *orderResponse) toState() (*OrderState, error) {
	state := &OrderState{
		ID:     r.ID,
		Status: mapVenueStatus(r.Status),
	}
	if r.FilledQty != "" {
		qty, err := decimal.NewFromString(r.FilledQty)
		if err != nil {
			return nil, fmt.Errorf("invalid filled_qty %q: %w", r.FilledQty, err)
		}
		state.FilledQuantity = qty
	}
	if r.FilledAvgPrice != "" {
		px, err := decimal.NewFromString(r.FilledAvgPrice)
		if err != nil {
			return nil, fmt.Errorf("invalid filled_avg_price %q: %w", r.FilledAvgPrice, err)
		}
		state.AvgFillPrice = px
	}
	return state, nil
}

// mapVenueStatus normalizes the venue's order statuses onto ours. Transient
// pre-acknowledgement states collapse into accepted.
func mapVenueStatus(s string) string {
	switch s {
	case "new":
		return models.OrderNew
	case "accepted", "pending_new", "accepted_for_bidding", "calculated":
		return models.OrderAccepted
	case "partially_filled":
		return models.OrderPartiallyFilled
	case "filled":
		return models.OrderFilled
	case "canceled", "pending_cancel":
		return models.OrderCanceled
	case "expired":
		return models.OrderExpired
	case "done_for_day":
		return models.OrderDoneForDay
	case "rejected":
		return models.OrderRejected
	case "stopped":
		return models.OrderStopped
	case "suspended", "held":
		return models.OrderSuspended
	default:
		return s
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperrors.NewExternal("brokerage", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.NewExternal("brokerage", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.NewExternal("brokerage", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NewNotFound("order", path)
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.NewExternal("brokerage", fmt.Errorf("venue returned %d: %s", resp.StatusCode, raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.NewExternal("brokerage", fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}

// SubmitOrder relays an order. The client order id makes a retried submit
// safe on the venue side.
func (c *HTTPClient) SubmitOrder(ctx context.Context, p SubmitParams) (*OrderState, error) {
	payload := map[string]interface{}{
		"client_order_id": p.ClientOrderID,
		"symbol":          p.Symbol,
		"side":            p.Side,
		"type":            p.Type,
		"qty":             p.Quantity.String(),
		"time_in_force":   "day",
	}
	if p.LimitPrice != nil {
		payload["limit_price"] = p.LimitPrice.String()
	}
	if p.StopPrice != nil {
		payload["stop_price"] = p.StopPrice.String()
	}
	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/v2/orders", payload, &resp); err != nil {
		return nil, err
	}
	return resp.toState()
}

// GetOrder fetches the venue's current view of an order.
func (c *HTTPClient) GetOrder(ctx context.Context, externalID string) (*OrderState, error) {
	var resp orderResponse
	if err := c.do(ctx, http.MethodGet, "/v2/orders/"+externalID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toState()
}

// CancelOrder requests cancellation at the venue.
func (c *HTTPClient) CancelOrder(ctx context.Context, externalID string) error {
	return c.do(ctx, http.MethodDelete, "/v2/orders/"+externalID, nil, nil)
}

// LatestPrice returns the last traded price for a symbol, used to size the
// cash reservation for market orders.
func (c *HTTPClient) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp struct {
		Trade struct {
			Price decimal.Decimal `json:"p"`
		} `json:"trade"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/stocks/"+symbol+"/trades/latest", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	if !resp.Trade.Price.IsPositive() {
		return decimal.Zero, apperrors.NewExternal("brokerage", fmt.Errorf("no price for %s", symbol))
	}
	return resp.Trade.Price, nil
}

// Package broker implements a small Alpaca-shaped REST client: the exact
// endpoint set named in spec §6 (account, positions, latest quote, bars,
// orders, clock), authenticated with two plain headers. Grounded on
// zeke_trader/broker_mcp.py (AlpacaBroker) for the endpoint surface and
// trader/alpaca_trader.go for the single-private-request-method idiom.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"turtleagent/internal/types"
)

// Client talks to a single Alpaca-shaped broker account.
type Client struct {
	http      *http.Client
	baseURL   string
	dataURL   string
	keyID     string
	secretKey string
}

// New constructs a Client. live=true with liveEnabled=true points at the
// live trading endpoint; otherwise paper.
func New(keyID, secretKey string, live, liveEnabled bool) *Client {
	base := "https://paper-api.alpaca.markets"
	if live && liveEnabled {
		base = "https://api.alpaca.markets"
	}
	return &Client{
		http:      &http.Client{Timeout: 30 * time.Second},
		baseURL:   base,
		dataURL:   "https://data.alpaca.markets",
		keyID:     keyID,
		secretKey: secretKey,
	}
}

// WithEndpoints overrides the trading and data endpoints, for pointing the
// client at a local stand-in broker.
func (c *Client) WithEndpoints(baseURL, dataURL string) *Client {
	c.baseURL = baseURL
	c.dataURL = dataURL
	return c
}

func (c *Client) request(ctx context.Context, method, base, path string, query url.Values, body any) ([]byte, int, error) {
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("APCA-API-KEY-ID", c.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return payload, resp.StatusCode, nil
}

// Account is the subset of Alpaca's account payload this system reads.
type Account struct {
	Equity      string `json:"equity"`
	Cash        string `json:"cash"`
	BuyingPower string `json:"buying_power"`
	LastEquity  string `json:"last_equity"`
}

// GetAccount fetches the broker account summary.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	payload, status, err := c.request(ctx, http.MethodGet, c.baseURL, "/v2/account", nil, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("broker account error (status %d): %s", status, payload)
	}
	var acc Account
	if err := json.Unmarshal(payload, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// RawPosition mirrors Alpaca's position payload shape.
type RawPosition struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	MarketValue    string `json:"market_value"`
	UnrealizedPL   string `json:"unrealized_pl"`
	UnrealizedPLPC string `json:"unrealized_plpc"`
}

// GetPositions fetches all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]RawPosition, error) {
	payload, status, err := c.request(ctx, http.MethodGet, c.baseURL, "/v2/positions", nil, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("broker positions error (status %d): %s", status, payload)
	}
	var positions []RawPosition
	if err := json.Unmarshal(payload, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

type latestQuoteResponse struct {
	Quote struct {
		BidPrice float64   `json:"bp"`
		AskPrice float64   `json:"ap"`
		Time     time.Time `json:"t"`
	} `json:"quote"`
}

// GetLatestQuote fetches the latest bid/ask for a symbol.
func (c *Client) GetLatestQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	payload, status, err := c.request(ctx, http.MethodGet, c.dataURL, "/v2/stocks/"+symbol+"/quotes/latest", nil, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("broker quote error (status %d): %s", status, payload)
	}
	var r latestQuoteResponse
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	last := r.Quote.AskPrice
	if last == 0 {
		last = r.Quote.BidPrice
	}
	return &types.Quote{
		Symbol:    symbol,
		Bid:       r.Quote.BidPrice,
		Ask:       r.Quote.AskPrice,
		Last:      last,
		Timestamp: r.Quote.Time,
	}, nil
}

type barsResponse struct {
	Bars []struct {
		Timestamp time.Time `json:"t"`
		Open      float64   `json:"o"`
		High      float64   `json:"h"`
		Low       float64   `json:"l"`
		Close     float64   `json:"c"`
		Volume    int64     `json:"v"`
	} `json:"bars"`
}

// GetBars fetches daily bars for a symbol between start and end (inclusive).
func (c *Client) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	q := url.Values{}
	q.Set("timeframe", "1Day")
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))
	q.Set("limit", "1000")
	payload, status, err := c.request(ctx, http.MethodGet, c.dataURL, "/v2/stocks/"+symbol+"/bars", q, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("broker bars error (status %d): %s", status, payload)
	}
	var r barsResponse
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	bars := make([]types.Bar, 0, len(r.Bars))
	for _, b := range r.Bars {
		bars = append(bars, types.Bar{
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	return bars, nil
}

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Notional      string `json:"notional"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
}

// OrderResponse mirrors the subset of Alpaca's order payload this system reads.
type OrderResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FilledAvgPrice string `json:"filled_avg_price"`
	FilledQty      string `json:"filled_qty"`
}

// PlaceNotionalOrder submits a notional market order, time-in-force day.
func (c *Client) PlaceNotionalOrder(ctx context.Context, symbol, side string, notionalUSD float64) (*OrderResponse, error) {
	body := orderRequest{
		Symbol:      symbol,
		Notional:    strconv.FormatFloat(notionalUSD, 'f', 2, 64),
		Side:        side,
		Type:        "market",
		TimeInForce: "day",
	}
	payload, status, err := c.request(ctx, http.MethodPost, c.baseURL, "/v2/orders", nil, body)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, &types.ExecutionError{Reason: fmt.Sprintf("order rejected (status %d): %s", status, payload)}
	}
	var r OrderResponse
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// RawOrder mirrors Alpaca's order listing payload.
type RawOrder struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Status    string    `json:"status"`
	FilledAt  *time.Time `json:"filled_at"`
	CreatedAt time.Time `json:"created_at"`
}

// GetOrders lists recent orders filtered by status.
func (c *Client) GetOrders(ctx context.Context, status string, limit int, after time.Time) ([]RawOrder, error) {
	q := url.Values{}
	q.Set("status", status)
	q.Set("limit", strconv.Itoa(limit))
	if !after.IsZero() {
		q.Set("after", after.Format(time.RFC3339))
	}
	payload, st, err := c.request(ctx, http.MethodGet, c.baseURL, "/v2/orders", q, nil)
	if err != nil {
		return nil, err
	}
	if st >= 400 {
		return nil, fmt.Errorf("broker orders error (status %d): %s", st, payload)
	}
	var orders []RawOrder
	if err := json.Unmarshal(payload, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// Clock mirrors Alpaca's market clock payload.
type Clock struct {
	IsOpen bool `json:"is_open"`
}

// GetClock fetches the market clock. Failure here is non-fatal to callers
// (spec §4.1): they should default IsMarketOpen to false.
func (c *Client) GetClock(ctx context.Context) (*Clock, error) {
	payload, status, err := c.request(ctx, http.MethodGet, c.baseURL, "/v2/clock", nil, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("broker clock error (status %d): %s", status, payload)
	}
	var clk Clock
	if err := json.Unmarshal(payload, &clk); err != nil {
		return nil, err
	}
	return &clk, nil
}

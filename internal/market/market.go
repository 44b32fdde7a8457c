// Package market implements the MarketDataClient (C1): fetch daily bars and
// latest quotes for the configured symbol universe, plus the broker clock.
// Grounded on zeke_trader/agents/market_data.py for the per-symbol isolation
// and data_available derivation.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"turtleagent/internal/broker"
	"turtleagent/internal/types"
)

// Client fetches market snapshots from a broker.
type Client struct {
	broker *broker.Client
	log    zerolog.Logger
}

// New constructs a market data Client.
func New(b *broker.Client, log zerolog.Logger) *Client {
	return &Client{broker: b, log: log}
}

// FetchSnapshot builds a MarketSnapshot for the given symbols, with enough
// lookback to support System 2's 55-day channel plus its warm-up bar.
func (c *Client) FetchSnapshot(ctx context.Context, symbols []string, lookbackDays int) types.MarketSnapshot {
	snap := types.MarketSnapshot{
		Timestamp:  time.Now().UTC(),
		MarketData: map[string]*types.SymbolData{},
		Errors:     []string{},
	}

	clk, err := c.broker.GetClock(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("could not read market clock, defaulting is_market_open=false")
		snap.IsMarketOpen = false
	} else {
		snap.IsMarketOpen = clk.IsOpen
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -lookbackDays)

	for _, symbol := range symbols {
		sd, err := c.fetchSymbol(ctx, symbol, start, end)
		if err != nil {
			snap.Errors = append(snap.Errors, fmt.Sprintf("%s: %s", symbol, err))
			continue
		}
		snap.MarketData[symbol] = sd
	}

	snap.DataAvailable = len(snap.MarketData) > 0
	return snap
}

func (c *Client) fetchSymbol(ctx context.Context, symbol string, start, end time.Time) (*types.SymbolData, error) {
	bars, err := c.broker.GetBars(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, &types.DataUnavailableError{Reason: "no bars returned"}
	}

	sd := &types.SymbolData{Symbol: symbol, Bars: bars}

	quote, err := c.broker.GetLatestQuote(ctx, symbol)
	if err != nil {
		// Quote failure is non-fatal per symbol; bars alone still let the
		// signal generator compute indicators (spec §4.1).
		c.log.Error().Err(err).Str("symbol", symbol).Msg("could not fetch latest quote")
	} else {
		sd.Quote = quote
	}

	return sd, nil
}

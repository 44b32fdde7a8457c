package decision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turtleagent/internal/types"
)

func scoredLong(symbol string, direction types.SignalDirection, stop, exitRef float64) types.ScoredSignal {
	return types.ScoredSignal{
		Signal: types.Signal{
			Symbol:       symbol,
			Direction:    direction,
			CurrentPrice: 100,
			StopPrice:    stop,
			ExitRef:      exitRef,
		},
		BreakoutStrength: 0.5,
	}
}

func TestDecide_EmptySignalsIsNoTrade(t *testing.T) {
	a := New("key", "model", 25, nil)
	dec, err := a.Decide(context.Background(), nil, types.PortfolioState{})
	require.NoError(t, err)
	nt, ok := dec.(types.NoTrade)
	require.True(t, ok)
	assert.Equal(t, 0, nt.SignalsConsidered)
}

func TestDecide_ExitSignalBypassesLLM(t *testing.T) {
	a := New("key", "model", 25, nil) // no HTTP call should be attempted
	signals := []types.ScoredSignal{scoredLong("NVDA", types.DirectionExitLong, 95, 98)}
	dec, err := a.Decide(context.Background(), signals, types.PortfolioState{})
	require.NoError(t, err)
	intent, ok := dec.(types.TradeIntent)
	require.True(t, ok)
	assert.Equal(t, "sell", intent.Side)
	assert.Equal(t, "NVDA", intent.Symbol)
	assert.Equal(t, 25.0, intent.NotionalUSD)
	assert.Equal(t, 0.95, intent.Confidence)
	require.NotNil(t, intent.Thesis)
	assert.Equal(t, types.RegimeNeutral, intent.Thesis.Regime)
}

func TestDecide_ExitShortMapsToBuySide(t *testing.T) {
	a := New("key", "model", 25, nil)
	signals := []types.ScoredSignal{scoredLong("NVDA", types.DirectionExitShort, 105, 98)}
	dec, err := a.Decide(context.Background(), signals, types.PortfolioState{})
	require.NoError(t, err)
	intent := dec.(types.TradeIntent)
	assert.Equal(t, "buy", intent.Side)
}

func TestSideFromDirection(t *testing.T) {
	assert.Equal(t, "buy", sideFromDirection(types.DirectionLong))
	assert.Equal(t, "sell", sideFromDirection(types.DirectionShort))
	assert.Equal(t, "buy", sideFromDirection(types.DirectionExitShort))
	assert.Equal(t, "sell", sideFromDirection(types.DirectionExitLong))
}

func TestStripFence_RemovesCodeFence(t *testing.T) {
	raw := "```json\n{\"action\":\"no_trade\",\"reason\":\"x\"}\n```"
	assert.Equal(t, `{"action":"no_trade","reason":"x"}`, stripFence(raw))
}

func TestStripFence_PassesThroughPlainJSON(t *testing.T) {
	raw := `{"action":"no_trade","reason":"x"}`
	assert.Equal(t, raw, stripFence(raw))
}

func newTestAgent(t *testing.T, response string) *Agent {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": response}},
			},
		})
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return New("key", "model", 25, nil).WithEndpoint(srv.URL)
}

func TestDecide_LLMTradeSelectionClampsAndOverrides(t *testing.T) {
	a := newTestAgent(t, "```json\n"+
		`{"action":"trade","signal_index":7,"symbol":"TSLA","side":"sell","notional_usd":5000,"confidence":0.8}`+
		"\n```")
	signals := []types.ScoredSignal{
		{Signal: types.Signal{Symbol: "SPY", Direction: types.DirectionLong, System: types.System2, CurrentPrice: 456, EntryRef: 450, ATRN: 5, StopPrice: 446, ExitRef: 440, ScoreHint: 0.7}},
	}
	dec, err := a.Decide(context.Background(), signals, types.PortfolioState{Equity: 100_000})
	require.NoError(t, err)
	intent, ok := dec.(types.TradeIntent)
	require.True(t, ok)
	// Out-of-range index clamps to the last signal; symbol and side come
	// from that signal, never from the model's own fields.
	assert.Equal(t, "SPY", intent.Symbol)
	assert.Equal(t, "buy", intent.Side)
	assert.Equal(t, 25.0, intent.NotionalUSD)
	assert.Equal(t, 0.8, intent.Confidence)
	require.NotNil(t, intent.Thesis)
	assert.Equal(t, "S2", intent.Thesis.System)
}

func TestDecide_LLMNoTradePassesThroughReason(t *testing.T) {
	a := newTestAgent(t, `{"action":"no_trade","reason":"nothing compelling"}`)
	signals := []types.ScoredSignal{
		{Signal: types.Signal{Symbol: "SPY", Direction: types.DirectionLong, ATRN: 5}},
	}
	dec, err := a.Decide(context.Background(), signals, types.PortfolioState{})
	require.NoError(t, err)
	nt, ok := dec.(types.NoTrade)
	require.True(t, ok)
	assert.Equal(t, "nothing compelling", nt.Reason)
	assert.Equal(t, 1, nt.SignalsConsidered)
}

func TestDecide_MalformedLLMOutputCollapsesToNoTrade(t *testing.T) {
	a := newTestAgent(t, "I think you should buy SPY because it looks strong")
	signals := []types.ScoredSignal{
		{Signal: types.Signal{Symbol: "SPY", Direction: types.DirectionLong, ATRN: 5}},
	}
	dec, err := a.Decide(context.Background(), signals, types.PortfolioState{})
	var parseErr *types.DecisionParseError
	require.ErrorAs(t, err, &parseErr)
	nt, ok := dec.(types.NoTrade)
	require.True(t, ok)
	assert.Contains(t, nt.Reason, "Parse error")
}

func TestDecide_LLMUnreachableCollapsesToNoTrade(t *testing.T) {
	a := New("key", "model", 25, nil).WithEndpoint("http://127.0.0.1:1/unreachable")
	signals := []types.ScoredSignal{
		{Signal: types.Signal{Symbol: "SPY", Direction: types.DirectionLong, ATRN: 5}},
	}
	dec, err := a.Decide(context.Background(), signals, types.PortfolioState{})
	var transientErr *types.TransientError
	require.ErrorAs(t, err, &transientErr)
	nt, ok := dec.(types.NoTrade)
	require.True(t, ok)
	assert.Contains(t, nt.Reason, "Decision error")
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, clampConfidence(-1))
	assert.Equal(t, 1.0, clampConfidence(2))
	assert.Equal(t, 0.5, clampConfidence(0))
	assert.Equal(t, 0.7, clampConfidence(0.7))
}

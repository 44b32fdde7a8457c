package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turtleagent/internal/broker"
	"turtleagent/internal/config"
	"turtleagent/internal/types"
)

func shadowExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{TradingMode: types.ModeShadow, AutonomyTier: types.TierFullAgentic}
}

func TestExecute_ShadowModeNeverPlacesOrder(t *testing.T) {
	b := broker.New("id", "secret", false, false)
	a := New(b, shadowExecConfig(), t.TempDir())
	intent := types.TradeIntent{Symbol: "NVDA", Side: "buy", NotionalUSD: 25}
	risk := types.RiskResult{Allowed: true, FinalDecision: intent}
	result, pending, err := a.Execute(context.Background(), risk, types.PortfolioState{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Executed)
	assert.Equal(t, "shadow_mode", result.Status)
	assert.Nil(t, pending)
}

func TestExecute_ManualTierAlwaysQueues(t *testing.T) {
	b := broker.New("id", "secret", false, false)
	cfg := config.ExecutionConfig{TradingMode: types.ModePaper, AutonomyTier: types.TierManual}
	a := New(b, cfg, t.TempDir())
	intent := types.TradeIntent{Symbol: "NVDA", Side: "buy", NotionalUSD: 25}
	risk := types.RiskResult{Allowed: true, FinalDecision: intent}
	portfolio := types.PortfolioState{Equity: 1000}

	result, pending, err := a.Execute(context.Background(), risk, portfolio)
	require.NoError(t, err)
	assert.Nil(t, result)
	require.NotNil(t, pending)
	assert.Equal(t, types.PendingStatusPending, pending.Status)
	// The real portfolio snapshot must be carried, not signal data.
	assert.Equal(t, 1000.0, pending.PortfolioState.Equity)
}

func TestExecute_ModerateTierQueuesNonStopLossExit(t *testing.T) {
	b := broker.New("id", "secret", false, false)
	cfg := config.ExecutionConfig{TradingMode: types.ModePaper, AutonomyTier: types.TierModerate}
	a := New(b, cfg, t.TempDir())
	sig := &types.Signal{Direction: types.DirectionExitLong, CurrentPrice: 97, StopPrice: 90} // not a stop hit
	intent := types.TradeIntent{Symbol: "NVDA", Side: "sell", Signal: sig}
	risk := types.RiskResult{Allowed: true, FinalDecision: intent}

	_, pending, err := a.Execute(context.Background(), risk, types.PortfolioState{})
	require.NoError(t, err)
	require.NotNil(t, pending)
}

func TestExecute_RejectedDecisionReturnsBlocked(t *testing.T) {
	b := broker.New("id", "secret", false, false)
	a := New(b, shadowExecConfig(), t.TempDir())
	risk := types.RiskResult{Allowed: false, FinalDecision: types.NoTrade{Reason: "blocked"}}
	result, pending, err := a.Execute(context.Background(), risk, types.PortfolioState{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "blocked", result.Status)
	assert.False(t, result.Executed)
	assert.Nil(t, pending)
}

func TestExecute_NoTradeDecisionReturnsSkipped(t *testing.T) {
	b := broker.New("id", "secret", false, false)
	a := New(b, shadowExecConfig(), t.TempDir())
	risk := types.RiskResult{Allowed: true, FinalDecision: types.NoTrade{Reason: "no signals"}}
	result, pending, err := a.Execute(context.Background(), risk, types.PortfolioState{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "skipped", result.Status)
	assert.Nil(t, pending)
}

func TestExecute_LiveModeWithoutEnableFlagRefuses(t *testing.T) {
	b := broker.New("id", "secret", true, false)
	cfg := config.ExecutionConfig{TradingMode: types.ModeLive, LiveTradingEnabled: false, AutonomyTier: types.TierFullAgentic}
	a := New(b, cfg, t.TempDir())
	intent := types.TradeIntent{Symbol: "NVDA", Side: "buy", NotionalUSD: 25}
	risk := types.RiskResult{Allowed: true, FinalDecision: intent}
	result, pending, err := a.Execute(context.Background(), risk, types.PortfolioState{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "live_blocked", result.Status)
	assert.False(t, result.Executed)
	assert.Nil(t, pending)
}

func TestApprove_ExpiredPendingTradeNeverExecutes(t *testing.T) {
	b := broker.New("id", "secret", false, false)
	cfg := config.ExecutionConfig{TradingMode: types.ModePaper, AutonomyTier: types.TierManual}
	a := New(b, cfg, t.TempDir())
	intent := types.TradeIntent{Symbol: "NVDA", Side: "buy", NotionalUSD: 25}
	_, pending, err := a.Execute(context.Background(), types.RiskResult{Allowed: true, FinalDecision: intent}, types.PortfolioState{})
	require.NoError(t, err)
	require.NotNil(t, pending)

	a.mu.Lock()
	a.pending[pending.ID].ExpiresAt = time.Now().UTC().Add(-time.Minute)
	a.mu.Unlock()

	_, err = a.Approve(context.Background(), pending.ID)
	require.Error(t, err)
	all := a.PendingTrades()
	require.Len(t, all, 1)
	assert.Equal(t, types.PendingStatusExpired, all[0].Status)
}

func TestExpireStale_TransitionsPastDuePendings(t *testing.T) {
	b := broker.New("id", "secret", false, false)
	cfg := config.ExecutionConfig{TradingMode: types.ModePaper, AutonomyTier: types.TierManual}
	a := New(b, cfg, t.TempDir())
	intent := types.TradeIntent{Symbol: "NVDA", Side: "buy", NotionalUSD: 25}
	_, pending, err := a.Execute(context.Background(), types.RiskResult{Allowed: true, FinalDecision: intent}, types.PortfolioState{})
	require.NoError(t, err)
	require.NotNil(t, pending)

	a.mu.Lock()
	a.pending[pending.ID].ExpiresAt = time.Now().UTC().Add(-time.Minute)
	a.mu.Unlock()

	a.ExpireStale()
	all := a.PendingTrades()
	require.Len(t, all, 1)
	assert.Equal(t, types.PendingStatusExpired, all[0].Status)
}

func TestRejectPendingTrade(t *testing.T) {
	b := broker.New("id", "secret", false, false)
	cfg := config.ExecutionConfig{TradingMode: types.ModePaper, AutonomyTier: types.TierManual}
	a := New(b, cfg, t.TempDir())
	intent := types.TradeIntent{Symbol: "NVDA", Side: "buy", NotionalUSD: 25}
	_, pending, err := a.Execute(context.Background(), types.RiskResult{Allowed: true, FinalDecision: intent}, types.PortfolioState{})
	require.NoError(t, err)
	require.NotNil(t, pending)

	require.NoError(t, a.Reject(pending.ID, "not now"))
	all := a.PendingTrades()
	require.Len(t, all, 1)
	assert.Equal(t, types.PendingStatusRejected, all[0].Status)
	assert.Equal(t, "not now", all[0].RejectionReason)
}

func TestIsStopLoss(t *testing.T) {
	longStop := types.TradeIntent{Signal: &types.Signal{Direction: types.DirectionExitLong, CurrentPrice: 90, StopPrice: 95}}
	assert.True(t, isStopLoss(longStop))

	longBreakout := types.TradeIntent{Signal: &types.Signal{Direction: types.DirectionExitLong, CurrentPrice: 97, StopPrice: 95}}
	assert.False(t, isStopLoss(longBreakout))
}

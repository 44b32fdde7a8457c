package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turtleagent/internal/types"
)

func clearTradingEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"TRADING_MODE", "LIVE_TRADING_ENABLED", "ALLOWED_SYMBOLS", "PAPER_API_KEY", "PAPER_API_SECRET", "ALPACA_KEY_ID", "ALPACA_SECRET_KEY"} {
		os.Unsetenv(k)
	}
}

func TestLoad_LiveWithoutEnableFlagIsFatal(t *testing.T) {
	clearTradingEnv(t)
	os.Setenv("TRADING_MODE", "live")
	defer clearTradingEnv(t)

	_, err := Load()
	require.Error(t, err)
	var cfgErr *types.ConfigInvalidError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoad_LiveWithEnableFlagSucceeds(t *testing.T) {
	clearTradingEnv(t)
	os.Setenv("TRADING_MODE", "live")
	os.Setenv("LIVE_TRADING_ENABLED", "true")
	defer clearTradingEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, types.ModeLive, cfg.Execution.TradingMode)
}

func TestLoad_DefaultAllowedSymbols(t *testing.T) {
	clearTradingEnv(t)
	defer clearTradingEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Risk.AllowedSymbols["NVDA"])
	assert.True(t, cfg.Risk.AllowedSymbols["SPY"])
	assert.False(t, cfg.Risk.AllowedSymbols["TSLA"])
}

func TestLoad_PaperModePrefersPaperCredentials(t *testing.T) {
	clearTradingEnv(t)
	os.Setenv("ALPACA_KEY_ID", "live-key")
	os.Setenv("PAPER_API_KEY", "paper-key")
	defer clearTradingEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "paper-key", cfg.Execution.AlpacaKeyID)
}

func TestExecutionConfig_CanExecuteOrders(t *testing.T) {
	shadow := types.ModeShadow
	assert.False(t, ExecutionConfig{TradingMode: shadow}.CanExecuteOrders())

	paper := ExecutionConfig{TradingMode: types.ModePaper}
	assert.True(t, paper.CanExecuteOrders())

	liveDisabled := ExecutionConfig{TradingMode: types.ModeLive, LiveTradingEnabled: false}
	assert.False(t, liveDisabled.CanExecuteOrders())

	liveEnabled := ExecutionConfig{TradingMode: types.ModeLive, LiveTradingEnabled: true}
	assert.True(t, liveEnabled.CanExecuteOrders())
}

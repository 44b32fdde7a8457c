package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turtleagent/internal/types"
)

func longSignal(symbol string, price, entryRef, atr float64, system types.TurtleSystem) types.Signal {
	return types.Signal{
		Symbol:       symbol,
		Direction:    types.DirectionLong,
		System:       system,
		EntryRef:     entryRef,
		CurrentPrice: price,
		ATRN:         atr,
	}
}

func TestScoreAll_ExitAlwaysOutranksEntries(t *testing.T) {
	sc := New()
	entry := longSignal("NVDA", 120, 100, 2, types.System2)
	exit := types.Signal{Symbol: "SPY", Direction: types.DirectionExitLong, ATRN: 1, EntryRef: 50, CurrentPrice: 49}

	scored := sc.ScoreAll([]types.Signal{entry, exit}, nil, nil)

	require.Len(t, scored, 2)
	assert.Equal(t, types.DirectionExitLong, scored[0].Signal.Direction)
	assert.Equal(t, 3.0, scored[0].TotalScore())
}

func TestScoreAll_System2GetsFullBonus(t *testing.T) {
	sc := New()
	s1 := longSignal("NVDA", 105, 100, 2, types.System1)
	s2 := longSignal("AVGO", 105, 100, 2, types.System2)

	scored := sc.ScoreAll([]types.Signal{s1, s2}, nil, nil)

	var sys1Score, sys2Score float64
	for _, s := range scored {
		if s.Signal.System == types.System1 {
			sys1Score = s.TotalScore()
			assert.Equal(t, 0.0, s.SystemBonus)
		} else {
			sys2Score = s.TotalScore()
			assert.Equal(t, 1.0, s.SystemBonus)
		}
	}
	assert.Greater(t, sys2Score, sys1Score)
}

func TestCorrelationPenalty_SharedGroupIsFlatHalf(t *testing.T) {
	sc := New()
	signal := longSignal("MSFT", 105, 100, 2, types.System1)                 // tech
	openPositions := []types.Position{{Symbol: "NVDA"}, {Symbol: "AVGO"}} // both tech

	scored := sc.ScoreAll([]types.Signal{signal}, openPositions, nil)
	require.Len(t, scored, 1)
	assert.Equal(t, 0.5, scored[0].CorrelationPenalty) // flat 0.5, not per-held-position
}

func TestCorrelationPenalty_OtherGroupNeverPenalized(t *testing.T) {
	sc := New()
	signal := longSignal("ZZZZ", 105, 100, 2, types.System1)                 // unmapped -> "other"
	openPositions := []types.Position{{Symbol: "YYYY"}, {Symbol: "XXXX"}} // also unmapped -> "other"

	scored := sc.ScoreAll([]types.Signal{signal}, openPositions, nil)
	require.Len(t, scored, 1)
	assert.Equal(t, 0.0, scored[0].CorrelationPenalty)
}

func TestBreakoutStrength_UncappedAndDirectional(t *testing.T) {
	sc := New()
	long := longSignal("NVDA", 200, 100, 1, types.System1) // 100 ATR units of breakout
	scored := sc.ScoreAll([]types.Signal{long}, nil, nil)
	require.Len(t, scored, 1)
	assert.Equal(t, 100.0, scored[0].BreakoutStrength)

	short := types.Signal{Symbol: "NVDA", Direction: types.DirectionShort, EntryRef: 100, CurrentPrice: 95, ATRN: 2.5}
	scoredShort := sc.ScoreAll([]types.Signal{short}, nil, nil)
	require.Len(t, scoredShort, 1)
	assert.Equal(t, 2.0, scoredShort[0].BreakoutStrength)
}

func TestMomentumPerN_UsesSuppliedMomentumDividedByATR(t *testing.T) {
	sc := New()
	signal := longSignal("NVDA", 120, 100, 4, types.System1)
	scored := sc.ScoreAll([]types.Signal{signal}, nil, map[string]float64{"NVDA": 8})
	require.Len(t, scored, 1)
	assert.Equal(t, 2.0, scored[0].MomentumPerN)
}

func TestMomentumPerN_MissingSymbolIsZero(t *testing.T) {
	sc := New()
	signal := longSignal("NVDA", 120, 100, 4, types.System1)
	scored := sc.ScoreAll([]types.Signal{signal}, nil, map[string]float64{"AVGO": 8})
	require.Len(t, scored, 1)
	assert.Equal(t, 0.0, scored[0].MomentumPerN)
}

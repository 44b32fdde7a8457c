// Package types holds the domain model shared across every stage of the
// trading pipeline: market data, signals, portfolio state, decisions, risk
// results, and the per-tick audit record.
package types

import "time"

// Bar is a single OHLCV candle.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Quote is the latest bid/ask/last for a symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// SymbolData carries a bar history plus derived indicators for one symbol.
// Derived scalars are recomputed every tick from Bars; they are never
// persisted on their own.
type SymbolData struct {
	Symbol string  `json:"symbol"`
	Bars   []Bar   `json:"bars"`
	Quote  *Quote  `json:"quote,omitempty"`

	ATR20 *float64 `json:"atr_20,omitempty"`
	High20 *float64 `json:"high_20,omitempty"`
	Low20  *float64 `json:"low_20,omitempty"`
	High55 *float64 `json:"high_55,omitempty"`
	Low55  *float64 `json:"low_55,omitempty"`
	High10 *float64 `json:"high_10,omitempty"`
	Low10  *float64 `json:"low_10,omitempty"`

	VolumeAvg20    *float64 `json:"volume_avg_20,omitempty"`
	CurrentVolume  *int64   `json:"current_volume,omitempty"`
	SMA50          *float64 `json:"sma_50,omitempty"`
	SMA200         *float64 `json:"sma_200,omitempty"`
	TrendAligned   *bool    `json:"trend_aligned,omitempty"`
	VolumeConfirmed *bool   `json:"volume_confirmed,omitempty"`
}

// MarketSnapshot is the wall-clock view of the symbol universe for one tick.
type MarketSnapshot struct {
	Timestamp     time.Time             `json:"timestamp"`
	MarketData    map[string]*SymbolData `json:"market_data"`
	IsMarketOpen  bool                  `json:"is_market_open"`
	DataAvailable bool                  `json:"data_available"`
	Errors        []string              `json:"errors"`
}

// SignalDirection is the side and intent of a deterministic signal.
type SignalDirection string

const (
	DirectionLong      SignalDirection = "long"
	DirectionShort     SignalDirection = "short"
	DirectionExitLong  SignalDirection = "exit_long"
	DirectionExitShort SignalDirection = "exit_short"
)

// IsExit reports whether the direction closes an existing position.
func (d SignalDirection) IsExit() bool {
	return d == DirectionExitLong || d == DirectionExitShort
}

// TurtleSystem identifies which breakout system produced a signal.
type TurtleSystem int

const (
	System1 TurtleSystem = 20
	System2 TurtleSystem = 55
)

// Signal is a deterministic breakout (or exit) signal from the Turtle
// strategy. See spec §3 for the field invariants.
type Signal struct {
	Symbol       string          `json:"symbol"`
	Direction    SignalDirection `json:"direction"`
	System       TurtleSystem    `json:"system"`
	EntryRef     float64         `json:"entry_ref"`
	CurrentPrice float64         `json:"current_price"`
	ATRN         float64         `json:"atr_n"`
	StopPrice    float64         `json:"stop_price"`
	ExitRef      float64         `json:"exit_ref"`
	ScoreHint    float64         `json:"score_hint"`
	Reason       string          `json:"reason"`
	Timestamp    time.Time       `json:"timestamp"`

	VolumeConfirmed *bool    `json:"volume_confirmed,omitempty"`
	TrendAligned    *bool    `json:"trend_aligned,omitempty"`
	FiltersPassed   bool     `json:"filters_passed"`
	FilterNotes     []string `json:"filter_notes,omitempty"`
}

// ScoredSignal wraps a Signal with the four additive scoring components
// from spec §4.3.
type ScoredSignal struct {
	Signal             Signal  `json:"signal"`
	BreakoutStrength   float64 `json:"breakout_strength"`
	SystemBonus        float64 `json:"system_bonus"`
	MomentumPerN       float64 `json:"momentum_per_n"`
	CorrelationPenalty float64 `json:"correlation_penalty"`
}

// TotalScore is the fixed-weight Turtle ranking score.
func (s ScoredSignal) TotalScore() float64 {
	return 3.0*s.BreakoutStrength + 1.0*s.SystemBonus + 1.0*s.MomentumPerN - 1.0*s.CorrelationPenalty
}

// EntryCriteria is the per-symbol record consulted by the signal generator
// (never the broker) to decide whether an open position should exit.
type EntryCriteria struct {
	Side      string    `json:"side"`
	StopPrice float64   `json:"stop_price"`
	ExitRef   float64   `json:"exit_ref"`
	ATRAtEntry float64  `json:"atr_n"`
	System    TurtleSystem `json:"system"`
	EntryPrice float64  `json:"entry_price"`
	EnteredAt time.Time `json:"entered_at"`
	SavedAt   time.Time `json:"saved_at"`
}

// Position is one open broker position, enriched with the stored entry
// criteria used for systematic exits.
type Position struct {
	Symbol          string         `json:"symbol"`
	Qty             float64        `json:"qty"`
	AvgEntryPrice   float64        `json:"avg_entry_price"`
	MarketValue     float64        `json:"market_value"`
	UnrealizedPL    float64        `json:"unrealized_pl"`
	UnrealizedPLPC  float64        `json:"unrealized_plpc"`
	EntryCriteria   *EntryCriteria `json:"entry_criteria,omitempty"`
}

// PositionStatus is the lifecycle state of a tracked PositionState.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

// PositionState is the supplemented, richer position record described in
// SPEC_FULL.md (display-only extremes tracking; no trailing-stop logic).
type PositionState struct {
	Symbol                  string         `json:"symbol"`
	EntryTime               time.Time      `json:"entry_time"`
	EntryPrice              float64        `json:"entry_price"`
	SystemUsed              string         `json:"system_used"`
	NAtEntry                float64        `json:"n_at_entry"`
	StopPrice               float64        `json:"stop_price"`
	ExitChannelLevel        float64        `json:"exit_channel_level"`
	Side                    string         `json:"side"`
	Qty                     float64        `json:"qty"`
	NotionalUSD             float64        `json:"notional_usd"`
	HighestCloseSinceEntry  *float64       `json:"highest_close_since_entry,omitempty"`
	LowestCloseSinceEntry   *float64       `json:"lowest_close_since_entry,omitempty"`
	Status                  PositionStatus `json:"status"`
	LastUpdateTS            time.Time      `json:"last_update_ts"`
}

// UpdateExtremes tracks the highest/lowest close observed since entry.
func (p *PositionState) UpdateExtremes(currentClose float64, now time.Time) {
	if p.Side == "long" {
		if p.HighestCloseSinceEntry == nil || currentClose > *p.HighestCloseSinceEntry {
			p.HighestCloseSinceEntry = &currentClose
		}
	} else {
		if p.LowestCloseSinceEntry == nil || currentClose < *p.LowestCloseSinceEntry {
			p.LowestCloseSinceEntry = &currentClose
		}
	}
	p.LastUpdateTS = now
}

// PortfolioState is the read-only per-tick snapshot of broker account state.
type PortfolioState struct {
	Equity       float64                  `json:"equity"`
	Cash         float64                  `json:"cash"`
	BuyingPower  float64                  `json:"buying_power"`
	Positions    []Position               `json:"positions"`
	OpenOrders   []map[string]interface{} `json:"open_orders,omitempty"`
	TradesToday  int                      `json:"trades_today"`
	PnLDay       float64                  `json:"pnl_day"`
	Timestamp    time.Time                `json:"timestamp"`
}

// MarketRegime classifies the prevailing market condition for a thesis.
type MarketRegime string

const (
	RegimeTrend   MarketRegime = "trend"
	RegimeNeutral MarketRegime = "neutral"
	RegimeVolatile MarketRegime = "volatile"
)

// Thesis is the structured rationale attached to a TradeIntent.
type Thesis struct {
	Summary      string       `json:"summary"`
	System       string       `json:"system"`
	BreakoutDays int          `json:"breakout_days"`
	ATRN         float64      `json:"atr_n"`
	StopN        float64      `json:"stop_n"`
	SignalScore  float64      `json:"signal_score"`
	PortfolioFit string       `json:"portfolio_fit"`
	Regime       MarketRegime `json:"regime"`
}

// ExitReason is the structured rationale attached to a realized exit.
type ExitReason struct {
	Type              string   `json:"type"`
	Rule              string   `json:"rule"`
	Price             float64  `json:"price"`
	PnLUSD            float64  `json:"pnl_usd"`
	PnLPercent        float64  `json:"pnl_percent"`
	HoldDurationHours *float64 `json:"hold_duration_hours,omitempty"`
}

// Decision is the tagged-union output of the DecisionAgent: exactly one of
// TradeIntent or NoTrade is meaningful. Implemented as an interface plus two
// concrete types per spec §9 ("never a shared inheritance hierarchy").
type Decision interface {
	isDecision()
}

// TradeIntent is a proposed trade selected by the DecisionAgent.
type TradeIntent struct {
	Symbol      string   `json:"symbol"`
	Side        string   `json:"side"`
	NotionalUSD float64  `json:"notional_usd"`
	Signal      *Signal  `json:"signal,omitempty"`
	StopPrice   float64  `json:"stop_price"`
	ExitTrigger float64  `json:"exit_trigger"`
	Reason      string   `json:"reason"`
	Thesis      *Thesis  `json:"thesis,omitempty"`
	Confidence  float64  `json:"confidence"`
}

func (TradeIntent) isDecision() {}

// NoTrade is the decision to take no action this tick.
type NoTrade struct {
	Reason            string `json:"reason"`
	SignalsConsidered int    `json:"signals_considered"`
}

func (NoTrade) isDecision() {}

// RiskResult is the output of the RiskGate.
type RiskResult struct {
	Allowed           bool     `json:"allowed"`
	Notes             []string `json:"notes"`
	OriginalDecision  Decision `json:"original_decision"`
	FinalDecision     Decision `json:"final_decision"`
	Violations        []string `json:"violations"`
}

// OrderResult is the output of the ExecutionAgent's order attempt.
type OrderResult struct {
	Executed  bool      `json:"executed"`
	OrderID   string    `json:"order_id,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Side      string    `json:"side,omitempty"`
	Qty       *float64  `json:"qty,omitempty"`
	Notional  *float64  `json:"notional,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingTradeStatus is the lifecycle state of a PendingTrade.
type PendingTradeStatus string

const (
	PendingStatusPending  PendingTradeStatus = "pending"
	PendingStatusApproved PendingTradeStatus = "approved"
	PendingStatusRejected PendingTradeStatus = "rejected"
	PendingStatusExpired  PendingTradeStatus = "expired"
	PendingStatusExecuted PendingTradeStatus = "executed"
)

// PendingTrade is a trade awaiting manual approval.
type PendingTrade struct {
	ID              string             `json:"id"`
	TradeIntent     TradeIntent        `json:"trade_intent"`
	PortfolioState  PortfolioState     `json:"portfolio_state"`
	RiskResult      RiskResult         `json:"risk_result"`
	Status          PendingTradeStatus `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
	ApprovedAt      *time.Time         `json:"approved_at,omitempty"`
	RejectedAt      *time.Time         `json:"rejected_at,omitempty"`
	RejectionReason string             `json:"rejection_reason,omitempty"`
	ExecutionResult *OrderResult       `json:"execution_result,omitempty"`
}

// LoopResult is the complete per-tick audit record.
type LoopResult struct {
	LoopID         string         `json:"loop_id"`
	Timestamp      time.Time      `json:"timestamp"`
	MarketSnapshot MarketSnapshot `json:"market_snapshot"`
	Signals        []Signal       `json:"signals"`
	PortfolioState PortfolioState `json:"portfolio_state"`
	Decision       Decision       `json:"decision"`
	RiskResult     *RiskResult    `json:"risk_result,omitempty"`
	OrderResult    *OrderResult   `json:"order_result,omitempty"`
	PendingTrade   *PendingTrade  `json:"pending_trade,omitempty"`
	DurationMS     float64        `json:"duration_ms"`
	Errors         []string       `json:"errors"`
}

// TradeRecord is one completed round-trip trade, the sizer's raw input.
type TradeRecord struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Qty        float64   `json:"qty"`
	ReturnPct  float64   `json:"return_pct"`
	PnLUSD     float64   `json:"pnl_usd"`
	Timestamp  time.Time `json:"timestamp"`
}

// TradingMode gates whether orders reach the broker.
type TradingMode string

const (
	ModePaper  TradingMode = "paper"
	ModeShadow TradingMode = "shadow"
	ModeLive   TradingMode = "live"
)

// AutonomyTier gates how much of the execution path runs without a human.
type AutonomyTier string

const (
	TierManual      AutonomyTier = "manual"
	TierModerate    AutonomyTier = "moderate"
	TierFullAgentic AutonomyTier = "full_agentic"
)

// CircuitStatus is the CircuitBreaker's current verdict.
type CircuitStatus string

const (
	CircuitNormal  CircuitStatus = "NORMAL"
	CircuitWarning CircuitStatus = "WARNING"
	CircuitHalted  CircuitStatus = "HALTED"
)

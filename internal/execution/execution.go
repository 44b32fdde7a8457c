// Package execution implements the ExecutionAgent (C9): the
// trading_mode x autonomy_tier gating matrix, the PendingTrade approval
// queue, and actual broker order placement. Grounded verbatim on
// zeke_trader/agents/execution.py.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"turtleagent/internal/broker"
	"turtleagent/internal/config"
	"turtleagent/internal/types"
)

const (
	pendingTradesFile  = "pending_trades.json"
	defaultPendingTTL  = 4 * time.Hour
)

// ExecutedHook is invoked after a trade intent is actually placed with the
// broker via human approval (the immediate auto-execute tick path is
// already handled by the orchestrator itself, which calls this same kind
// of logic inline). Wired by cmd/turtleagent/main.go to persist/clear
// EntryCriteria, matching spec §4.8: "Approved pendings also trigger
// entry-criteria persistence."
type ExecutedHook func(intent types.TradeIntent, order types.OrderResult)

// Agent executes or queues trade intents according to the trading-mode and
// autonomy-tier gating matrix.
type Agent struct {
	broker  *broker.Client
	cfg     config.ExecutionConfig
	dataDir string

	mu      sync.Mutex
	pending map[string]*types.PendingTrade

	onExecuted ExecutedHook
}

// SetOnExecuted registers the hook fired after Approve() successfully
// places an order.
func (a *Agent) SetOnExecuted(hook ExecutedHook) {
	a.onExecuted = hook
}

// New constructs an Agent, loading any persisted pending trades.
func New(b *broker.Client, cfg config.ExecutionConfig, dataDir string) *Agent {
	a := &Agent{broker: b, cfg: cfg, dataDir: dataDir, pending: map[string]*types.PendingTrade{}}
	a.load()
	return a
}

// Execute runs a risk-gated decision through the gating matrix: it either
// places the order immediately, queues a PendingTrade for human approval,
// or declines to act, returning an OrderResult whose status says why
// (blocked, skipped, shadow_mode or live_blocked).
//
// FULL_AGENTIC always auto-executes. MODERATE auto-executes only stop-loss
// exits, queuing everything else. MANUAL never auto-executes; every trade
// intent is queued.
func (a *Agent) Execute(ctx context.Context, risk types.RiskResult, portfolio types.PortfolioState) (*types.OrderResult, *types.PendingTrade, error) {
	if !risk.Allowed {
		return &types.OrderResult{
			Status:    "blocked",
			Message:   "risk gate blocked the decision",
			Timestamp: time.Now().UTC(),
		}, nil, nil
	}
	intent, ok := risk.FinalDecision.(types.TradeIntent)
	if !ok {
		return &types.OrderResult{
			Status:    "skipped",
			Message:   "no trade this loop",
			Timestamp: time.Now().UTC(),
		}, nil, nil
	}

	if a.cfg.TradingMode == types.ModeShadow {
		// SHADOW mode: compute everything, place nothing.
		return &types.OrderResult{
			Symbol:    intent.Symbol,
			Side:      intent.Side,
			Status:    "shadow_mode",
			Message:   "shadow mode: order not submitted",
			Timestamp: time.Now().UTC(),
		}, nil, nil
	}
	if a.cfg.TradingMode == types.ModeLive && !a.cfg.LiveTradingEnabled {
		// Config validation makes this unreachable via Load(), but the gate
		// holds for programmatic construction too.
		return &types.OrderResult{
			Symbol:    intent.Symbol,
			Side:      intent.Side,
			Status:    "live_blocked",
			Message:   "live trading is not enabled",
			Timestamp: time.Now().UTC(),
		}, nil, nil
	}

	isStopLossExit := intent.Signal != nil && intent.Signal.Direction.IsExit() && isStopLoss(intent)

	autoExecute := false
	switch a.cfg.AutonomyTier {
	case types.TierFullAgentic:
		autoExecute = true
	case types.TierModerate:
		autoExecute = isStopLossExit
	case types.TierManual:
		autoExecute = false
	}

	if autoExecute {
		result, err := a.placeOrder(ctx, intent)
		return result, nil, err
	}

	pt := &types.PendingTrade{
		ID:              uuid.NewString(),
		TradeIntent:     intent,
		PortfolioState:  portfolio, // the real snapshot, not signal data — a fix over execution.py's apparent bug
		RiskResult:      risk,
		Status:          types.PendingStatusPending,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       time.Now().UTC().Add(defaultPendingTTL),
	}
	a.mu.Lock()
	a.pending[pt.ID] = pt
	a.mu.Unlock()
	if err := a.persist(); err != nil {
		return nil, pt, err
	}
	return nil, pt, nil
}

func isStopLoss(intent types.TradeIntent) bool {
	if intent.Signal == nil {
		return false
	}
	switch intent.Signal.Direction {
	case types.DirectionExitLong:
		return intent.Signal.CurrentPrice <= intent.Signal.StopPrice
	case types.DirectionExitShort:
		return intent.Signal.CurrentPrice >= intent.Signal.StopPrice
	default:
		return false
	}
}

func (a *Agent) placeOrder(ctx context.Context, intent types.TradeIntent) (*types.OrderResult, error) {
	resp, err := a.broker.PlaceNotionalOrder(ctx, intent.Symbol, intent.Side, intent.NotionalUSD)
	if err != nil {
		return nil, err
	}
	notional := intent.NotionalUSD
	result := &types.OrderResult{
		Executed:  true,
		OrderID:   resp.ID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Status:    resp.Status,
		Notional:  &notional,
		Timestamp: time.Now().UTC(),
	}
	if qty, err := strconv.ParseFloat(resp.FilledQty, 64); err == nil && qty > 0 {
		result.Qty = &qty
	}
	return result, nil
}

// Approve executes a pending trade on human approval.
func (a *Agent) Approve(ctx context.Context, id string) (*types.OrderResult, error) {
	a.mu.Lock()
	pt, ok := a.pending[id]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending trade with id %s", id)
	}
	if pt.Status != types.PendingStatusPending {
		return nil, fmt.Errorf("pending trade %s is not pending (status=%s)", id, pt.Status)
	}
	if time.Now().UTC().After(pt.ExpiresAt) {
		a.markExpired(pt)
		return nil, fmt.Errorf("pending trade %s has expired", id)
	}

	result, err := a.placeOrder(ctx, pt.TradeIntent)
	a.mu.Lock()
	now := time.Now().UTC()
	pt.ApprovedAt = &now
	if err != nil {
		pt.Status = types.PendingStatusPending
	} else {
		pt.Status = types.PendingStatusExecuted
		pt.ExecutionResult = result
	}
	a.mu.Unlock()
	_ = a.persist()
	if err == nil && a.onExecuted != nil {
		a.onExecuted(pt.TradeIntent, *result)
	}
	return result, err
}

// Reject marks a pending trade as rejected with a reason.
func (a *Agent) Reject(id, reason string) error {
	a.mu.Lock()
	pt, ok := a.pending[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("no pending trade with id %s", id)
	}
	now := time.Now().UTC()
	pt.Status = types.PendingStatusRejected
	pt.RejectedAt = &now
	pt.RejectionReason = reason
	a.mu.Unlock()
	return a.persist()
}

// ExpireStale scans pending trades and marks any past their expiry as
// expired, observed (not actively polled) each time the orchestrator
// touches the queue.
func (a *Agent) ExpireStale() {
	a.mu.Lock()
	now := time.Now().UTC()
	changed := false
	for _, pt := range a.pending {
		if pt.Status == types.PendingStatusPending && now.After(pt.ExpiresAt) {
			pt.Status = types.PendingStatusExpired
			changed = true
		}
	}
	a.mu.Unlock()
	if changed {
		_ = a.persist()
	}
}

func (a *Agent) markExpired(pt *types.PendingTrade) {
	a.mu.Lock()
	pt.Status = types.PendingStatusExpired
	a.mu.Unlock()
	_ = a.persist()
}

// PendingTrades returns a snapshot of all tracked pending trades.
func (a *Agent) PendingTrades() []types.PendingTrade {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.PendingTrade, 0, len(a.pending))
	for _, pt := range a.pending {
		out = append(out, *pt)
	}
	return out
}

func (a *Agent) persist() error {
	a.mu.Lock()
	snapshot := make(map[string]*types.PendingTrade, len(a.pending))
	for k, v := range a.pending {
		snapshot[k] = v
	}
	a.mu.Unlock()
	return atomicWriteJSON(filepath.Join(a.dataDir, pendingTradesFile), snapshot)
}

func (a *Agent) load() {
	path := filepath.Join(a.dataDir, pendingTradesFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var m map[string]*types.PendingTrade
	if json.Unmarshal(raw, &m) == nil {
		a.pending = m
	}
}

func atomicWriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

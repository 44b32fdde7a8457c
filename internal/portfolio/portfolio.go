// Package portfolio implements the PortfolioStore (C4): broker-sourced
// equity/cash/positions, broker-timezone-anchored trades_today, and the
// EntryCriteria persistence that the SignalGenerator consults for exits.
// Grounded verbatim on zeke_trader/agents/portfolio.py.
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"turtleagent/internal/broker"
	"turtleagent/internal/types"
)

const entryCriteriaFile = "entry_criteria.json"

// Store owns the broker-derived portfolio state plus the entry-criteria
// and position-state side tables that the broker itself does not track.
type Store struct {
	broker   *broker.Client
	log      zerolog.Logger
	dataDir  string
	timezone *time.Location

	mu             sync.Mutex
	entryCriteria  map[string]types.EntryCriteria
	positionStates map[string]*types.PositionState
}

// New constructs a Store, loading any persisted entry criteria from disk.
func New(b *broker.Client, log zerolog.Logger, dataDir string, timezoneName string) *Store {
	loc, err := time.LoadLocation(timezoneName)
	if err != nil {
		log.Warn().Str("timezone", timezoneName).Msg("unknown broker timezone, defaulting to UTC")
		loc = time.UTC
	}
	s := &Store{
		broker:         b,
		log:            log,
		dataDir:        dataDir,
		timezone:       loc,
		entryCriteria:  map[string]types.EntryCriteria{},
		positionStates: map[string]*types.PositionState{},
	}
	s.loadEntryCriteria()
	return s
}

// Snapshot fetches the current broker account and positions and assembles a
// PortfolioState, including trades_today anchored to the configured broker
// timezone rather than local midnight (spec Open Question, resolved
// conservatively toward the broker's own trading-day boundary).
func (s *Store) Snapshot(ctx context.Context) (*types.PortfolioState, error) {
	acc, err := s.broker.GetAccount(ctx)
	if err != nil {
		return nil, &types.PortfolioUnavailableError{Reason: err.Error()}
	}
	rawPositions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return nil, &types.PortfolioUnavailableError{Reason: err.Error()}
	}

	equity := parseFloat(acc.Equity)
	lastEquity := parseFloat(acc.LastEquity)

	positions := make([]types.Position, 0, len(rawPositions))
	s.mu.Lock()
	for _, rp := range rawPositions {
		p := types.Position{
			Symbol:         rp.Symbol,
			Qty:            parseFloat(rp.Qty),
			AvgEntryPrice:  parseFloat(rp.AvgEntryPrice),
			MarketValue:    parseFloat(rp.MarketValue),
			UnrealizedPL:   parseFloat(rp.UnrealizedPL),
			UnrealizedPLPC: parseFloat(rp.UnrealizedPLPC),
		}
		if ec, ok := s.entryCriteria[rp.Symbol]; ok {
			ecCopy := ec
			p.EntryCriteria = &ecCopy
		}
		positions = append(positions, p)
	}
	s.mu.Unlock()

	start, end := s.tradingDayBoundsUTC(time.Now())
	orders, err := s.broker.GetOrders(ctx, "all", 500, start)
	tradesToday := 0
	if err != nil {
		s.log.Warn().Err(err).Msg("could not fetch orders for trades_today, defaulting to 0")
	} else {
		for _, o := range orders {
			if o.FilledAt != nil && !o.FilledAt.Before(start) && o.FilledAt.Before(end) {
				tradesToday++
			}
		}
	}

	return &types.PortfolioState{
		Equity:      equity,
		Cash:        parseFloat(acc.Cash),
		BuyingPower: parseFloat(acc.BuyingPower),
		PnLDay:      equity - lastEquity,
		Positions:   positions,
		TradesToday: tradesToday,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// tradingDayBoundsUTC returns [start, end) of "today" in the broker's
// timezone, expressed as UTC instants.
func (s *Store) tradingDayBoundsUTC(now time.Time) (time.Time, time.Time) {
	local := now.In(s.timezone)
	y, m, d := local.Date()
	startLocal := time.Date(y, m, d, 0, 0, 0, 0, s.timezone)
	endLocal := startLocal.AddDate(0, 0, 1)
	return startLocal.UTC(), endLocal.UTC()
}

// DayKey returns the broker-timezone calendar day for the given instant, as
// "YYYY-MM-DD". The orchestrator uses this to detect the broker-day
// boundary the circuit breaker's rolling window is anchored to (spec §9's
// trades_today open question, resolved the same way here).
func (s *Store) DayKey(now time.Time) string {
	return now.In(s.timezone).Format("2006-01-02")
}

// ApplyExecutedTrade persists or clears EntryCriteria for a trade that just
// executed against the broker, regardless of whether execution happened on
// the immediate auto-execute tick path or via later human approval of a
// PendingTrade (spec §4.8: "Approved pendings also trigger entry-criteria
// persistence."). A TradeIntent with no originating Signal (can't happen on
// the real pipeline, but guards test doubles) is a no-op.
func (s *Store) ApplyExecutedTrade(intent types.TradeIntent, order types.OrderResult, log zerolog.Logger) {
	if intent.Signal == nil {
		return
	}
	if intent.Signal.Direction.IsExit() {
		if err := s.ClearEntryCriteria(intent.Symbol); err != nil {
			log.Warn().Err(err).Str("symbol", intent.Symbol).Msg("could not clear entry criteria")
		}
		return
	}
	side := "long"
	if intent.Signal.Direction == types.DirectionShort {
		side = "short"
	}
	ec := types.EntryCriteria{
		Side:       side,
		StopPrice:  intent.StopPrice,
		ExitRef:    intent.ExitTrigger,
		ATRAtEntry: intent.Signal.ATRN,
		EntryPrice: intent.Signal.CurrentPrice,
		System:     intent.Signal.System,
		EnteredAt:  order.Timestamp,
		SavedAt:    time.Now().UTC(),
	}
	if err := s.SaveEntryCriteria(intent.Symbol, ec); err != nil {
		log.Warn().Err(err).Str("symbol", intent.Symbol).Msg("could not save entry criteria")
	}
}

// SaveEntryCriteria records the stop/exit levels captured at order entry,
// persisting them atomically (write-temp-then-rename) — a fix over the
// Python original's direct open(file, "w"), which can leave a truncated
// file on a crash mid-write.
func (s *Store) SaveEntryCriteria(symbol string, ec types.EntryCriteria) error {
	s.mu.Lock()
	s.entryCriteria[symbol] = ec
	snapshot := make(map[string]types.EntryCriteria, len(s.entryCriteria))
	for k, v := range s.entryCriteria {
		snapshot[k] = v
	}
	s.mu.Unlock()
	if err := atomicWriteJSON(filepath.Join(s.dataDir, entryCriteriaFile), snapshot); err != nil {
		return &types.PersistenceWarning{Reason: err.Error()}
	}
	return nil
}

// ClearEntryCriteria removes a symbol's entry criteria once its position is
// fully closed.
func (s *Store) ClearEntryCriteria(symbol string) error {
	s.mu.Lock()
	delete(s.entryCriteria, symbol)
	snapshot := make(map[string]types.EntryCriteria, len(s.entryCriteria))
	for k, v := range s.entryCriteria {
		snapshot[k] = v
	}
	s.mu.Unlock()
	if err := atomicWriteJSON(filepath.Join(s.dataDir, entryCriteriaFile), snapshot); err != nil {
		return &types.PersistenceWarning{Reason: err.Error()}
	}
	return nil
}

// EntryCriteriaBySymbol returns a defensive copy of the current entry
// criteria table, keyed by symbol, for the SignalGenerator to consult.
func (s *Store) EntryCriteriaBySymbol() map[string]types.EntryCriteria {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.EntryCriteria, len(s.entryCriteria))
	for k, v := range s.entryCriteria {
		out[k] = v
	}
	return out
}

// UpdatePositionState tracks the display-only PositionState extremes used
// for reporting (SPEC_FULL.md supplemented feature); it has no bearing on
// any trading decision.
func (s *Store) UpdatePositionState(symbol string, currentClose float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.positionStates[symbol]
	if !ok {
		return
	}
	ps.UpdateExtremes(currentClose, now)
}

// RegisterPositionState installs a freshly-opened position's tracking
// record.
func (s *Store) RegisterPositionState(ps *types.PositionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionStates[ps.Symbol] = ps
}

// PositionStates returns a snapshot of all tracked position states.
func (s *Store) PositionStates() []types.PositionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PositionState, 0, len(s.positionStates))
	for _, ps := range s.positionStates {
		out = append(out, *ps)
	}
	return out
}

func (s *Store) loadEntryCriteria() {
	path := filepath.Join(s.dataDir, entryCriteriaFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var m map[string]types.EntryCriteria
	if err := json.Unmarshal(b, &m); err != nil {
		s.log.Warn().Err(err).Str("file", path).Msg("could not parse entry criteria file, starting empty")
		return
	}
	s.entryCriteria = m
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

func parseFloat(s string) float64 {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	if err != nil {
		return 0
	}
	return f
}

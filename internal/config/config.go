// Package config assembles the per-subsystem configuration structs this
// system is built from, reading environment variables exactly as
// zeke_trader/config.py does, optionally preceded by a .env file.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"turtleagent/internal/types"
)

// RiskConfig holds the RiskGate's policy constants.
type RiskConfig struct {
	AllowedSymbols    map[string]bool
	MaxDollarsPerTrade float64
	MaxOpenPositions  int
	MaxTradesPerDay   int
	MaxDailyLoss      float64
}

// SizerConfig holds the Kelly position sizer's tunables.
type SizerConfig struct {
	Enabled        bool
	KellyFraction  float64
	LookbackTrades int
	MinTrades      int
	MaxPositionPct float64
}

// BreakerConfig holds the drawdown circuit breaker's tunables.
type BreakerConfig struct {
	Enabled         bool
	DailyLimitPct   float64
	WeeklyLimitPct  float64
	ReductionFactor float64
}

// FilterConfig holds the SignalGenerator's optional filter toggles.
type FilterConfig struct {
	VolumeFilterEnabled bool
	VolumeThreshold     float64
	TrendFilterEnabled  bool
}

// ExecutionConfig holds broker credentials and execution gating.
type ExecutionConfig struct {
	TradingMode        types.TradingMode
	LiveTradingEnabled bool
	AutonomyTier       types.AutonomyTier
	AlpacaKeyID        string
	AlpacaSecretKey    string
	BrokerTimezone     string
}

// CanExecuteOrders mirrors config.py's can_execute_orders().
func (c ExecutionConfig) CanExecuteOrders() bool {
	switch c.TradingMode {
	case types.ModeShadow:
		return false
	case types.ModeLive:
		return c.LiveTradingEnabled
	default:
		return true
	}
}

// BridgeConfig holds the ToolBridge's companion-service endpoint.
type BridgeConfig struct {
	BaseURL       string
	InternalKey   string
	CacheMaxSize  int
	DefaultTTLSec float64
}

// ObservabilityConfig holds the audit-trail directory layout.
type ObservabilityConfig struct {
	LogDir string
}

// ResearchConfig holds the optional research-enrichment hook's tunables.
type ResearchConfig struct {
	Enabled        bool
	ScoreThreshold float64
	APIKey         string
}

// Config is the full assembled configuration.
type Config struct {
	Risk          RiskConfig
	Sizer         SizerConfig
	Breaker       BreakerConfig
	Filter        FilterConfig
	Execution     ExecutionConfig
	Bridge        BridgeConfig
	Observability ObservabilityConfig
	Research      ResearchConfig

	OpenAIAPIKey string
	LoopSeconds  int
	HTTPAddr     string
}

// Load reads environment variables (after an optional .env load) into a
// Config, matching zeke_trader/config.py's load_config() key-for-key.
// The only fatal case is live mode without the explicit enable flag.
func Load() (*Config, error) {
	_ = godotenv.Load()

	mode := parseMode(getenv("TRADING_MODE", "paper"))
	liveEnabled := strings.EqualFold(getenv("LIVE_TRADING_ENABLED", "false"), "true")

	if mode == types.ModeLive && !liveEnabled {
		return nil, &types.ConfigInvalidError{
			Reason: "TRADING_MODE=live requires LIVE_TRADING_ENABLED=true",
		}
	}

	allowed := map[string]bool{}
	symbolsCSV := getenv("ALLOWED_SYMBOLS", "NVDA,SPY,META,GOOGL,AVGO,GOOG,AMZN")
	for _, s := range strings.Split(symbolsCSV, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			allowed[s] = true
		}
	}

	alpacaKeyID := getenv("ALPACA_KEY_ID", "")
	alpacaSecret := getenv("ALPACA_SECRET_KEY", "")
	if mode != types.ModeLive || !liveEnabled {
		// Paper-mode prefers dedicated PAPER_* credentials, falling back to
		// the live ones if unset, matching config.py's credential selection.
		if v := os.Getenv("PAPER_API_KEY"); v != "" {
			alpacaKeyID = v
		}
		if v := os.Getenv("PAPER_API_SECRET"); v != "" {
			alpacaSecret = v
		}
	}

	cfg := &Config{
		Risk: RiskConfig{
			AllowedSymbols:     allowed,
			MaxDollarsPerTrade: getenvFloat("MAX_DOLLARS_PER_TRADE", 25.0),
			MaxOpenPositions:   getenvInt("MAX_OPEN_POSITIONS", 3),
			MaxTradesPerDay:    getenvInt("MAX_TRADES_PER_DAY", 5),
			MaxDailyLoss:       getenvFloat("MAX_DAILY_LOSS", 25.0),
		},
		Sizer: SizerConfig{
			Enabled:        getenvBool("KELLY_ENABLED", true),
			KellyFraction:  getenvFloat("KELLY_FRACTION", 0.5),
			LookbackTrades: getenvInt("KELLY_LOOKBACK_TRADES", 40),
			MinTrades:      getenvInt("KELLY_MIN_TRADES", 10),
			MaxPositionPct: getenvFloat("KELLY_MAX_POSITION_PCT", 0.25),
		},
		Breaker: BreakerConfig{
			Enabled:         getenvBool("CIRCUIT_BREAKER_ENABLED", true),
			DailyLimitPct:   getenvFloat("CIRCUIT_BREAKER_DAILY_LIMIT", 0.05),
			WeeklyLimitPct:  getenvFloat("CIRCUIT_BREAKER_WEEKLY_LIMIT", 0.10),
			ReductionFactor: getenvFloat("CIRCUIT_BREAKER_REDUCTION_FACTOR", 0.5),
		},
		Filter: FilterConfig{
			VolumeFilterEnabled: getenvBool("VOLUME_FILTER_ENABLED", true),
			VolumeThreshold:     getenvFloat("VOLUME_THRESHOLD", 1.5),
			TrendFilterEnabled:  getenvBool("TREND_FILTER_ENABLED", true),
		},
		Execution: ExecutionConfig{
			TradingMode:        mode,
			LiveTradingEnabled: liveEnabled,
			AutonomyTier:       parseTier(getenv("AUTONOMY_TIER", "manual")),
			AlpacaKeyID:        alpacaKeyID,
			AlpacaSecretKey:    alpacaSecret,
			BrokerTimezone:     getenv("BROKER_TIMEZONE", "America/New_York"),
		},
		Bridge: BridgeConfig{
			BaseURL:       getenv("BRIDGE_BASE_URL", ""),
			InternalKey:   getenv("BRIDGE_INTERNAL_API_KEY", ""),
			CacheMaxSize:  getenvInt("BRIDGE_CACHE_MAX_SIZE", 200),
			DefaultTTLSec: getenvFloat("BRIDGE_DEFAULT_TTL_SECONDS", 60.0),
		},
		Observability: ObservabilityConfig{
			LogDir: getenv("LOG_DIR", "zeke_trader/logs"),
		},
		Research: ResearchConfig{
			Enabled:        getenvBool("PERPLEXITY_ENABLED", true),
			ScoreThreshold: getenvFloat("PERPLEXITY_SCORE_THRESHOLD", 4.0),
			APIKey:         getenv("PERPLEXITY_API_KEY", ""),
		},
		OpenAIAPIKey: getenv("OPENAI_API_KEY", ""),
		LoopSeconds:  getenvInt("LOOP_SECONDS", 60),
		HTTPAddr:     getenv("HTTP_ADDR", ":8090"),
	}

	return cfg, nil
}

func parseMode(raw string) types.TradingMode {
	switch strings.ToLower(raw) {
	case "shadow":
		return types.ModeShadow
	case "live":
		return types.ModeLive
	default:
		return types.ModePaper
	}
}

func parseTier(raw string) types.AutonomyTier {
	switch strings.ToLower(raw) {
	case "moderate":
		return types.TierModerate
	case "full_agentic":
		return types.TierFullAgentic
	default:
		return types.TierManual
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}

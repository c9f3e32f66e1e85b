// Package config defines all configuration for the convert rotation bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// credentials and tuning overridable via environment variables. A local
// .env file, if present, is loaded before anything else.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun  bool          `mapstructure:"dry_run"`
	API     APIConfig     `mapstructure:"api"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Ranker  RankerConfig  `mapstructure:"ranker"`
	Scoring ScoringConfig `mapstructure:"scoring"`
	Planner PlannerConfig `mapstructure:"planner"`
	Exec    ExecConfig    `mapstructure:"executor"`
	Guard   GuardConfig   `mapstructure:"guard"`
	Regions RegionsConfig `mapstructure:"regions"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// APIConfig holds Binance credentials, base URLs and signing windows.
type APIConfig struct {
	Key             string `mapstructure:"key"`
	Secret          string `mapstructure:"secret"`
	Base            string `mapstructure:"base"`
	MarketDataBase  string `mapstructure:"marketdata_base"`
	RecvWindowMS    int64  `mapstructure:"recv_window_ms"`
	RecvWindowMaxMS int64  `mapstructure:"recv_window_max_ms"`
	TimeoutSec      int    `mapstructure:"timeout_sec"`
}

// LimitsConfig tunes the outbound token bucket and per-cycle ceilings.
//
//   - QPS/Burst: token-bucket refill rate and capacity gating every request.
//   - MaxWeightPerCycle: ceiling on accumulated endpoint weight per cycle.
//   - MaxPerCycle: ceiling on convert requests per cycle.
//   - MaxPerCycleSoft: replacement ceiling while soft risk mode is active.
//   - ExchangeInfoTTLSec: signed exchangeInfo cache TTL.
type LimitsConfig struct {
	QPS                float64 `mapstructure:"qps"`
	Burst              float64 `mapstructure:"burst"`
	MaxWeightPerCycle  int     `mapstructure:"max_weight_per_cycle"`
	MaxPerCycle        int     `mapstructure:"max_per_cycle"`
	MaxPerCycleSoft    int     `mapstructure:"max_per_cycle_soft"`
	ExchangeInfoTTLSec int     `mapstructure:"exchangeinfo_ttl_sec"`
}

// RetryConfig sets the exponential backoff policy for transient failures.
type RetryConfig struct {
	BaseSec    float64 `mapstructure:"base_sec"`
	MaxSec     float64 `mapstructure:"max_sec"`
	MaxRetries int     `mapstructure:"max_retries"`
}

// RankerConfig controls candidate discovery and filtering.
type RankerConfig struct {
	QuoteAsset    string  `mapstructure:"quote_asset"`
	MinVolumeUSDT float64 `mapstructure:"min_volume_usdt"`
	MaxSpreadBps  float64 `mapstructure:"max_spread_bps"`
	TopK          int     `mapstructure:"top_k"`
	ShortlistMult int     `mapstructure:"shortlist_mult"`
}

// ScoringConfig holds the composite model weights and region biases.
type ScoringConfig struct {
	Edge       float64            `mapstructure:"edge"`
	Liquidity  float64            `mapstructure:"liquidity"`
	Momentum   float64            `mapstructure:"momentum"`
	Spread     float64            `mapstructure:"spread"`
	Volatility float64            `mapstructure:"volatility"`
	RegionBias map[string]float64 `mapstructure:"region_bias"`
}

// PlannerConfig tunes target allocation.
type PlannerConfig struct {
	RebalanceThreshold float64 `mapstructure:"rebalance_threshold"`
}

// ExecConfig tunes the convert executor's order polling.
type ExecConfig struct {
	OrderPollIntervalSec int `mapstructure:"order_poll_interval_sec"`
	OrderPollMaxSec      int `mapstructure:"order_poll_max_sec"`
}

// GuardConfig sets drawdown thresholds.
//
//   - Drawdown: peak-to-trough drop that forces liquidation (0.15 = 15%).
//   - Pause: severe portfolio drawdown that pauses the loop entirely.
//   - SoftRisk: drawdown that lowers the per-cycle convert request ceiling.
type GuardConfig struct {
	Drawdown float64 `mapstructure:"drawdown"`
	Pause    float64 `mapstructure:"pause"`
	SoftRisk float64 `mapstructure:"soft_risk"`
}

// WindowConfig is one UTC time window as "HH:MM" boundaries.
type WindowConfig struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// RegionConfig holds a region's analyze/trade windows and loop schedule.
type RegionConfig struct {
	Analyze  WindowConfig `mapstructure:"analyze"`
	Trade    WindowConfig `mapstructure:"trade"`
	CronSpec string       `mapstructure:"cron"`
}

// RegionsConfig maps region names to their profiles plus shared jitter.
type RegionsConfig struct {
	JitterSec int                     `mapstructure:"jitter_sec"`
	LockDir   string                  `mapstructure:"lock_dir"`
	Profiles  map[string]RegionConfig `mapstructure:"profiles"`
}

// StoreConfig sets where state and logs are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
	LogDir  string `mapstructure:"log_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Load reads config from a YAML file with env var overrides. Missing file
// is tolerated; defaults plus environment are enough to run.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", false)
	v.SetDefault("api.base", "https://api.binance.com")
	v.SetDefault("api.marketdata_base", "https://api.binance.com")
	v.SetDefault("api.recv_window_ms", 5000)
	v.SetDefault("api.recv_window_max_ms", 60000)
	v.SetDefault("api.timeout_sec", 15)
	v.SetDefault("limits.qps", 8.0)
	v.SetDefault("limits.burst", 16.0)
	v.SetDefault("limits.max_weight_per_cycle", 10000)
	v.SetDefault("limits.max_per_cycle", 20)
	v.SetDefault("limits.max_per_cycle_soft", 5)
	v.SetDefault("limits.exchangeinfo_ttl_sec", 600)
	v.SetDefault("retry.base_sec", 0.5)
	v.SetDefault("retry.max_sec", 30.0)
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("ranker.quote_asset", "USDT")
	v.SetDefault("ranker.min_volume_usdt", 5_000_000.0)
	v.SetDefault("ranker.max_spread_bps", 5.0)
	v.SetDefault("ranker.top_k", 5)
	v.SetDefault("ranker.shortlist_mult", 2)
	v.SetDefault("scoring.edge", 1.0)
	v.SetDefault("scoring.liquidity", 0.1)
	v.SetDefault("scoring.momentum", 0.1)
	v.SetDefault("scoring.spread", 0.1)
	v.SetDefault("scoring.volatility", 0.1)
	v.SetDefault("scoring.region_bias", map[string]float64{"us": 1.05, "asia": 1.03})
	v.SetDefault("planner.rebalance_threshold", 0.08)
	v.SetDefault("executor.order_poll_interval_sec", 2)
	v.SetDefault("executor.order_poll_max_sec", 60)
	v.SetDefault("guard.drawdown", 0.15)
	v.SetDefault("guard.pause", 0.25)
	v.SetDefault("guard.soft_risk", 0.10)
	v.SetDefault("regions.jitter_sec", 10)
	v.SetDefault("regions.lock_dir", "/tmp")
	v.SetDefault("regions.profiles", map[string]any{
		"asia": map[string]any{
			"analyze": map[string]any{"from": "00:00", "to": "04:00"},
			"trade":   map[string]any{"from": "01:00", "to": "05:00"},
			"cron":    "0 1 * * *",
		},
		"us": map[string]any{
			"analyze": map[string]any{"from": "13:00", "to": "17:00"},
			"trade":   map[string]any{"from": "14:00", "to": "18:00"},
			"cron":    "0 14 * * *",
		},
	})
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.log_dir", "logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9190")
}

// applyEnvOverrides maps the flat operator-facing variable names onto the
// structured config. Environment always wins over the YAML file.
func applyEnvOverrides(cfg *Config) {
	envStr("BINANCE_API_KEY", &cfg.API.Key)
	envStr("BINANCE_API_SECRET", &cfg.API.Secret)
	envStr("API_BASE", &cfg.API.Base)
	envStr("MARKETDATA_BASE", &cfg.API.MarketDataBase)
	envInt64("DEV3_RECV_WINDOW_MS", &cfg.API.RecvWindowMS)
	envInt64("DEV3_RECV_WINDOW_MAX_MS", &cfg.API.RecvWindowMaxMS)
	envFloat("QPS", &cfg.Limits.QPS)
	envFloat("BURST", &cfg.Limits.Burst)
	envFloat("BACKOFF_BASE_S", &cfg.Retry.BaseSec)
	envFloat("BACKOFF_MAX_S", &cfg.Retry.MaxSec)
	envInt("BACKOFF_MAX_RETRIES", &cfg.Retry.MaxRetries)
	envInt("EXCHANGEINFO_TTL_SEC", &cfg.Limits.ExchangeInfoTTLSec)
	envFloat("MIN_VOLUME_USDT", &cfg.Ranker.MinVolumeUSDT)
	envFloat("MAX_SPREAD_BPS", &cfg.Ranker.MaxSpreadBps)
	envInt("TOP_K", &cfg.Ranker.TopK)
	envInt("SHORTLIST_MULT", &cfg.Ranker.ShortlistMult)
	envInt("JITTER_SEC", &cfg.Regions.JitterSec)
	envFloat("PAUSE_THRESHOLD", &cfg.Guard.Pause)
	envFloat("DRAWDOWN_THRESHOLD", &cfg.Guard.SoftRisk)

	if raw := os.Getenv("SCORING_WEIGHTS"); raw != "" {
		parseScoringWeights(raw, &cfg.Scoring)
	}
	if raw := os.Getenv("DRY_RUN"); raw == "1" || strings.EqualFold(raw, "true") {
		cfg.DryRun = true
	}

	applyWindowEnv("ASIA", "asia", &cfg.Regions)
	applyWindowEnv("US", "us", &cfg.Regions)
}

// applyWindowEnv picks up ASIA_ANALYZE_FROM / US_TRADE_TO style variables.
func applyWindowEnv(prefix, region string, rc *RegionsConfig) {
	p := rc.Profiles[region]
	envStr(prefix+"_ANALYZE_FROM", &p.Analyze.From)
	envStr(prefix+"_ANALYZE_TO", &p.Analyze.To)
	envStr(prefix+"_TRADE_FROM", &p.Trade.From)
	envStr(prefix+"_TRADE_TO", &p.Trade.To)
	if rc.Profiles == nil {
		rc.Profiles = make(map[string]RegionConfig)
	}
	rc.Profiles[region] = p
}

// parseScoringWeights accepts "edge=1.0,liquidity=0.1,momentum=0.1,spread=0.1,volatility=0.1".
func parseScoringWeights(raw string, sc *ScoringConfig) {
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		val, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "edge":
			sc.Edge = val
		case "liquidity":
			sc.Liquidity = val
		case "momentum":
			sc.Momentum = val
		case "spread":
			sc.Spread = val
		case "volatility":
			sc.Volatility = val
		}
	}
}

func envStr(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Validate checks required fields and value ranges. Credentials are only
// required for signed operation; callers running public-data commands pass
// requireKeys=false.
func (c *Config) Validate(requireKeys bool) error {
	if requireKeys {
		if c.API.Key == "" {
			return fmt.Errorf("api.key is required (set BINANCE_API_KEY)")
		}
		if c.API.Secret == "" {
			return fmt.Errorf("api.secret is required (set BINANCE_API_SECRET)")
		}
	}
	if c.API.Base == "" {
		return fmt.Errorf("api.base is required")
	}
	if c.API.RecvWindowMS < 5000 {
		c.API.RecvWindowMS = 5000
	}
	if c.API.RecvWindowMaxMS > 60000 || c.API.RecvWindowMaxMS <= 0 {
		c.API.RecvWindowMaxMS = 60000
	}
	if c.API.RecvWindowMS > c.API.RecvWindowMaxMS {
		c.API.RecvWindowMS = c.API.RecvWindowMaxMS
	}
	if c.Limits.QPS <= 0 {
		return fmt.Errorf("limits.qps must be > 0")
	}
	if c.Limits.Burst < 1 {
		return fmt.Errorf("limits.burst must be >= 1")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Ranker.TopK <= 0 {
		return fmt.Errorf("ranker.top_k must be > 0")
	}
	if c.Ranker.ShortlistMult <= 0 {
		return fmt.Errorf("ranker.shortlist_mult must be > 0")
	}
	if c.Planner.RebalanceThreshold <= 0 || c.Planner.RebalanceThreshold >= 1 {
		return fmt.Errorf("planner.rebalance_threshold must be in (0, 1)")
	}
	if c.Guard.Drawdown <= 0 || c.Guard.Drawdown >= 1 {
		return fmt.Errorf("guard.drawdown must be in (0, 1)")
	}
	for name, p := range c.Regions.Profiles {
		for _, w := range []WindowConfig{p.Analyze, p.Trade} {
			// An empty boundary means the window is always open.
			if w.From != "" {
				if _, err := ParseClock(w.From); err != nil {
					return fmt.Errorf("region %s: bad window from %q: %w", name, w.From, err)
				}
			}
			if w.To != "" {
				if _, err := ParseClock(w.To); err != nil {
					return fmt.Errorf("region %s: bad window to %q: %w", name, w.To, err)
				}
			}
		}
	}
	return nil
}

// Timeout returns the HTTP hard timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}

// ParseClock parses "HH:MM" into minutes since UTC midnight.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("want HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour %q", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute %q", parts[1])
	}
	return h*60 + m, nil
}

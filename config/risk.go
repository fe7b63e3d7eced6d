package config

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"perp-monitor/internal/faults"
	"perp-monitor/internal/logging"

	"gopkg.in/yaml.v3"
)

// RiskConfig holds the hot-reloadable tunables shared by all symbol workers.
// A loaded *RiskConfig is never mutated; a reload swaps in a new value.
type RiskConfig struct {
	DisableOperations   bool          `yaml:"disable_operations"`
	MarginAccount       float64       `yaml:"margin_account"`        // % of margin balance maintenance margin may reach
	MarginSymbol        float64       `yaml:"margin_symbol"`         // % of wallet one symbol may use
	MarginIndividualMin float64       `yaml:"margin_individual_min"` // USDT floor of the per-symbol margin cap
	MarginIndividualMax float64       `yaml:"margin_individual_max"` // USDT ceiling of the per-symbol margin cap
	PnlHour             float64       `yaml:"pnl_hour"`              // absolute USDT per hour
	PriceChangePercent  float64       `yaml:"price_change_percent"`
	MaxTry              int           `yaml:"max_try"`
	RetryDelay          time.Duration `yaml:"retry_delay"`

	Gain GainLossConfig `yaml:"gain"`
	Loss GainLossConfig `yaml:"loss"`

	MultiplePercentGain float64 `yaml:"multiple_percent_gain"`
	ProtectPercent      float64 `yaml:"protect_percent"`       // share of the gain threshold that arms the protect stop
	ProtectAmount       float64 `yaml:"protect_amount"`        // absolute USDT profit that arms the protect stop
	MinProfitAmount     float64 `yaml:"min_profit_amount"`     // smallest realizable USDT profit worth closing
	PartialClosePercent float64 `yaml:"partial_close_percent"` // 0 or 100 closes the whole position
	AbruptGainAmount    float64 `yaml:"abrupt_gain_amount"`    // 0 disables the override

	Hedge HedgeConfig `yaml:"hedge"`

	CloseLossPosition bool `yaml:"close_loss_position"`
	SafePosition      bool `yaml:"safe_position"`
	OrderReverse      bool `yaml:"order_reverse"`

	MaxOrders        int `yaml:"max_orders"`
	MaxOrdersAccount int `yaml:"max_orders_account"`

	TimeoutOrder int                `yaml:"timeout_order"` // seconds
	Timeouts     TimeoutMultipliers `yaml:"timeouts"`

	Order      OrderSizing      `yaml:"order"`
	Candles    CandleConfig     `yaml:"candles"`
	SMA        SMAConfig        `yaml:"sma"`
	RSI        RSIConfig        `yaml:"rsi"`
	Distortion DistortionConfig `yaml:"distortion"`
	Sweep      SweepConfig      `yaml:"sweep"`
}

// GainLossConfig is a leverage-tiered percentage: Base applies at any
// leverage and Additional is added once per tier reached.
type GainLossConfig struct {
	Base       float64 `yaml:"base"`
	Additional float64 `yaml:"additional"`
}

// HedgeConfig toggles hedge-mode behavior
type HedgeConfig struct {
	Enabled      bool          `yaml:"enabled"` // account runs in dual-side position mode
	Soft         bool          `yaml:"soft"`
	Long         bool          `yaml:"long"`       // hedging a losing short with a long is allowed
	Short        bool          `yaml:"short"`      // hedging a losing long with a short is allowed
	MaxMargin    float64       `yaml:"max_margin"` // USDT margin one hedge leg may reach, 0 uses the symbol cap
	MinElapsed   time.Duration `yaml:"min_elapsed"`
	SafetyMargin float64       `yaml:"safety_margin"` // % of the symbol cap above which a losing side is force closed
}

// TimeoutMultipliers scale TimeoutOrder per cancellation kind
type TimeoutMultipliers struct {
	Entry         float64 `yaml:"entry"`
	Bracket       float64 `yaml:"bracket"`
	ClosePosition float64 `yaml:"close_position"`
}

// OrderSizing controls entry quantity
type OrderSizing struct {
	MultipleOrder float64 `yaml:"multiple_order"`
	MinNotional   float64 `yaml:"min_notional"` // USDT, the exchange minimum
	MaxNotional   float64 `yaml:"max_notional"` // USDT per order, 0 = uncapped
}

// CandleConfig controls the candle window fed to the signal evaluator
type CandleConfig struct {
	Interval           string        `yaml:"interval"`
	Limit              int           `yaml:"limit"`
	Consecutive        int           `yaml:"consecutive"`
	ClosedOnly         bool          `yaml:"closed_only"`
	UseCache           bool          `yaml:"use_cache"`
	CacheMaxAge        time.Duration `yaml:"cache_max_age"`
	ScalperLimit       int           `yaml:"scalper_limit"`
	ScalperConsecutive int           `yaml:"scalper_consecutive"`
}

type SMAConfig struct {
	Enabled bool   `yaml:"enabled"`
	Periods [3]int `yaml:"periods"`
}

type RSIConfig struct {
	Enabled bool    `yaml:"enabled"`
	Period  int     `yaml:"period"`
	Short   float64 `yaml:"short"` // RSI at or above: bearish pressure
	Long    float64 `yaml:"long"`  // RSI at or below: bullish pressure
}

type DistortionConfig struct {
	Enabled     bool    `yaml:"enabled"`
	MinPercent  float64 `yaml:"min_percent"`
	MaxPercent  float64 `yaml:"max_percent"`
	StopPercent float64 `yaml:"stop_percent"`
}

// SweepConfig moves a share of the daily gain to the spot wallet
type SweepConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Percent   float64 `yaml:"percent"`
	Threshold float64 `yaml:"threshold"`
	Asset     string  `yaml:"asset"`
}

type requiredField struct {
	name string
	ok   func(*RiskConfig) bool
}

var requiredRiskFields = []requiredField{
	{"margin_account", func(c *RiskConfig) bool { return c.MarginAccount > 0 }},
	{"margin_symbol", func(c *RiskConfig) bool { return c.MarginSymbol > 0 }},
	{"margin_individual_max", func(c *RiskConfig) bool { return c.MarginIndividualMax > 0 }},
	{"pnl_hour", func(c *RiskConfig) bool { return c.PnlHour > 0 }},
	{"price_change_percent", func(c *RiskConfig) bool { return c.PriceChangePercent > 0 }},
	{"max_try", func(c *RiskConfig) bool { return c.MaxTry > 0 }},
	{"gain.base", func(c *RiskConfig) bool { return c.Gain.Base > 0 }},
	{"loss.base", func(c *RiskConfig) bool { return c.Loss.Base > 0 }},
	{"max_orders", func(c *RiskConfig) bool { return c.MaxOrders > 0 }},
	{"timeout_order", func(c *RiskConfig) bool { return c.TimeoutOrder > 0 }},
	{"order.multiple_order", func(c *RiskConfig) bool { return c.Order.MultipleOrder > 0 }},
	{"candles.interval", func(c *RiskConfig) bool { return c.Candles.Interval != "" }},
	{"candles.limit", func(c *RiskConfig) bool { return c.Candles.Limit > 0 }},
	{"candles.consecutive", func(c *RiskConfig) bool { return c.Candles.Consecutive > 0 }},
	{"sma.periods", func(c *RiskConfig) bool {
		if !c.SMA.Enabled {
			return true
		}
		return c.SMA.Periods[0] > 0 && c.SMA.Periods[1] > 0 && c.SMA.Periods[2] > 0
	}},
	{"rsi.period", func(c *RiskConfig) bool { return !c.RSI.Enabled || c.RSI.Period > 0 }},
	{"rsi.short/long", func(c *RiskConfig) bool { return !c.RSI.Enabled || c.RSI.Short > c.RSI.Long }},
	{"distortion.max_percent", func(c *RiskConfig) bool {
		return !c.Distortion.Enabled || c.Distortion.MaxPercent > c.Distortion.MinPercent
	}},
	{"sweep.percent", func(c *RiskConfig) bool { return !c.Sweep.Enabled || (c.Sweep.Percent > 0 && c.Sweep.Percent <= 100) }},
}

// Validate checks every required field and reports all that are missing at once
func (c *RiskConfig) Validate() error {
	var missing []string
	for _, f := range requiredRiskFields {
		if !f.ok(c) {
			missing = append(missing, f.name)
		}
	}
	if c.MarginIndividualMin > c.MarginIndividualMax {
		missing = append(missing, "margin_individual_min <= margin_individual_max")
	}
	if len(missing) > 0 {
		return invalid("risk config", "missing or invalid: %v", missing)
	}
	return nil
}

func (c *RiskConfig) applyDefaults() {
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.MultiplePercentGain == 0 {
		c.MultiplePercentGain = 1
	}
	if c.Timeouts.Entry == 0 {
		c.Timeouts.Entry = 1
	}
	if c.Timeouts.Bracket == 0 {
		c.Timeouts.Bracket = 2
	}
	if c.Timeouts.ClosePosition == 0 {
		c.Timeouts.ClosePosition = 3
	}
	if c.Order.MinNotional == 0 {
		c.Order.MinNotional = 5
	}
	if c.Candles.ScalperLimit == 0 {
		c.Candles.ScalperLimit = 3
	}
	if c.Candles.ScalperConsecutive == 0 {
		c.Candles.ScalperConsecutive = 1
	}
	if c.Candles.CacheMaxAge == 0 {
		c.Candles.CacheMaxAge = 2 * time.Minute
	}
	if c.Sweep.Asset == "" {
		c.Sweep.Asset = "USDT"
	}
}

// ParseRiskConfig decodes and validates a YAML document
func ParseRiskConfig(data []byte) (*RiskConfig, error) {
	var cfg RiskConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, faults.New(faults.ConfigurationInvalid, "risk config", fmt.Errorf("error parsing yaml: %w", err))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RiskSource owns the current RiskConfig snapshot and reloads it on a cadence
type RiskSource struct {
	path       string
	read       func(string) ([]byte, error)
	maxRetries int
	retryDelay time.Duration
	current    atomic.Pointer[RiskConfig]
	reloads    atomic.Int64
	failures   atomic.Int64
	logger     *logging.Logger
}

// NewRiskSource performs the initial load. Startup has no last-known-good
// value, so an invalid file here is returned to the caller.
func NewRiskSource(path string, logger *logging.Logger) (*RiskSource, error) {
	s := &RiskSource{
		path:       path,
		read:       os.ReadFile,
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
		logger:     logger.WithComponent("risk-config"),
	}
	if err := s.Reload(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticRiskSource wraps a fixed snapshot, used by tests and tools
func NewStaticRiskSource(cfg *RiskConfig) *RiskSource {
	s := &RiskSource{logger: logging.Nop()}
	s.current.Store(cfg)
	return s
}

// Current returns the active snapshot
func (s *RiskSource) Current() *RiskConfig {
	return s.current.Load()
}

// Reload re-reads the file with bounded retries. On failure the previous
// snapshot stays active; the error is returned for logging.
func (s *RiskSource) Reload(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}

		data, err := s.read(s.path)
		if err != nil {
			lastErr = faults.New(faults.ConfigurationInvalid, "risk config", fmt.Errorf("error reading %s: %w", s.path, err))
			continue
		}
		cfg, err := ParseRiskConfig(data)
		if err != nil {
			lastErr = err
			continue
		}

		s.current.Store(cfg)
		s.reloads.Add(1)
		return nil
	}

	s.failures.Add(1)
	return lastErr
}

// Run reloads on every interval until ctx is cancelled
func (s *RiskSource) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.WithError(err).Warn("risk config reload failed, keeping last known good")
			}
		}
	}
}

// Stats reports reload counters
func (s *RiskSource) Stats() (reloads, failures int64) {
	return s.reloads.Load(), s.failures.Load()
}

func invalid(op, format string, args ...interface{}) error {
	return faults.Newf(faults.ConfigurationInvalid, op, format, args...)
}

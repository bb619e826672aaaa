package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModePaper   Mode = "paper"
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

const envPrefix = "WAVEBOT_"

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Symbol         string               `yaml:"symbol"`
	InstanceID     string               `yaml:"instance_id"`
	LoopIntervalMs int64                `yaml:"loop_interval_ms"`
	Strategy       StrategyConfig       `yaml:"strategy"`
	Escape         EscapeConfig         `yaml:"escape"`
	Execution      ExecutionConfig      `yaml:"execution"`
	Risk           RiskConfig           `yaml:"risk"`
	Paper          PaperConfig          `yaml:"paper"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type StrategyConfig struct {
	Leverage          Decimal `yaml:"leverage"`
	SafeFactor        Decimal `yaml:"safe_factor"`
	MaxAllocationRate Decimal `yaml:"max_allocation_rate"`
	MinDistanceGaps   Decimal `yaml:"min_distance_gaps"`
	GapATRFactor      Decimal `yaml:"gap_atr_factor"`
	GapFloor          Decimal `yaml:"gap_floor"`
	ATRPeriod         int     `yaml:"atr_period"`
	FlatDebounceTicks int     `yaml:"flat_debounce_ticks"`
	RecenterIdleMin   int64   `yaml:"recenter_idle_min"`
	RecenterMinLine   int     `yaml:"recenter_min_line"`
}

type EscapeConfig struct {
	PairExitRate       Decimal `yaml:"pair_exit_rate"`
	HedgeMaxFactor     Decimal `yaml:"hedge_max_factor"`
	BreakevenTolerance Decimal `yaml:"breakeven_tolerance"`
}

type ExecutionConfig struct {
	MakerTimeoutSec int64   `yaml:"maker_timeout_sec"`
	TakerTimeoutMs  int64   `yaml:"taker_timeout_ms"`
	PollIntervalMs  int64   `yaml:"poll_interval_ms"`
	SliceThreshold  Decimal `yaml:"slice_threshold"`
	SliceCount      int     `yaml:"slice_count"`
	SliceOffsetBps  Decimal `yaml:"slice_offset_bps"`
	SliceDelayMs    int64   `yaml:"slice_delay_ms"`
	DedupTTLSec     int64   `yaml:"dedup_ttl_sec"`
}

type RiskConfig struct {
	PauseMin             int64    `yaml:"pause_min"`
	TripRange            Decimal  `yaml:"trip_range"`
	TripVolumeMultiple   Decimal  `yaml:"trip_volume_multiple"`
	ResumeVolumeMultiple Decimal  `yaml:"resume_volume_multiple"`
	NewsBeforeMin        int64    `yaml:"news_before_min"`
	NewsAfterMin         int64    `yaml:"news_after_min"`
	NewsEvents           []string `yaml:"news_events"`
}

type PaperConfig struct {
	InitialBalance Decimal `yaml:"initial_balance"`
	MakerFeeRate   Decimal `yaml:"maker_fee_rate"`
	TakerFeeRate   Decimal `yaml:"taker_fee_rate"`
}

type ExchangeConfig struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	RestBaseURL     string `yaml:"rest_base_url"`
	WSBaseURL       string `yaml:"ws_base_url"`
	Category        string `yaml:"category"`
	RecvWindowMs    int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec  int64  `yaml:"http_timeout_sec"`
	RequestsPerSec  int    `yaml:"requests_per_sec"`
	PingIntervalSec int64  `yaml:"ping_interval_sec"`
}

type StateConfig struct {
	Dir           string `yaml:"dir"`
	LockTakeover  *bool  `yaml:"lock_takeover"`
	LockStaleSec  int64  `yaml:"lock_stale_sec"`
	IntentJournal *bool  `yaml:"intent_journal"`
}

type CircuitBreakerConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxPlaceFailures  int   `yaml:"max_place_failures"`
	MaxCancelFailures int   `yaml:"max_cancel_failures"`
	MaxStreamFailures int   `yaml:"max_stream_failures"`
	CooldownSec       int64 `yaml:"cooldown_sec"`
	TrialPasses       int   `yaml:"trial_passes"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
	Silent     bool   `yaml:"silent"`
}

type RuntimeConfig struct {
	HeartbeatSec          int64 `yaml:"heartbeat_sec"`
	ErrorBackoffSec       int64 `yaml:"error_backoff_sec"`
	StreamMaxAgeSec       int64 `yaml:"stream_max_age_sec"`
	AlertDropReportSec    int64 `yaml:"alert_drop_report_sec"`
	AlertSendEveryMs      int64 `yaml:"alert_send_every_ms"`
	AlertRepeatWindowSec  int64 `yaml:"alert_repeat_window_sec"`
	FatalOnMissingPrice   *bool `yaml:"fatal_on_missing_price"`
	StartupPriceRetries   int   `yaml:"startup_price_retries"`
	StartupPriceRetryMsec int64 `yaml:"startup_price_retry_ms"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads one YAML document, then a .env file next to it (or in the
// working directory), then WAVEBOT_* overrides. Existing process env wins
// over .env.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); err != io.EOF {
		return Config{}, fmt.Errorf("config must contain a single YAML document")
	}
	loadDotEnv(path)
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(configPath string) {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	seen := map[string]bool{}
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		_ = godotenv.Load(abs)
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	str("MODE", (*string)(&c.Mode))
	str("SYMBOL", &c.Symbol)
	str("API_KEY", &c.Exchange.APIKey)
	str("API_SECRET", &c.Exchange.APISecret)
	str("REST_BASE_URL", &c.Exchange.RestBaseURL)
	str("WS_BASE_URL", &c.Exchange.WSBaseURL)
	str("STATE_DIR", &c.State.Dir)
	str("TELEGRAM_BOT_TOKEN", &c.Observability.Telegram.BotToken)
	str("TELEGRAM_CHAT_ID", &c.Observability.Telegram.ChatID)
	str("METRICS_ADDR", &c.Observability.Metrics.ListenAddr)
	if v, ok := lookup(envPrefix + "TELEGRAM_ENABLED"); ok && strings.TrimSpace(v) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sTELEGRAM_ENABLED: %w", envPrefix, err)
		}
		c.Observability.Telegram.Enabled = enabled
	}
	return nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Exchange.Category = strings.ToLower(strings.TrimSpace(c.Exchange.Category))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.Metrics.ListenAddr = strings.TrimSpace(c.Observability.Metrics.ListenAddr)
	for i, ev := range c.Risk.NewsEvents {
		c.Risk.NewsEvents[i] = strings.TrimSpace(ev)
	}
}

func setDecimal(d *Decimal, v string) {
	if d.Cmp(decimal.Zero) == 0 {
		d.Decimal = decimal.RequireFromString(v)
	}
}

func setInt64(v *int64, def int64) {
	if *v == 0 {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.Symbol == "" {
		c.Symbol = "BTCUSDT"
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	setInt64(&c.LoopIntervalMs, 1000)

	s := &c.Strategy
	setDecimal(&s.Leverage, "7")
	setDecimal(&s.SafeFactor, "1")
	setDecimal(&s.MaxAllocationRate, "0.25")
	setDecimal(&s.MinDistanceGaps, "1")
	setDecimal(&s.GapATRFactor, "0.15")
	setDecimal(&s.GapFloor, "100")
	setInt(&s.ATRPeriod, 42)
	setInt(&s.FlatDebounceTicks, 2)
	setInt64(&s.RecenterIdleMin, 120)
	setInt(&s.RecenterMinLine, 6)

	setDecimal(&c.Escape.PairExitRate, "0.02")
	setDecimal(&c.Escape.HedgeMaxFactor, "2")
	setDecimal(&c.Escape.BreakevenTolerance, "0.5")

	e := &c.Execution
	setInt64(&e.MakerTimeoutSec, 60)
	setInt64(&e.TakerTimeoutMs, 1000)
	setInt64(&e.PollIntervalMs, 200)
	setDecimal(&e.SliceThreshold, "5000")
	setInt(&e.SliceCount, 5)
	setDecimal(&e.SliceOffsetBps, "2")
	setInt64(&e.SliceDelayMs, 200)
	setInt64(&e.DedupTTLSec, 15)

	r := &c.Risk
	setInt64(&r.PauseMin, 15)
	setDecimal(&r.TripRange, "0.006")
	setDecimal(&r.TripVolumeMultiple, "4")
	setDecimal(&r.ResumeVolumeMultiple, "1.5")
	setInt64(&r.NewsBeforeMin, 60)
	setInt64(&r.NewsAfterMin, 30)

	setDecimal(&c.Paper.InitialBalance, "10000")
	setDecimal(&c.Paper.MakerFeeRate, "0.0002")
	setDecimal(&c.Paper.TakerFeeRate, "0.00055")

	x := &c.Exchange
	if x.Category == "" {
		x.Category = "linear"
	}
	setInt64(&x.RecvWindowMs, 5000)
	setInt64(&x.HTTPTimeoutSec, 10)
	setInt(&x.RequestsPerSec, 10)
	setInt64(&x.PingIntervalSec, 20)
	if x.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			x.RestBaseURL = "https://api-testnet.bybit.com"
		default:
			x.RestBaseURL = "https://api.bybit.com"
		}
	}
	if x.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			x.WSBaseURL = "wss://stream-testnet.bybit.com/v5/private"
		case ModeLive:
			x.WSBaseURL = "wss://stream.bybit.com/v5/private"
		}
	}

	cb := &c.CircuitBreaker
	setInt(&cb.MaxPlaceFailures, 5)
	setInt(&cb.MaxCancelFailures, 5)
	setInt(&cb.MaxStreamFailures, 10)
	setInt64(&cb.CooldownSec, 30)
	setInt(&cb.TrialPasses, 1)

	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	setInt64(&c.State.LockStaleSec, 600)
	if c.State.IntentJournal == nil {
		enabled := true
		c.State.IntentJournal = &enabled
	}

	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	setInt64(&c.Observability.Telegram.TimeoutSec, 10)
	rt := &c.Observability.Runtime
	setInt64(&rt.ErrorBackoffSec, 5)
	setInt64(&rt.StreamMaxAgeSec, 5)
	setInt64(&rt.AlertDropReportSec, 60)
	setInt64(&rt.AlertSendEveryMs, 2000)
	setInt64(&rt.AlertRepeatWindowSec, 300)
	if rt.FatalOnMissingPrice == nil {
		enabled := true
		rt.FatalOnMissingPrice = &enabled
	}
	setInt(&rt.StartupPriceRetries, 5)
	setInt64(&rt.StartupPriceRetryMsec, 1000)
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be paper, testnet, or live")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9], length 6..20")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.LoopIntervalMs < 100 || c.LoopIntervalMs > 60000 {
		return fmt.Errorf("loop_interval_ms must be between 100 and 60000")
	}

	s := c.Strategy
	one := decimal.NewFromInt(1)
	if s.Leverage.LessThan(one) || s.Leverage.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("strategy.leverage must be between 1 and 100")
	}
	if !s.SafeFactor.IsPositive() || s.SafeFactor.GreaterThan(one) {
		return fmt.Errorf("strategy.safe_factor must be in (0, 1]")
	}
	if !s.MaxAllocationRate.IsPositive() || s.MaxAllocationRate.GreaterThan(one) {
		return fmt.Errorf("strategy.max_allocation_rate must be in (0, 1]")
	}
	if !s.MinDistanceGaps.IsPositive() {
		return fmt.Errorf("strategy.min_distance_gaps must be > 0")
	}
	if !s.GapATRFactor.IsPositive() {
		return fmt.Errorf("strategy.gap_atr_factor must be > 0")
	}
	if !s.GapFloor.IsPositive() {
		return fmt.Errorf("strategy.gap_floor must be > 0")
	}
	if s.ATRPeriod < 1 || s.ATRPeriod > 500 {
		return fmt.Errorf("strategy.atr_period must be between 1 and 500")
	}
	if s.FlatDebounceTicks < 1 {
		return fmt.Errorf("strategy.flat_debounce_ticks must be >= 1")
	}
	if s.RecenterIdleMin < 1 {
		return fmt.Errorf("strategy.recenter_idle_min must be >= 1")
	}
	if s.RecenterMinLine < 1 || s.RecenterMinLine > 13 {
		return fmt.Errorf("strategy.recenter_min_line must be between 1 and 13")
	}

	if !c.Escape.PairExitRate.IsPositive() {
		return fmt.Errorf("escape.pair_exit_rate must be > 0")
	}
	if !c.Escape.HedgeMaxFactor.IsPositive() {
		return fmt.Errorf("escape.hedge_max_factor must be > 0")
	}
	if c.Escape.BreakevenTolerance.IsNegative() {
		return fmt.Errorf("escape.breakeven_tolerance must be >= 0")
	}

	e := c.Execution
	if e.MakerTimeoutSec < 1 || e.MakerTimeoutSec > 3600 {
		return fmt.Errorf("execution.maker_timeout_sec must be between 1 and 3600")
	}
	if e.TakerTimeoutMs < 100 || e.TakerTimeoutMs > 60000 {
		return fmt.Errorf("execution.taker_timeout_ms must be between 100 and 60000")
	}
	if e.PollIntervalMs < 10 || e.PollIntervalMs > e.TakerTimeoutMs {
		return fmt.Errorf("execution.poll_interval_ms must be between 10 and taker_timeout_ms")
	}
	if !e.SliceThreshold.IsPositive() {
		return fmt.Errorf("execution.slice_threshold must be > 0")
	}
	if e.SliceCount < 1 || e.SliceCount > 20 {
		return fmt.Errorf("execution.slice_count must be between 1 and 20")
	}
	if e.SliceOffsetBps.IsNegative() {
		return fmt.Errorf("execution.slice_offset_bps must be >= 0")
	}
	if e.SliceDelayMs < 0 || e.DedupTTLSec < 0 {
		return fmt.Errorf("execution.slice_delay_ms and dedup_ttl_sec must be >= 0")
	}

	r := c.Risk
	if r.PauseMin < 1 {
		return fmt.Errorf("risk.pause_min must be >= 1")
	}
	if !r.TripRange.IsPositive() || !r.TripVolumeMultiple.IsPositive() || !r.ResumeVolumeMultiple.IsPositive() {
		return fmt.Errorf("risk trip_range, trip_volume_multiple and resume_volume_multiple must be > 0")
	}
	if r.NewsBeforeMin < 0 || r.NewsAfterMin < 0 {
		return fmt.Errorf("risk news window must be >= 0")
	}
	if _, err := c.NewsEvents(); err != nil {
		return err
	}

	if c.Mode == ModePaper {
		if !c.Paper.InitialBalance.IsPositive() {
			return fmt.Errorf("paper.initial_balance must be > 0")
		}
		if c.Paper.MakerFeeRate.IsNegative() || c.Paper.TakerFeeRate.IsNegative() {
			return fmt.Errorf("paper fee rates must be >= 0")
		}
	}

	if c.CircuitBreaker.Enabled {
		cb := c.CircuitBreaker
		if cb.MaxPlaceFailures < 1 || cb.MaxCancelFailures < 1 || cb.MaxStreamFailures < 1 {
			return fmt.Errorf("circuit_breaker max failures must be >= 1")
		}
		if cb.CooldownSec < 1 || cb.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
		if cb.TrialPasses < 1 || cb.TrialPasses > 20 {
			return fmt.Errorf("circuit_breaker.trial_passes must be between 1 and 20")
		}
	}

	rt := c.Observability.Runtime
	if rt.HeartbeatSec < 0 || rt.HeartbeatSec > 3600 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 0 and 3600")
	}
	if rt.ErrorBackoffSec < 1 || rt.ErrorBackoffSec > 300 {
		return fmt.Errorf("observability.runtime.error_backoff_sec must be between 1 and 300")
	}
	if rt.StreamMaxAgeSec < 1 || rt.StreamMaxAgeSec > 300 {
		return fmt.Errorf("observability.runtime.stream_max_age_sec must be between 1 and 300")
	}
	if rt.AlertDropReportSec < 0 || rt.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if rt.AlertSendEveryMs < 0 || rt.AlertRepeatWindowSec < 0 {
		return fmt.Errorf("observability.runtime alert pacing must be >= 0")
	}
	if rt.StartupPriceRetries < 1 {
		return fmt.Errorf("observability.runtime.startup_price_retries must be >= 1")
	}
	if c.Observability.Telegram.Enabled {
		tg := c.Observability.Telegram
		if tg.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if tg.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if tg.TimeoutSec < 1 || tg.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(tg.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}

	x := c.Exchange
	if x.Category != "linear" {
		return fmt.Errorf("exchange.category must be linear")
	}
	if err := validateURL(x.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if x.HTTPTimeoutSec < 1 || x.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if x.RequestsPerSec < 1 || x.RequestsPerSec > 100 {
		return fmt.Errorf("exchange requests_per_sec must be between 1 and 100")
	}
	if c.Mode != ModePaper {
		if x.APIKey == "" || x.APISecret == "" {
			return fmt.Errorf("exchange api_key/api_secret are required for %s mode", c.Mode)
		}
		if err := validateURL(x.WSBaseURL, "ws", "wss"); err != nil {
			return fmt.Errorf("exchange ws_base_url %v", err)
		}
		if x.RecvWindowMs < 1 || x.RecvWindowMs > 60000 {
			return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
		}
		if x.PingIntervalSec < 1 || x.PingIntervalSec > 300 {
			return fmt.Errorf("exchange ping_interval_sec must be between 1 and 300")
		}
	}
	return nil
}

// NewsEvents parses risk.news_events as RFC3339 timestamps.
func (c Config) NewsEvents() ([]time.Time, error) {
	out := make([]time.Time, 0, len(c.Risk.NewsEvents))
	for _, raw := range c.Risk.NewsEvents {
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("risk.news_events %q: %w", raw, err)
		}
		out = append(out, ts.UTC())
	}
	return out, nil
}

func (c Config) LoopInterval() time.Duration {
	return time.Duration(c.LoopIntervalMs) * time.Millisecond
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 6 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}

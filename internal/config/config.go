package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	VenueHyperliquid = "hyperliquid"
	VenuePaper       = "paper"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	State     StateConfig     `yaml:"state"`
	Lock      LockConfig      `yaml:"lock"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Primary   VenueConfig     `yaml:"primary"`
	Hedge     VenueConfig     `yaml:"hedge"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Execution ExecutionConfig `yaml:"execution"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type LockConfig struct {
	Enabled  bool          `yaml:"enabled"`
	RedisURL string        `yaml:"redis_url"`
	Key      string        `yaml:"key"`
	TTL      time.Duration `yaml:"ttl"`
}

type TimescaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

// VenueConfig describes one side of the hedge. Credentials never come from
// YAML; they are read from <env_prefix>_* variables.
type VenueConfig struct {
	Name           string            `yaml:"name"`
	Kind           string            `yaml:"kind"`
	BaseURL        string            `yaml:"base_url"`
	WSURL          string            `yaml:"ws_url"`
	Timeout        time.Duration     `yaml:"timeout"`
	ReconnectDelay time.Duration     `yaml:"reconnect_delay"`
	PingInterval   time.Duration     `yaml:"ping_interval"`
	RateLimit      float64           `yaml:"rate_limit"`
	RateBurst      int               `yaml:"rate_burst"`
	FundingScale   float64           `yaml:"funding_scale"`
	MinBalanceUSD  float64           `yaml:"min_balance_usd"`
	EnvPrefix      string            `yaml:"env_prefix"`
	Instruments    map[string]string `yaml:"instruments"`

	// Paper venue knobs.
	Shadow         bool    `yaml:"shadow"`
	PaperBalance   float64 `yaml:"paper_balance"`
	MakerFillRatio float64 `yaml:"maker_fill_ratio"`

	PrivateKey     string `yaml:"-"`
	WalletAddress  string `yaml:"-"`
	AccountAddress string `yaml:"-"`
	VaultAddress   string `yaml:"-"`
}

// Symbol maps a strategy instrument to the venue's market name.
func (v VenueConfig) Symbol(instrument string) string {
	if sym, ok := v.Instruments[instrument]; ok && sym != "" {
		return sym
	}
	return instrument
}

func (v VenueConfig) IsMainnet() bool {
	return !strings.Contains(v.BaseURL, "testnet")
}

type StrategyConfig struct {
	Instruments          []string      `yaml:"instruments"`
	PeriodsPerDay        float64       `yaml:"periods_per_day"`
	MinOpenAPY           float64       `yaml:"min_open_apy"`
	MinCloseAPY          float64       `yaml:"min_close_apy"`
	MaxOpenSpread        float64       `yaml:"max_open_spread"`
	MinPositionUSD       float64       `yaml:"min_position_usd"`
	MaxPositionUSD       float64       `yaml:"max_position_usd"`
	BalanceMultiplier    float64       `yaml:"balance_multiplier"`
	HoldMin              time.Duration `yaml:"hold_min"`
	HoldMax              time.Duration `yaml:"hold_max"`
	FundingCheckInterval time.Duration `yaml:"funding_check_interval"`
	NoOpportunitySleep   time.Duration `yaml:"no_opportunity_sleep"`
	CooldownMin          time.Duration `yaml:"cooldown_min"`
	CooldownMax          time.Duration `yaml:"cooldown_max"`
	ErrorCooldown        time.Duration `yaml:"error_cooldown"`
	PrimaryTimeout       time.Duration `yaml:"primary_timeout"`
	HedgeTimeout         time.Duration `yaml:"hedge_timeout"`
	RollbackTimeout      time.Duration `yaml:"rollback_timeout"`
	FillRatio            float64       `yaml:"fill_ratio"`
	MinPrimaryFillRatio  float64       `yaml:"min_primary_fill_ratio"`
	HedgeFillTolerance   float64       `yaml:"hedge_fill_tolerance"`
}

type ExecutionConfig struct {
	TakerAfterAggressive time.Duration `yaml:"taker_after_aggressive"`
	TakerAfterPatient    time.Duration `yaml:"taker_after_patient"`
	TakerSlippage        float64       `yaml:"taker_slippage"`
	PassiveWait          time.Duration `yaml:"passive_wait"`
	AggressiveWait       time.Duration `yaml:"aggressive_wait"`
	Cooldown             time.Duration `yaml:"cooldown"`
	SettlePause          time.Duration `yaml:"settle_pause"`
	RejectBackoff        time.Duration `yaml:"reject_backoff"`
	QuoteBackoff         time.Duration `yaml:"quote_backoff"`
	ErrorBackoff         time.Duration `yaml:"error_backoff"`
	ResetAfter           int           `yaml:"reset_after"`
}

type WatchdogConfig struct {
	LandingRetry  time.Duration `yaml:"landing_retry"`
	AlertAfter    time.Duration `yaml:"alert_after"`
	RoundTimeout  time.Duration `yaml:"round_timeout"`
	RoundInterval time.Duration `yaml:"round_interval"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9108"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/delta-hedge-bot.db"
	}
	if cfg.Lock.Key == "" {
		cfg.Lock.Key = "delta-hedge-bot:worker"
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 30 * time.Second
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	applyVenueDefaults(&cfg.Primary, "primary", "HB_PRIMARY")
	applyVenueDefaults(&cfg.Hedge, "hedge", "HB_HEDGE")
	applyStrategyDefaults(&cfg.Strategy)
	applyExecutionDefaults(&cfg.Execution)
	applyWatchdogDefaults(&cfg.Watchdog)
}

func applyVenueDefaults(v *VenueConfig, name, prefix string) {
	if v.Name == "" {
		v.Name = name
	}
	if v.Kind == "" {
		v.Kind = VenueHyperliquid
	}
	if v.BaseURL == "" {
		v.BaseURL = "https://api.hyperliquid.xyz"
	}
	if v.WSURL == "" {
		v.WSURL = deriveWSURL(v.BaseURL)
	}
	if v.Timeout == 0 {
		v.Timeout = 10 * time.Second
	}
	if v.ReconnectDelay == 0 {
		v.ReconnectDelay = 3 * time.Second
	}
	if v.PingInterval == 0 {
		v.PingInterval = 30 * time.Second
	}
	if v.RateLimit == 0 {
		v.RateLimit = 10
	}
	if v.RateBurst == 0 {
		v.RateBurst = 5
	}
	if v.FundingScale == 0 {
		v.FundingScale = 1
	}
	if v.EnvPrefix == "" {
		v.EnvPrefix = prefix
	}
	if v.PaperBalance == 0 {
		v.PaperBalance = 10_000
	}
	if v.MakerFillRatio == 0 {
		v.MakerFillRatio = 0.5
	}
}

func deriveWSURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func applyStrategyDefaults(s *StrategyConfig) {
	if len(s.Instruments) == 0 {
		s.Instruments = []string{"BTC", "ETH", "SOL"}
	}
	if s.PeriodsPerDay == 0 {
		s.PeriodsPerDay = 24
	}
	if s.MinOpenAPY == 0 {
		s.MinOpenAPY = 0.05
	}
	if s.MaxOpenSpread == 0 {
		s.MaxOpenSpread = 0.006
	}
	if s.MinPositionUSD == 0 {
		s.MinPositionUSD = 100
	}
	if s.MaxPositionUSD == 0 {
		s.MaxPositionUSD = 300
	}
	if s.BalanceMultiplier == 0 {
		s.BalanceMultiplier = 1.1
	}
	if s.HoldMin == 0 {
		s.HoldMin = 28850 * time.Second
	}
	if s.HoldMax == 0 {
		s.HoldMax = 868500 * time.Second
	}
	if s.FundingCheckInterval == 0 {
		s.FundingCheckInterval = 10 * time.Minute
	}
	if s.NoOpportunitySleep == 0 {
		s.NoOpportunitySleep = 5 * time.Minute
	}
	if s.CooldownMin == 0 {
		s.CooldownMin = 10 * time.Second
	}
	if s.CooldownMax == 0 {
		s.CooldownMax = time.Minute
	}
	if s.ErrorCooldown == 0 {
		s.ErrorCooldown = 5 * time.Second
	}
	if s.PrimaryTimeout == 0 {
		s.PrimaryTimeout = 2 * time.Minute
	}
	if s.HedgeTimeout == 0 {
		s.HedgeTimeout = 45 * time.Second
	}
	if s.RollbackTimeout == 0 {
		s.RollbackTimeout = 2 * time.Minute
	}
	if s.FillRatio == 0 {
		s.FillRatio = 0.98
	}
	if s.MinPrimaryFillRatio == 0 {
		s.MinPrimaryFillRatio = 0.05
	}
	if s.HedgeFillTolerance == 0 {
		s.HedgeFillTolerance = 0.05
	}
}

func applyExecutionDefaults(e *ExecutionConfig) {
	if e.TakerAfterAggressive == 0 {
		e.TakerAfterAggressive = 10 * time.Second
	}
	if e.TakerAfterPatient == 0 {
		e.TakerAfterPatient = 30 * time.Second
	}
	if e.TakerSlippage == 0 {
		e.TakerSlippage = 0.05
	}
	if e.PassiveWait == 0 {
		e.PassiveWait = 5 * time.Second
	}
	if e.AggressiveWait == 0 {
		e.AggressiveWait = time.Second
	}
	if e.Cooldown == 0 {
		e.Cooldown = time.Second
	}
	if e.SettlePause == 0 {
		e.SettlePause = 500 * time.Millisecond
	}
	if e.RejectBackoff == 0 {
		e.RejectBackoff = 500 * time.Millisecond
	}
	if e.QuoteBackoff == 0 {
		e.QuoteBackoff = time.Second
	}
	if e.ErrorBackoff == 0 {
		e.ErrorBackoff = time.Second
	}
	if e.ResetAfter == 0 {
		e.ResetAfter = 3
	}
}

func applyWatchdogDefaults(w *WatchdogConfig) {
	if w.LandingRetry == 0 {
		w.LandingRetry = 10 * time.Second
	}
	if w.AlertAfter == 0 {
		w.AlertAfter = 10 * time.Minute
	}
	if w.RoundTimeout == 0 {
		w.RoundTimeout = 10 * time.Second
	}
	if w.RoundInterval == 0 {
		w.RoundInterval = 5 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := strings.TrimSpace(os.Getenv("HB_TELEGRAM_TOKEN")); val != "" {
		cfg.Telegram.Token = val
	}
	if val := strings.TrimSpace(os.Getenv("HB_TELEGRAM_CHAT_ID")); val != "" {
		cfg.Telegram.ChatID = val
	}
	if val := strings.TrimSpace(os.Getenv("HB_REDIS_URL")); val != "" {
		cfg.Lock.RedisURL = val
	}
	if val := strings.TrimSpace(os.Getenv("HB_TIMESCALE_DSN")); val != "" {
		cfg.Timescale.DSN = val
	}
	applyVenueSecrets(&cfg.Primary)
	applyVenueSecrets(&cfg.Hedge)
}

func applyVenueSecrets(v *VenueConfig) {
	prefix := strings.TrimSuffix(v.EnvPrefix, "_")
	v.PrivateKey = strings.TrimSpace(os.Getenv(prefix + "_PRIVATE_KEY"))
	v.WalletAddress = strings.TrimSpace(os.Getenv(prefix + "_WALLET_ADDRESS"))
	v.AccountAddress = strings.TrimSpace(os.Getenv(prefix + "_ACCOUNT_ADDRESS"))
	v.VaultAddress = strings.TrimSpace(os.Getenv(prefix + "_VAULT_ADDRESS"))
	if v.AccountAddress == "" {
		v.AccountAddress = v.WalletAddress
	}
}

func validate(cfg *Config) error {
	if len(cfg.Strategy.Instruments) == 0 {
		return errors.New("strategy.instruments is required")
	}
	if err := validateVenue("primary", cfg.Primary); err != nil {
		return err
	}
	if err := validateVenue("hedge", cfg.Hedge); err != nil {
		return err
	}
	if cfg.Primary.Name == cfg.Hedge.Name {
		return errors.New("primary.name and hedge.name must differ")
	}
	s := cfg.Strategy
	if s.MinPositionUSD <= 0 || s.MaxPositionUSD < s.MinPositionUSD {
		return errors.New("strategy.min_position_usd must be > 0 and <= max_position_usd")
	}
	if s.HoldMin <= 0 || s.HoldMax < s.HoldMin {
		return errors.New("strategy.hold_min must be > 0 and <= hold_max")
	}
	if s.CooldownMin < 0 || s.CooldownMax < s.CooldownMin {
		return errors.New("strategy.cooldown_min must be >= 0 and <= cooldown_max")
	}
	if s.MaxOpenSpread <= 0 {
		return errors.New("strategy.max_open_spread must be > 0")
	}
	if s.FillRatio <= 0 || s.FillRatio > 1 {
		return errors.New("strategy.fill_ratio must be in (0, 1]")
	}
	if s.MinPrimaryFillRatio <= 0 || s.MinPrimaryFillRatio > 1 {
		return errors.New("strategy.min_primary_fill_ratio must be in (0, 1]")
	}
	if s.HedgeFillTolerance < 0 {
		return errors.New("strategy.hedge_fill_tolerance must be >= 0")
	}
	if s.BalanceMultiplier < 1 {
		return errors.New("strategy.balance_multiplier must be >= 1")
	}
	if cfg.Execution.TakerSlippage <= 0 || cfg.Execution.TakerSlippage >= 1 {
		return errors.New("execution.taker_slippage must be in (0, 1)")
	}
	if cfg.Lock.Enabled && cfg.Lock.RedisURL == "" {
		return errors.New("lock.redis_url (or HB_REDIS_URL) is required when lock is enabled")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn (or HB_TIMESCALE_DSN) is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	return nil
}

func validateVenue(field string, v VenueConfig) error {
	switch v.Kind {
	case VenueHyperliquid:
		if v.AccountAddress == "" {
			return fmt.Errorf("%s: %s_ACCOUNT_ADDRESS or %s_WALLET_ADDRESS is required", field, v.EnvPrefix, v.EnvPrefix)
		}
	case VenuePaper:
	default:
		return fmt.Errorf("%s.kind must be %q or %q", field, VenueHyperliquid, VenuePaper)
	}
	if v.FundingScale <= 0 {
		return fmt.Errorf("%s.funding_scale must be > 0", field)
	}
	if v.MinBalanceUSD < 0 {
		return fmt.Errorf("%s.min_balance_usd must be >= 0", field)
	}
	return nil
}

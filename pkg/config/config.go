package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"execution-core/pkg/crypto"
)

// Trading modes.
const (
	ModeLive     = "live"
	ModePaper    = "paper"
	ModeBacktest = "backtest"
)

// ExchangeConfig holds credentials and limits for one venue.
type ExchangeConfig struct {
	Name        string
	Enabled     bool
	APIKey      string
	APISecret   string
	Testnet     bool
	RecvWindow  int64
	RatePerSec  float64
	RateBurst   int
	Concurrency int
}

// TPLevel is one rung of a partial take-profit ladder.
type TPLevel struct {
	Percent     float64 `yaml:"percent"`
	SizePercent float64 `yaml:"size_percent"`
}

// ProtectionConfig parameterizes the protection engine.
type ProtectionConfig struct {
	StopLossPercent           float64
	TrailingCallbackRate      float64
	TrailingActivationPercent float64
	TakeProfitPercent         float64
	PartialTPEnabled          bool
	PartialTPLevels           []TPLevel

	// Which protections must succeed for a position to count as protected.
	RequireStopLoss bool
	RequireTrailing bool

	PlacementDelay time.Duration
	TakerFeeRate   float64
	MaxPositionAge time.Duration
}

// RiskConfig feeds the duplicate/risk guard.
type RiskConfig struct {
	MaxDailyTrades   int
	MaxDailyLossUSD  float64
	SignalCooldown   time.Duration
	MaxOpenPositions int
}

// FilterConfig feeds the signal filter and tradeability checks.
type FilterConfig struct {
	MinConfidence            string
	MinPredictionProbability float64
	SkipSymbols              []string
	SignalMaxAge             time.Duration
	MaxSpreadPercent         float64
	MinQuoteVolume           float64
}

// RetryConfig mirrors resilience.RetryPolicy.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	BackoffBase  float64
	Jitter       bool
}

// BreakerConfig mirrors resilience.Breaker.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Config is built once at startup and passed by pointer to every component.
// Nothing mutates it after Load returns.
type Config struct {
	Mode     string
	DBPath   string
	HTTPAddr string
	Language string

	JWTSecret         string
	AdminUser         string
	AdminPasswordHash string
	MasterKey         string

	Binance ExchangeConfig
	Bybit   ExchangeConfig

	Protection ProtectionConfig
	Risk       RiskConfig
	Filter     FilterConfig
	Retry      RetryConfig
	Breaker    BreakerConfig

	Leverage        int
	PositionSizeUSD float64
	ConfirmTimeout  time.Duration
	WorkerPoolSize  int

	ReconcileSchedule         string
	ReconcileExecute          bool
	ProtectionMonitorSchedule string
	EnableUserStream          bool

	// BalanceSyncInterval refreshes the margin balance cache; 0 disables the
	// pre-entry margin check.
	BalanceSyncInterval time.Duration

	SignalFeedAddr      string
	SignalBatchInterval time.Duration
	SignalBatchSize     int

	ProtectionProfilePath string
}

// Load reads environment variables (optionally via .env) into Config. It
// does not validate; call Validate.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	binanceTestnet := getEnv("BINANCE_TESTNET", "false") == "true"
	bybitTestnet := getEnv("BYBIT_TESTNET", "false") == "true"
	anyTestnet := binanceTestnet || bybitTestnet

	maxSpread, minVolume := 2.0, 1_000_000.0
	if anyTestnet {
		maxSpread, minVolume = 10.0, 10_000.0
	}

	cfg := &Config{
		Mode:              strings.ToLower(getEnv("TRADING_MODE", ModePaper)),
		DBPath:            getEnv("DB_PATH", "./data/execution.db"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		Language:          strings.ToLower(getEnv("LOG_LANGUAGE", "en")),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		AdminUser:         getEnv("ADMIN_USER", "admin"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		MasterKey:         os.Getenv("MASTER_KEY"),

		Binance: ExchangeConfig{
			Name:        "binance",
			Enabled:     getEnv("BINANCE_ENABLED", "true") == "true",
			APIKey:      os.Getenv("BINANCE_API_KEY"),
			APISecret:   os.Getenv("BINANCE_API_SECRET"),
			Testnet:     binanceTestnet,
			RecvWindow:  int64(getEnvInt("BINANCE_RECV_WINDOW", 5000)),
			RatePerSec:  getEnvFloat("BINANCE_RATE_PER_SEC", 20),
			RateBurst:   getEnvInt("BINANCE_RATE_BURST", 40),
			Concurrency: getEnvInt("BINANCE_CONCURRENCY", 5),
		},
		Bybit: ExchangeConfig{
			Name:        "bybit",
			Enabled:     getEnv("BYBIT_ENABLED", "true") == "true",
			APIKey:      os.Getenv("BYBIT_API_KEY"),
			APISecret:   os.Getenv("BYBIT_API_SECRET"),
			Testnet:     bybitTestnet,
			RecvWindow:  int64(getEnvInt("BYBIT_RECV_WINDOW", 5000)),
			RatePerSec:  getEnvFloat("BYBIT_RATE_PER_SEC", 10),
			RateBurst:   getEnvInt("BYBIT_RATE_BURST", 10),
			Concurrency: getEnvInt("BYBIT_CONCURRENCY", 3),
		},

		Protection: ProtectionConfig{
			StopLossPercent:           getEnvFloat("STOP_LOSS_PERCENT", 2),
			TrailingCallbackRate:      getEnvFloat("TRAILING_CALLBACK_RATE", 1.5),
			TrailingActivationPercent: getEnvFloat("TRAILING_ACTIVATION_PERCENT", 3.5),
			TakeProfitPercent:         getEnvFloat("TAKE_PROFIT_PERCENT", 0),
			PartialTPEnabled:          getEnv("PARTIAL_TP_ENABLED", "false") == "true",
			PartialTPLevels:           DefaultTPLevels(),
			RequireStopLoss:           getEnv("REQUIRE_STOP_LOSS", "true") == "true",
			RequireTrailing:           getEnv("REQUIRE_TRAILING_STOP", "false") == "true",
			PlacementDelay:            getEnvDuration("PROTECTION_DELAY", 500*time.Millisecond),
			TakerFeeRate:              getEnvFloat("TAKER_FEE_RATE", 0.0006),
			MaxPositionAge:            getEnvDuration("MAX_POSITION_AGE", 0),
		},
		Risk: RiskConfig{
			MaxDailyTrades:   getEnvInt("MAX_DAILY_TRADES", 20),
			MaxDailyLossUSD:  getEnvFloat("MAX_DAILY_LOSS_USD", 100),
			SignalCooldown:   time.Duration(getEnvInt("SIGNAL_COOLDOWN_SECONDS", 30)) * time.Second,
			MaxOpenPositions: getEnvInt("MAX_OPEN_POSITIONS", 5),
		},
		Filter: FilterConfig{
			MinConfidence:            strings.ToUpper(getEnv("MIN_CONFIDENCE", "MEDIUM")),
			MinPredictionProbability: getEnvFloat("MIN_PREDICTION_PROBABILITY", 0),
			SkipSymbols:              splitAndTrim(getEnv("SKIP_SYMBOLS", "NOTUSDT,BOMEUSDT")),
			SignalMaxAge:             getEnvDuration("SIGNAL_MAX_AGE", 60*time.Second),
			MaxSpreadPercent:         getEnvFloat("MAX_SPREAD_PERCENT", maxSpread),
			MinQuoteVolume:           getEnvFloat("MIN_QUOTE_VOLUME", minVolume),
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: getEnvDuration("RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:     getEnvDuration("RETRY_MAX_DELAY", 60*time.Second),
			BackoffBase:  getEnvFloat("RETRY_BACKOFF_BASE", 2),
			Jitter:       getEnv("RETRY_JITTER", "true") == "true",
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
		},

		Leverage:        getEnvInt("LEVERAGE", 10),
		PositionSizeUSD: getEnvFloat("POSITION_SIZE_USD", 10),
		ConfirmTimeout:  getEnvDuration("CONFIRM_TIMEOUT", 8*time.Second),
		WorkerPoolSize:  getEnvInt("WORKER_POOL_SIZE", 8),

		ReconcileSchedule:         getEnv("RECONCILE_SCHEDULE", "0 */5 * * * *"),
		ReconcileExecute:          getEnv("RECONCILE_EXECUTE", "false") == "true",
		ProtectionMonitorSchedule: getEnv("PROTECTION_MONITOR_SCHEDULE", "*/30 * * * * *"),
		EnableUserStream:          getEnv("ENABLE_USER_STREAM", "false") == "true",

		BalanceSyncInterval: getEnvDuration("BALANCE_SYNC_INTERVAL", time.Minute),

		SignalFeedAddr:      getEnv("SIGNAL_FEED_ADDR", ""),
		SignalBatchInterval: getEnvDuration("SIGNAL_BATCH_INTERVAL", 10*time.Second),
		SignalBatchSize:     getEnvInt("SIGNAL_BATCH_SIZE", 20),

		ProtectionProfilePath: os.Getenv("PROTECTION_PROFILE"),
	}

	if cfg.ProtectionProfilePath != "" {
		profile, err := LoadProtectionProfile(cfg.ProtectionProfilePath)
		if err != nil {
			return nil, fmt.Errorf("load protection profile: %w", err)
		}
		profile.Apply(&cfg.Protection)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveSecrets decrypts API secrets stored in encrypted form.
func (c *Config) resolveSecrets() error {
	fields := []*string{&c.Binance.APIKey, &c.Binance.APISecret, &c.Bybit.APIKey, &c.Bybit.APISecret}
	var enc *crypto.Encryptor
	for _, f := range fields {
		if !crypto.IsEncrypted(*f) {
			continue
		}
		if enc == nil {
			var err error
			enc, err = crypto.NewEncryptorFromBase64(c.MasterKey)
			if err != nil {
				return fmt.Errorf("encrypted credentials need MASTER_KEY: %w", err)
			}
		}
		plain, err := enc.Decrypt(*f)
		if err != nil {
			return fmt.Errorf("decrypt credentials: %w", err)
		}
		*f = plain
	}
	return nil
}

// Validate checks the configuration and reports every violation at once.
// It has no side effects.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Mode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		add("TRADING_MODE %q must be one of live, paper, backtest", c.Mode)
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		add("LEVERAGE %d must be within 1..125", c.Leverage)
	}
	p := c.Protection
	if p.StopLossPercent <= 0 || p.StopLossPercent >= 100 {
		add("STOP_LOSS_PERCENT %.2f must be within (0,100)", p.StopLossPercent)
	}
	if p.TakeProfitPercent < 0 || p.TakeProfitPercent > 1000 {
		add("TAKE_PROFIT_PERCENT %.2f must be within [0,1000]", p.TakeProfitPercent)
	}
	if p.TrailingCallbackRate <= 0 || p.TrailingCallbackRate > 10 {
		add("TRAILING_CALLBACK_RATE %.2f must be within (0,10]", p.TrailingCallbackRate)
	}
	if p.TrailingActivationPercent < 0 {
		add("TRAILING_ACTIVATION_PERCENT %.2f must not be negative", p.TrailingActivationPercent)
	}
	if p.TakerFeeRate < 0 || p.TakerFeeRate >= 0.01 {
		add("TAKER_FEE_RATE %.4f must be within [0,0.01)", p.TakerFeeRate)
	}
	if p.PartialTPEnabled {
		total := 0.0
		for _, l := range p.PartialTPLevels {
			if l.Percent <= 0 || l.SizePercent <= 0 {
				add("partial take-profit level %+v must be positive", l)
			}
			total += l.SizePercent
		}
		if total > 100.0001 {
			add("partial take-profit sizes sum to %.2f%%, above 100%%", total)
		}
	}
	if c.Risk.MaxDailyTrades < 1 {
		add("MAX_DAILY_TRADES must be positive")
	}
	if c.Risk.MaxDailyLossUSD <= 0 {
		add("MAX_DAILY_LOSS_USD must be positive")
	}
	if c.Risk.SignalCooldown < 0 {
		add("SIGNAL_COOLDOWN_SECONDS must not be negative")
	}
	if c.PositionSizeUSD <= 0 {
		add("POSITION_SIZE_USD must be positive")
	}
	if _, ok := ConfidenceRank(c.Filter.MinConfidence); !ok {
		add("MIN_CONFIDENCE %q must be LOW, MEDIUM or HIGH", c.Filter.MinConfidence)
	}
	if c.Retry.MaxAttempts < 1 {
		add("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Retry.BackoffBase < 1 {
		add("RETRY_BACKOFF_BASE must be at least 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		add("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	if !c.Binance.Enabled && !c.Bybit.Enabled {
		add("at least one exchange must be enabled")
	}
	if c.Mode == ModeLive {
		for _, ex := range []ExchangeConfig{c.Binance, c.Bybit} {
			if ex.Enabled && (ex.APIKey == "" || ex.APISecret == "") {
				add("%s API key/secret required in live mode", ex.Name)
			}
		}
		if c.JWTSecret == "dev-secret" {
			add("JWT_SECRET must be set in live mode")
		}
	}
	return errors.Join(errs...)
}

// Exchange returns the settings of the named venue.
func (c *Config) Exchange(name string) (ExchangeConfig, bool) {
	switch name {
	case c.Binance.Name:
		return c.Binance, true
	case c.Bybit.Name:
		return c.Bybit, true
	}
	return ExchangeConfig{}, false
}

// DefaultTPLevels is the partial take-profit ladder: 2%/33, 3%/33, 5%/34.
func DefaultTPLevels() []TPLevel {
	return []TPLevel{
		{Percent: 2, SizePercent: 33},
		{Percent: 3, SizePercent: 33},
		{Percent: 5, SizePercent: 34},
	}
}

// ConfidenceRank maps a confidence label to its rank (HIGH=3, MEDIUM=2, LOW=1).
func ConfidenceRank(label string) (int, bool) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "HIGH":
		return 3, true
	case "MEDIUM":
		return 2, true
	case "LOW":
		return 1, true
	}
	return 0, false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToUpper(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("500ms") or plain seconds ("30").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}

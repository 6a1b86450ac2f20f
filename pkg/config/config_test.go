package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"execution-core/pkg/crypto"
)

func validConfig() *Config {
	return &Config{
		Mode:      ModePaper,
		JWTSecret: "dev-secret",
		Binance:   ExchangeConfig{Name: "binance", Enabled: true},
		Bybit:     ExchangeConfig{Name: "bybit", Enabled: true},
		Protection: ProtectionConfig{
			StopLossPercent:           2,
			TrailingCallbackRate:      1.5,
			TrailingActivationPercent: 3.5,
			TakerFeeRate:              0.0006,
			PartialTPLevels:           DefaultTPLevels(),
		},
		Risk:            RiskConfig{MaxDailyTrades: 20, MaxDailyLossUSD: 100, SignalCooldown: 30 * time.Second, MaxOpenPositions: 5},
		Filter:          FilterConfig{MinConfidence: "MEDIUM"},
		Retry:           RetryConfig{MaxAttempts: 3, BackoffBase: 2},
		Breaker:         BreakerConfig{FailureThreshold: 5},
		Leverage:        10,
		PositionSizeUSD: 10,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults ok", func(c *Config) {}, ""},
		{"leverage zero", func(c *Config) { c.Leverage = 0 }, "LEVERAGE"},
		{"leverage too high", func(c *Config) { c.Leverage = 126 }, "LEVERAGE"},
		{"stop loss zero", func(c *Config) { c.Protection.StopLossPercent = 0 }, "STOP_LOSS_PERCENT"},
		{"stop loss 100", func(c *Config) { c.Protection.StopLossPercent = 100 }, "STOP_LOSS_PERCENT"},
		{"take profit negative", func(c *Config) { c.Protection.TakeProfitPercent = -1 }, "TAKE_PROFIT_PERCENT"},
		{"take profit above range", func(c *Config) { c.Protection.TakeProfitPercent = 1001 }, "TAKE_PROFIT_PERCENT"},
		{"bad mode", func(c *Config) { c.Mode = "yolo" }, "TRADING_MODE"},
		{"bad confidence", func(c *Config) { c.Filter.MinConfidence = "MAYBE" }, "MIN_CONFIDENCE"},
		{"live without keys", func(c *Config) { c.Mode = ModeLive; c.JWTSecret = "x" }, "API key/secret"},
		{"no exchange", func(c *Config) { c.Binance.Enabled = false; c.Bybit.Enabled = false }, "at least one exchange"},
		{"ladder over 100", func(c *Config) {
			c.Protection.PartialTPEnabled = true
			c.Protection.PartialTPLevels = []TPLevel{{Percent: 2, SizePercent: 60}, {Percent: 3, SizePercent: 60}}
		}, "above 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate()=%v, expected nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate()=%v, expected mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	c := validConfig()
	c.Leverage = 0
	c.Protection.StopLossPercent = 0
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "LEVERAGE") || !strings.Contains(err.Error(), "STOP_LOSS_PERCENT") {
		t.Fatalf("err=%v, expected both violations", err)
	}
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("STOP_LOSS_PERCENT", "3")
	t.Setenv("SIGNAL_COOLDOWN_SECONDS", "45")
	t.Setenv("PROTECTION_DELAY", "250ms")
	t.Setenv("SKIP_SYMBOLS", " fooUSDT, ,BARUSDT ")
	t.Setenv("BINANCE_TESTNET", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Protection.StopLossPercent != 3 {
		t.Fatalf("StopLossPercent=%v, expected 3", cfg.Protection.StopLossPercent)
	}
	if cfg.Risk.SignalCooldown != 45*time.Second {
		t.Fatalf("SignalCooldown=%v, expected 45s", cfg.Risk.SignalCooldown)
	}
	if cfg.Protection.PlacementDelay != 250*time.Millisecond {
		t.Fatalf("PlacementDelay=%v, expected 250ms", cfg.Protection.PlacementDelay)
	}
	if len(cfg.Filter.SkipSymbols) != 2 || cfg.Filter.SkipSymbols[0] != "FOOUSDT" {
		t.Fatalf("SkipSymbols=%v, expected [FOOUSDT BARUSDT]", cfg.Filter.SkipSymbols)
	}
	if cfg.Filter.MaxSpreadPercent != 10 || cfg.Filter.MinQuoteVolume != 10_000 {
		t.Fatalf("testnet filters=%v/%v, expected 10/10000", cfg.Filter.MaxSpreadPercent, cfg.Filter.MinQuoteVolume)
	}
	if cfg.Protection.TrailingCallbackRate != 1.5 || cfg.Protection.TrailingActivationPercent != 3.5 {
		t.Fatalf("trailing defaults=%v/%v", cfg.Protection.TrailingCallbackRate, cfg.Protection.TrailingActivationPercent)
	}
}

func TestLoadDecryptsSecrets(t *testing.T) {
	enc, err := crypto.NewEncryptorFromBase64("test master passphrase")
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	sealed, _ := enc.Encrypt("plain-secret")
	t.Setenv("MASTER_KEY", "test master passphrase")
	t.Setenv("BYBIT_API_SECRET", sealed)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bybit.APISecret != "plain-secret" {
		t.Fatalf("APISecret=%q, expected plain-secret", cfg.Bybit.APISecret)
	}

	t.Setenv("MASTER_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without MASTER_KEY")
	}
}

func TestProtectionProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protection.yaml")
	body := `
stop_loss_percent: 1.5
require_trailing_stop: true
placement_delay: 750ms
partial_take_profit:
  enabled: true
  levels:
    - {percent: 1, size_percent: 50}
    - {percent: 4, size_percent: 50}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadProtectionProfile(path)
	if err != nil {
		t.Fatalf("LoadProtectionProfile: %v", err)
	}
	pc := validConfig().Protection
	p.Apply(&pc)
	if pc.StopLossPercent != 1.5 || !pc.RequireTrailing || pc.PlacementDelay != 750*time.Millisecond {
		t.Fatalf("applied profile=%+v", pc)
	}
	if pc.TrailingCallbackRate != 1.5 {
		t.Fatalf("unset field overwritten: %v", pc.TrailingCallbackRate)
	}
	if !pc.PartialTPEnabled || len(pc.PartialTPLevels) != 2 || pc.PartialTPLevels[1].Percent != 4 {
		t.Fatalf("ladder=%+v", pc.PartialTPLevels)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(bad, []byte("placement_delay: soon\n"), 0o600)
	if _, err := LoadProtectionProfile(bad); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestConfidenceRank(t *testing.T) {
	for label, want := range map[string]int{"HIGH": 3, "medium": 2, " LOW ": 1} {
		got, ok := ConfidenceRank(label)
		if !ok || got != want {
			t.Fatalf("ConfidenceRank(%q)=%d,%v expected %d", label, got, ok, want)
		}
	}
	if _, ok := ConfidenceRank("none"); ok {
		t.Fatalf("unknown label accepted")
	}
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProtectionProfile is an optional YAML file overriding protection
// parameters. Unset fields keep their environment values.
//
//	stop_loss_percent: 2
//	trailing_callback_rate: 1.5
//	trailing_activation_percent: 3.5
//	take_profit_percent: 0
//	require_trailing_stop: true
//	placement_delay: 500ms
//	partial_take_profit:
//	  enabled: true
//	  levels:
//	    - {percent: 2, size_percent: 33}
type ProtectionProfile struct {
	StopLossPercent           *float64 `yaml:"stop_loss_percent"`
	TrailingCallbackRate      *float64 `yaml:"trailing_callback_rate"`
	TrailingActivationPercent *float64 `yaml:"trailing_activation_percent"`
	TakeProfitPercent         *float64 `yaml:"take_profit_percent"`
	RequireStopLoss           *bool    `yaml:"require_stop_loss"`
	RequireTrailing           *bool    `yaml:"require_trailing_stop"`
	PlacementDelay            string   `yaml:"placement_delay"`
	MaxPositionAge            string   `yaml:"max_position_age"`
	TakerFeeRate              *float64 `yaml:"taker_fee_rate"`
	PartialTakeProfit         *struct {
		Enabled bool      `yaml:"enabled"`
		Levels  []TPLevel `yaml:"levels"`
	} `yaml:"partial_take_profit"`
}

// LoadProtectionProfile reads a profile from path.
func LoadProtectionProfile(path string) (*ProtectionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p ProtectionProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if _, err := p.durations(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &p, nil
}

func (p *ProtectionProfile) durations() ([2]time.Duration, error) {
	var out [2]time.Duration
	for i, s := range []string{p.PlacementDelay, p.MaxPositionAge} {
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return out, err
		}
		out[i] = d
	}
	return out, nil
}

// Apply copies the set fields onto dst.
func (p *ProtectionProfile) Apply(dst *ProtectionConfig) {
	if p.StopLossPercent != nil {
		dst.StopLossPercent = *p.StopLossPercent
	}
	if p.TrailingCallbackRate != nil {
		dst.TrailingCallbackRate = *p.TrailingCallbackRate
	}
	if p.TrailingActivationPercent != nil {
		dst.TrailingActivationPercent = *p.TrailingActivationPercent
	}
	if p.TakeProfitPercent != nil {
		dst.TakeProfitPercent = *p.TakeProfitPercent
	}
	if p.RequireStopLoss != nil {
		dst.RequireStopLoss = *p.RequireStopLoss
	}
	if p.RequireTrailing != nil {
		dst.RequireTrailing = *p.RequireTrailing
	}
	if p.TakerFeeRate != nil {
		dst.TakerFeeRate = *p.TakerFeeRate
	}
	d, _ := p.durations()
	if p.PlacementDelay != "" {
		dst.PlacementDelay = d[0]
	}
	if p.MaxPositionAge != "" {
		dst.MaxPositionAge = d[1]
	}
	if p.PartialTakeProfit != nil {
		dst.PartialTPEnabled = p.PartialTakeProfit.Enabled
		if len(p.PartialTakeProfit.Levels) > 0 {
			dst.PartialTPLevels = append([]TPLevel(nil), p.PartialTakeProfit.Levels...)
		}
	}
}

package common

import (
	"testing"

	"github.com/shopspring/decimal"
)

func testInstrument() Instrument {
	return Instrument{
		Symbol:   "BTCUSDT",
		Trading:  true,
		StepSize: decimal.RequireFromString("0.001"),
		TickSize: decimal.RequireFromString("0.1"),
		MinQty:   decimal.RequireFromString("0.001"),
		MaxQty:   decimal.RequireFromString("1000"),
	}
}

func TestFormatQuantity(t *testing.T) {
	inst := testInstrument()
	tests := []struct {
		name     string
		qty      string
		want     string
		adjusted bool
	}{
		{"exact step", "0.123", "0.123", false},
		{"truncates never rounds up", "0.1239", "0.123", false},
		{"below min raised", "0.0004", "0.001", true},
		{"above max clamped", "5000.5", "1000", false},
		{"zero", "0", "0", false},
		{"negative", "-1", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, adjusted := FormatQuantity(decimal.RequireFromString(tt.qty), inst)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("FormatQuantity(%s)=%s, expected %s", tt.qty, got, tt.want)
			}
			if adjusted != tt.adjusted {
				t.Fatalf("adjusted=%v, expected %v", adjusted, tt.adjusted)
			}
		})
	}
}

func TestFormatQuantityIdempotent(t *testing.T) {
	instruments := []Instrument{
		testInstrument(),
		{StepSize: decimal.RequireFromString("1"), MinQty: decimal.RequireFromString("1")},
		{StepSize: decimal.RequireFromString("0.01"), MinQty: decimal.RequireFromString("0.05")},
		// minimum that is not a step multiple
		{StepSize: decimal.RequireFromString("0.1"), MinQty: decimal.RequireFromString("0.15")},
		{StepSize: decimal.Zero},
	}
	quantities := []string{"0.00001", "0.0004", "0.05", "0.149", "0.15", "1", "1.99999", "3.14159", "12345.6789"}

	for _, inst := range instruments {
		for _, q := range quantities {
			qty := decimal.RequireFromString(q)
			once, _ := FormatQuantity(qty, inst)
			twice, _ := FormatQuantity(once, inst)
			if !once.Equal(twice) {
				t.Fatalf("step=%s min=%s q=%s: format(format(q))=%s, expected %s", inst.StepSize, inst.MinQty, q, twice, once)
			}
			if inst.MinQty.IsPositive() && once.LessThan(inst.MinQty) {
				t.Fatalf("step=%s min=%s q=%s: format(q)=%s below min", inst.StepSize, inst.MinQty, q, once)
			}
		}
	}
}

func TestFormatPrice(t *testing.T) {
	inst := testInstrument()
	got := FormatPrice(decimal.RequireFromString("67123.456"), inst)
	if !got.Equal(decimal.RequireFromString("67123.4")) {
		t.Fatalf("FormatPrice=%s, expected 67123.4", got)
	}
	if up := RoundUpToStep(decimal.RequireFromString("100.111"), decimal.RequireFromString("0.01")); !up.Equal(decimal.RequireFromString("100.12")) {
		t.Fatalf("RoundUpToStep=%s, expected 100.12", up)
	}
}

func TestMeetsMinNotional(t *testing.T) {
	inst := testInstrument()
	inst.MinNotional = decimal.NewFromInt(5)
	buffer := decimal.RequireFromString("0.05")
	if MeetsMinNotional(decimal.RequireFromString("0.001"), decimal.NewFromInt(5100), inst, buffer) {
		t.Fatalf("5.1 notional should fail 5.25 threshold")
	}
	if !MeetsMinNotional(decimal.RequireFromString("0.001"), decimal.NewFromInt(5300), inst, buffer) {
		t.Fatalf("5.3 notional should pass 5.25 threshold")
	}
}

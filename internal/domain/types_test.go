package domain

import (
	"testing"
	"time"
)

func validOptions() StrategyOptions {
	return StrategyOptions{
		BuyIndicators:     map[string]Params{"SMA": {"period": 20}, "RSI": {"period": 14, "underbought": 30, "overbought": 70}},
		SellIndicators:    map[string]Params{"SMA": {"period": 20}},
		MainBuyIndicator:  "SMA",
		MainSellIndicator: "SMA",
		Expiration:        5,
	}
}

func TestValidate(t *testing.T) {
	opts := validOptions()
	if err := opts.Validate(); err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}
	if opts.Timeframe != Timeframe1Day {
		t.Errorf("Timeframe = %q, want %q", opts.Timeframe, Timeframe1Day)
	}

	opts = validOptions()
	opts.MainBuyIndicator = "MACD"
	if err := opts.Validate(); err == nil {
		t.Error("Validate() should reject a main buy indicator outside the buy set")
	}

	opts = validOptions()
	opts.MainSellIndicator = "RSI"
	if err := opts.Validate(); err == nil {
		t.Error("Validate() should reject a main sell indicator outside the sell set")
	}

	opts = validOptions()
	opts.Timeframe = "5Min"
	if err := opts.Validate(); err == nil {
		t.Error("Validate() should reject an unknown timeframe")
	}
}

func TestMargin(t *testing.T) {
	opts := validOptions()
	// RSI params sum to 114.
	if got := opts.Margin(); got != 214 {
		t.Errorf("Margin() = %d, want %d", got, 214)
	}
}

func TestDaysBetween(t *testing.T) {
	d1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		b    time.Time
		want int
	}{
		{"same", d1, 0},
		{"one day", d1.AddDate(0, 0, 1), 1},
		{"rounds up", d1.Add(36 * time.Hour), 2},
		{"rounds down", d1.Add(35 * time.Hour), 1},
		{"reversed", d1.AddDate(0, 0, -3), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DaysBetween(d1, tt.b); got != tt.want {
				t.Errorf("DaysBetween = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOptimizeOptionsValidate(t *testing.T) {
	ok := OptimizeOptions{StartStoploss: 0, EndStoploss: 1, StrideStoploss: 1, StartRatio: 1, EndRatio: 3, StrideRatio: 1}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}
	bad := ok
	bad.StrideRatio = 0
	if err := bad.Validate(); err == nil {
		t.Error("Validate() should reject a zero stride")
	}
}

func TestSymbolResultEmpty(t *testing.T) {
	r := SymbolResult{}
	if !r.Empty() {
		t.Error("zero-value SymbolResult should be empty")
	}
	r.Faulty = true
	if r.Empty() {
		t.Error("faulty SymbolResult should not be empty")
	}
}

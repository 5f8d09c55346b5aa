// Package indicator implements the technical indicators a strategy is built
// from. Each indicator is computed once per symbol series and then answers
// point queries by day index.
package indicator

import (
	"fmt"
	"math"
	"sort"

	"backtester/internal/domain"
	"backtester/internal/prices"
)

// Signal is the action an indicator recommends on a given day.
type Signal int

const (
	None Signal = iota
	Buy
	Sell
	Stop
)

func (s Signal) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	case Stop:
		return "STOP"
	default:
		return "NONE"
	}
}

// Kind names an indicator variant.
type Kind string

const (
	KindSMA        Kind = "SMA"
	KindEMA        Kind = "EMA"
	KindRSI        Kind = "RSI"
	KindMACD       Kind = "MACD"
	KindMACD2      Kind = "MACD2"
	KindGC         Kind = "GC"
	KindADX        Kind = "ADX"
	KindSolid      Kind = "Solid"
	KindCandle     Kind = "Candle"
	KindStructure  Kind = "Structure"
	KindATR        Kind = "ATR"
	KindHigh       Kind = "High"
	KindPullback   Kind = "Pullback"
	KindBreakout   Kind = "Breakout"
	KindDivergence Kind = "Divergence"
	KindStochastic Kind = "Stochastic"
	KindTrend      Kind = "Trend"
)

var constructors = map[Kind]func(domain.Params, *prices.Series) Indicator{
	KindSMA:        newSMA,
	KindEMA:        newEMA,
	KindRSI:        newRSI,
	KindMACD:       newMACD,
	KindMACD2:      newMACD2,
	KindGC:         newGC,
	KindADX:        newADX,
	KindSolid:      newSolid,
	KindCandle:     newCandle,
	KindStructure:  newStructure,
	KindATR:        newATR,
	KindHigh:       newHigh,
	KindPullback:   newPullback,
	KindBreakout:   newBreakout,
	KindDivergence: newDivergence,
	KindStochastic: newStochastic,
	KindTrend:      newTrend,
}

// ParseKind validates an indicator name.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if _, ok := constructors[k]; !ok {
		return "", fmt.Errorf("unknown indicator %q", name)
	}
	return k, nil
}

// Kinds returns every supported indicator kind, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(constructors))
	for k := range constructors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Indicator is a per-symbol computed indicator.
type Indicator interface {
	Kind() Kind
	// Value returns the indicator's scalar value on day, NaN when undefined.
	Value(day int) float64
	// Action returns the signal for day. isMain selects the stricter entry
	// rule some indicators apply when they drive the strategy.
	Action(day int, isMain bool) Signal
	// Graph returns the named series backing the indicator for charting.
	Graph() map[string][]float64
}

// Fielder is implemented by indicators whose value has several components.
type Fielder interface {
	Fields(day int) map[string]float64
}

// Factory builds an indicator for a series. Tests substitute their own.
type Factory func(kind Kind, params domain.Params, s *prices.Series) (Indicator, error)

// New is the default Factory.
func New(kind Kind, params domain.Params, s *prices.Series) (Indicator, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("unknown indicator %q", kind)
	}
	return ctor(params, s), nil
}

// ValidateOptions checks that every indicator named by opts is supported.
func ValidateOptions(opts *domain.StrategyOptions) error {
	for _, set := range []map[string]domain.Params{opts.BuyIndicators, opts.SellIndicators} {
		for name := range set {
			if _, err := ParseKind(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers shared by the variants
// ---------------------------------------------------------------------------

func intParam(p domain.Params, key string, def int) int {
	if v, ok := p[key]; ok && v > 0 {
		return int(v)
	}
	return def
}

func floatParam(p domain.Params, key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// at returns xs[i], or NaN when i is out of range.
func at(xs []float64, i int) float64 {
	if i < 0 || i >= len(xs) {
		return math.NaN()
	}
	return xs[i]
}

func crossed(a []float64, b []float64, day int, up bool) bool {
	if day < 1 {
		return false
	}
	a1, a2, b1, b2 := at(a, day-1), at(a, day), at(b, day-1), at(b, day)
	if math.IsNaN(a1) || math.IsNaN(a2) || math.IsNaN(b1) || math.IsNaN(b2) {
		return false
	}
	return prices.IsCrossed(a1, a2, b1, b2, up)
}

func crossedLevel(a []float64, level float64, day int, up bool) bool {
	if day < 1 {
		return false
	}
	a1, a2 := at(a, day-1), at(a, day)
	if math.IsNaN(a1) || math.IsNaN(a2) || math.IsNaN(level) {
		return false
	}
	return prices.IsCrossed(a1, a2, level, level, up)
}

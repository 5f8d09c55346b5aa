// Package domain defines the core types shared across the backtester: bars,
// strategy options, trade events, holdings and backtest results.
package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Timeframe is the bar granularity a strategy runs on.
type Timeframe string

const (
	Timeframe1Day  Timeframe = "1Day"
	Timeframe1Hour Timeframe = "1Hour"
)

// Bar is a single OHLCV bar.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// ---------------------------------------------------------------------------
// Strategy options
// ---------------------------------------------------------------------------

// Params holds the numeric parameters of one indicator, e.g. {"period": 14}.
type Params map[string]float64

// Sum adds up every parameter value.
func (p Params) Sum() float64 {
	var s float64
	for _, v := range p {
		s += v
	}
	return s
}

// StrategyOptions is the immutable configuration of one backtest. Numeric
// fields left at zero are treated as unset.
type StrategyOptions struct {
	BuyIndicators     map[string]Params `json:"buyIndicators"`
	SellIndicators    map[string]Params `json:"sellIndicators"`
	MainBuyIndicator  string            `json:"mainBuyIndicator"`
	MainSellIndicator string            `json:"mainSellIndicator"`
	MinVolume         float64           `json:"minVolume"`
	MaxDays           int               `json:"maxDays"`
	Expiration        int               `json:"expiration"`
	Timeframe         Timeframe         `json:"timeframe"`
	StoplossATR       float64           `json:"stopLossAtr,omitempty"`
	RiskRewardRatio   float64           `json:"riskRewardRatio,omitempty"`
	TrailingStop      bool              `json:"trailingStop,omitempty"`
	StoplossSwing     bool              `json:"stoplossSwing,omitempty"`
	HighPeriod        int               `json:"highPeriod,omitempty"`
	MultipleBuys      bool              `json:"multipleBuys,omitempty"`
	LimitOrder        bool              `json:"limitOrder,omitempty"`
	Symbols           []string          `json:"symbols,omitempty"`
}

// Validate checks the options for structural errors. Indicator kind names are
// checked by the indicator package.
func (o *StrategyOptions) Validate() error {
	if len(o.BuyIndicators) == 0 {
		return errors.New("no buy indicators")
	}
	if len(o.SellIndicators) == 0 {
		return errors.New("no sell indicators")
	}
	if _, ok := o.BuyIndicators[o.MainBuyIndicator]; !ok {
		return fmt.Errorf("main buy indicator %q is not a buy indicator", o.MainBuyIndicator)
	}
	if _, ok := o.SellIndicators[o.MainSellIndicator]; !ok {
		return fmt.Errorf("main sell indicator %q is not a sell indicator", o.MainSellIndicator)
	}
	switch o.Timeframe {
	case "":
		o.Timeframe = Timeframe1Day
	case Timeframe1Day, Timeframe1Hour:
	default:
		return fmt.Errorf("unknown timeframe %q", o.Timeframe)
	}
	if o.MaxDays < 0 || o.Expiration < 0 {
		return errors.New("maxDays and expiration must not be negative")
	}
	return nil
}

// Margin is the number of look-back bars an incremental update must keep in
// front of the resume point so that every indicator can warm up again.
func (o *StrategyOptions) Margin() int {
	var m float64
	for _, set := range []map[string]Params{o.BuyIndicators, o.SellIndicators} {
		for _, p := range set {
			m = math.Max(m, p.Sum())
		}
	}
	return int(m) + 100
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

// Reason explains why a position was closed.
type Reason string

const (
	ReasonIndicator Reason = "indicator"
	ReasonStoploss  Reason = "stoploss"
	ReasonTarget    Reason = "target"
	ReasonOverdue   Reason = "overdue"
)

// StoplossTarget is the mutable risk state of one open position.
type StoplossTarget struct {
	InitStoploss    float64 `json:"initStoploss,omitempty"`
	Stoploss        float64 `json:"stoploss,omitempty"`
	Target          float64 `json:"target,omitempty"`
	Risk            float64 `json:"risk,omitempty"`
	MidPoint        float64 `json:"midPoint,omitempty"`
	MidPointReached bool    `json:"midPointReached,omitempty"`
}

// Event is a closed trade.
type Event struct {
	BuyDate       time.Time `json:"buyDate"`
	SellDate      time.Time `json:"sellDate"`
	BuyPrice      float64   `json:"buyPrice"`
	SellPrice     float64   `json:"sellPrice"`
	Span          int       `json:"span"`
	Profit        float64   `json:"profit"`
	PercentProfit float64   `json:"percentProfit"`
	Reason        Reason    `json:"reason"`
	Risk          float64   `json:"risk,omitempty"`
}

// Holding is a position still open at the end of the walk.
type Holding struct {
	BuyDate        time.Time      `json:"buyDate"`
	BuyPrice       float64        `json:"buyPrice"`
	StoplossTarget StoplossTarget `json:"stoplossTarget"`
}

// SymbolResult is the outcome of simulating one symbol.
type SymbolResult struct {
	Profit        float64   `json:"profit"`
	PercentProfit float64   `json:"percentProfit"`
	Events        []Event   `json:"events"`
	Holdings      []Holding `json:"holdings"`
	Faulty        bool      `json:"faulty,omitempty"`
}

// Empty reports whether the result carries nothing worth persisting.
func (r *SymbolResult) Empty() bool {
	return len(r.Events) == 0 && len(r.Holdings) == 0 && !r.Faulty
}

// ---------------------------------------------------------------------------
// Backtest results
// ---------------------------------------------------------------------------

// Status is the lifecycle state of a stored backtest.
type Status string

const (
	StatusRunning  Status = "running"
	StatusUpdating Status = "updating"
	StatusReady    Status = "ready"
)

// Optimized links optimized grid cells to their base backtest. On a base
// result IDs lists the generated cells, on a cell Base names its parent.
type Optimized struct {
	Base string   `json:"base,omitempty"`
	IDs  []string `json:"ids,omitempty"`
}

// BacktestResult is a complete stored backtest.
type BacktestResult struct {
	ID              string                  `json:"id"`
	StrategyOptions StrategyOptions         `json:"strategyOptions"`
	SymbolData      map[string]SymbolResult `json:"symbolData"`
	Created         time.Time               `json:"created"`
	LastUpdated     time.Time               `json:"lastUpdated"`
	Status          Status                  `json:"status,omitempty"`
	Optimized       *Optimized              `json:"_optimized,omitempty"`
}

// OptimizeOptions spans the stoploss/ratio grid searched by the optimizer.
type OptimizeOptions struct {
	StartStoploss  float64 `json:"startStoploss"`
	EndStoploss    float64 `json:"endStoploss"`
	StrideStoploss float64 `json:"strideStoploss"`
	StartRatio     float64 `json:"startRatio"`
	EndRatio       float64 `json:"endRatio"`
	StrideRatio    float64 `json:"strideRatio"`
}

// Validate rejects grids that would never terminate.
func (o OptimizeOptions) Validate() error {
	if o.StrideStoploss <= 0 || o.StrideRatio <= 0 {
		return errors.New("strides must be positive")
	}
	if o.EndStoploss < o.StartStoploss || o.EndRatio < o.StartRatio {
		return errors.New("grid end must not be before grid start")
	}
	return nil
}

// CaptureRow is one buy event with the diagnostic indicator values observed
// on its buy date.
type CaptureRow struct {
	Indicators    []float64 `json:"indicators"`
	PercentProfit float64   `json:"percentProfit"`
	BuyDate       time.Time `json:"buyDate"`
}

// IndicatorCapture is the per-symbol output of an indicator capture pass.
type IndicatorCapture struct {
	Fields []string     `json:"fields"`
	Data   []CaptureRow `json:"data"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// DaysBetween returns the whole number of days between two instants,
// rounded to the nearest day.
func DaysBetween(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(math.Round(d.Hours() / 24))
}

// Package risk computes stoploss and target levels for open positions and
// decides when a position must be closed early.
package risk

import (
	"math"
	"time"

	"backtester/internal/domain"
	"backtester/internal/prices"
)

// swingLookback is how many bars before the buy the swing-low anchor scans.
const swingLookback = 7

// Settings selects how levels are derived. The Use flags distinguish an
// explicit zero (a valid grid value) from "not configured".
type Settings struct {
	UseATR       bool
	StoplossATR  float64
	UseRatio     bool
	Ratio        float64
	TrailingStop bool
	Swing        bool
}

// SettingsFrom reads the risk settings of a strategy. Zero means unset.
func SettingsFrom(opts *domain.StrategyOptions) Settings {
	return Settings{
		UseATR:       opts.StoplossATR != 0,
		StoplossATR:  opts.StoplossATR,
		UseRatio:     opts.RiskRewardRatio != 0,
		Ratio:        opts.RiskRewardRatio,
		TrailingStop: opts.TrailingStop,
		Swing:        opts.StoplossSwing,
	}
}

// Levels computes the risk entry for a position bought on day at buyPrice.
// atr is the ATR value on the buy day.
func Levels(set Settings, s *prices.Series, atr float64, day int, buyPrice float64) domain.StoplossTarget {
	var e domain.StoplossTarget
	if set.UseATR && !math.IsNaN(atr) {
		low := s.Low[day]
		if set.Swing {
			for i := day - 1; i >= max(0, day-swingLookback); i-- {
				low = math.Min(low, s.Low[i])
			}
		}
		e.Stoploss = low - set.StoplossATR*atr
		e.InitStoploss = e.Stoploss
	}
	if e.Stoploss != 0 && set.UseRatio {
		e.Target = buyPrice + set.Ratio*(buyPrice-e.Stoploss)
	}
	if e.Stoploss != 0 {
		e.Risk = (buyPrice - e.Stoploss) / buyPrice * 100
	}
	if e.Target != 0 && set.TrailingStop {
		e.MidPoint = (e.Target + buyPrice) / 2
	}
	return e
}

// Accept reports whether a position may open given the trailing high
// ceiling. A missing ceiling or target always passes.
func Accept(e domain.StoplossTarget, ceiling float64) bool {
	if e.Target == 0 || math.IsNaN(ceiling) || ceiling == 0 {
		return true
	}
	return e.Target <= ceiling
}

// ---------------------------------------------------------------------------
// Book
// ---------------------------------------------------------------------------

// Key identifies one position.
type Key struct {
	Symbol  string
	BuyDate int64 // Unix ms
}

// KeyFor builds the Key for a position.
func KeyFor(symbol string, buyDate time.Time) Key {
	return Key{Symbol: symbol, BuyDate: buyDate.UnixMilli()}
}

// Book owns the mutable risk state of open positions. An entry is inserted
// when a position opens and deleted when it closes.
type Book struct {
	entries map[Key]*domain.StoplossTarget
}

// NewBook returns an empty Book.
func NewBook() *Book {
	return &Book{entries: make(map[Key]*domain.StoplossTarget)}
}

// Insert stores a copy of e under k and returns the stored entry.
func (b *Book) Insert(k Key, e domain.StoplossTarget) *domain.StoplossTarget {
	stored := e
	b.entries[k] = &stored
	return &stored
}

// Get returns the entry for k.
func (b *Book) Get(k Key) (*domain.StoplossTarget, bool) {
	e, ok := b.entries[k]
	return e, ok
}

// Delete removes the entry for k.
func (b *Book) Delete(k Key) {
	delete(b.entries, k)
}

// Len returns the number of open entries.
func (b *Book) Len() int { return len(b.entries) }

// ---------------------------------------------------------------------------
// Exits
// ---------------------------------------------------------------------------

// Exit is a forced close decided by the overlay.
type Exit struct {
	Reason domain.Reason
	Price  float64
}

// Check evaluates one open position on day. A target hit is overridden by a
// stoploss hit on the same bar, and an overdue position closes at the day's
// close regardless. Reaching the trailing midpoint moves the stoploss to the
// buy price without closing. Positions are never closed on their buy day.
func Check(e *domain.StoplossTarget, s *prices.Series, day int, buyDate time.Time, buyPrice float64, maxDays int) (Exit, bool) {
	if !s.Dates[day].After(buyDate) {
		return Exit{}, false
	}
	var (
		exit Exit
		ok   bool
	)
	high, low := s.High[day], s.Low[day]
	if e.Target != 0 && high > e.Target {
		exit, ok = Exit{Reason: domain.ReasonTarget, Price: e.Target}, true
	}
	if e.Stoploss != 0 && low < e.Stoploss {
		exit, ok = Exit{Reason: domain.ReasonStoploss, Price: e.Stoploss}, true
	}
	if e.MidPoint != 0 && !e.MidPointReached && high > e.MidPoint {
		e.MidPointReached = true
		e.Stoploss = buyPrice
	}
	if maxDays > 0 && domain.DaysBetween(buyDate, s.Dates[day]) > maxDays {
		exit, ok = Exit{Reason: domain.ReasonOverdue, Price: s.Close[day]}, true
	}
	return exit, ok
}

// EarlyExits checks every holding of symbol on day and returns the forced
// exits keyed by holding position. Holdings without a book entry, such as
// those carried over from a previous run, are entered from their stored
// StoplossTarget first.
func EarlyExits(b *Book, symbol string, holdings []domain.Holding, s *prices.Series, day, maxDays int) map[int]Exit {
	var exits map[int]Exit
	for i, h := range holdings {
		k := KeyFor(symbol, h.BuyDate)
		e, ok := b.Get(k)
		if !ok {
			e = b.Insert(k, h.StoplossTarget)
		}
		if exit, hit := Check(e, s, day, h.BuyDate, h.BuyPrice, maxDays); hit {
			if exits == nil {
				exits = make(map[int]Exit)
			}
			exits[i] = exit
		}
	}
	return exits
}

// Profit returns the absolute and fractional profit of a closed position.
// With a trailing midpoint the realized move is blended: a target exit
// keeps 75% of the move, a stoploss exit after the midpoint keeps half of
// the midpoint move, and any other exit after the midpoint averages the full
// move with the midpoint move.
func Profit(buyPrice, sellPrice float64, e *domain.StoplossTarget, reason domain.Reason) (profit, pct float64) {
	profit = sellPrice - buyPrice
	if e != nil && e.MidPoint != 0 {
		switch {
		case reason == domain.ReasonTarget:
			profit = (sellPrice - buyPrice) * .75
		case reason == domain.ReasonStoploss && e.MidPointReached:
			profit = (e.MidPoint - buyPrice) * .5
		case e.MidPointReached:
			profit = (sellPrice - buyPrice + e.MidPoint - buyPrice) * .5
		}
	}
	return profit, profit / buyPrice
}

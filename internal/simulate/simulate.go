// Package simulate walks one symbol's price series through a strategy and
// records every trade it would have made.
package simulate

import (
	"fmt"
	"sort"
	"time"

	"backtester/internal/domain"
	"backtester/internal/indicator"
	"backtester/internal/prices"
	"backtester/internal/risk"
)

// ATRPeriod is the ATR window used to size stoplosses.
const ATRPeriod = 12

// Input is everything needed to simulate one symbol.
type Input struct {
	Symbol  string
	Series  *prices.Series
	Options *domain.StrategyOptions

	// Previous and LastUpdated are set for an incremental update. A zero
	// LastUpdated runs the whole series.
	Previous    *domain.SymbolResult
	LastUpdated time.Time

	// Factory builds indicators; nil selects indicator.New.
	Factory indicator.Factory
}

// arm tracks one side of the state machine: a main indicator that latches
// the arm and supporting indicators that must each agree before the
// countdown runs out.
type arm struct {
	main       indicator.Indicator
	supporting []indicator.Indicator
	agreed     []bool
	expiration int
	countdown  int
	armed      bool
}

func newArm(factory indicator.Factory, set map[string]domain.Params, main string, s *prices.Series, expiration int) (*arm, error) {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	a := &arm{expiration: expiration, countdown: expiration}
	for _, name := range names {
		ind, err := factory(indicator.Kind(name), set[name], s)
		if err != nil {
			return nil, fmt.Errorf("building %s: %w", name, err)
		}
		if name == main {
			a.main = ind
			continue
		}
		a.supporting = append(a.supporting, ind)
	}
	if a.main == nil {
		return nil, fmt.Errorf("main indicator %q not configured", main)
	}
	a.agreed = make([]bool, len(a.supporting))
	return a, nil
}

// consensus latches every supporting indicator that signals want on day and
// reports whether all of them have agreed since the arm was latched.
func (a *arm) consensus(day int, want indicator.Signal) bool {
	all := true
	for i, ind := range a.supporting {
		if ind.Action(day, false) == want {
			a.agreed[i] = true
		}
		all = all && a.agreed[i]
	}
	return all
}

// miss counts down a day without consensus. A zero expiration never expires.
func (a *arm) miss() {
	a.countdown--
	if a.countdown == 0 {
		a.reset()
	}
}

func (a *arm) reset() {
	a.armed = false
	a.countdown = a.expiration
	for i := range a.agreed {
		a.agreed[i] = false
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run simulates one symbol. Prior events, holdings and profit carry over from
// in.Previous and only days after the resume point are walked. A day with a
// missing close halts the walk and flags the result faulty.
func Run(in Input) (domain.SymbolResult, error) {
	opts := in.Options
	s := in.Series
	factory := in.Factory
	if factory == nil {
		factory = indicator.New
	}

	buy, err := newArm(factory, opts.BuyIndicators, opts.MainBuyIndicator, s, opts.Expiration)
	if err != nil {
		return domain.SymbolResult{}, err
	}
	sell, err := newArm(factory, opts.SellIndicators, opts.MainSellIndicator, s, opts.Expiration)
	if err != nil {
		return domain.SymbolResult{}, err
	}
	atr, err := factory(indicator.KindATR, domain.Params{"period": ATRPeriod}, s)
	if err != nil {
		return domain.SymbolResult{}, err
	}
	var high indicator.Indicator
	if opts.HighPeriod > 0 {
		if high, err = factory(indicator.KindHigh, domain.Params{"period": float64(opts.HighPeriod)}, s); err != nil {
			return domain.SymbolResult{}, err
		}
	}

	w := &walk{
		symbol:   in.Symbol,
		s:        s,
		opts:     opts,
		settings: risk.SettingsFrom(opts),
		book:     risk.NewBook(),
	}
	if in.Previous != nil {
		w.carry(in.Previous)
	}
	start := w.after()
	if !in.LastUpdated.IsZero() {
		start = max(start, s.ResumeIndex(in.LastUpdated))
	}

	for day := start; day < s.Len(); day++ {
		if !s.Valid(day) {
			w.faulty = true
			break
		}
		w.buyStep(day, buy, atr, high)
		w.sellStep(day, sell)
	}
	return w.result(), nil
}

type walk struct {
	symbol   string
	s        *prices.Series
	opts     *domain.StrategyOptions
	settings risk.Settings
	book     *risk.Book

	events   []domain.Event
	holdings []domain.Holding
	profit   float64
	pctSum   float64
	faulty   bool
}

func (w *walk) carry(prev *domain.SymbolResult) {
	w.events = append(w.events, prev.Events...)
	w.profit = prev.Profit
	w.pctSum = prev.PercentProfit * float64(len(prev.Events))
	for _, h := range prev.Holdings {
		if h.BuyPrice == 0 {
			if i, ok := w.s.IndexOf(h.BuyDate); ok {
				h.BuyPrice = w.s.Close[i]
			}
		}
		w.holdings = append(w.holdings, h)
		w.book.Insert(risk.KeyFor(w.symbol, h.BuyDate), h.StoplossTarget)
	}
}

// after returns the first index strictly after every recorded sell and buy,
// so a resumed walk never replays a day it already acted on.
func (w *walk) after() int {
	var last time.Time
	for _, e := range w.events {
		if e.SellDate.After(last) {
			last = e.SellDate
		}
	}
	for _, h := range w.holdings {
		if h.BuyDate.After(last) {
			last = h.BuyDate
		}
	}
	if last.IsZero() {
		return 0
	}
	for i, d := range w.s.Dates {
		if d.After(last) {
			return i
		}
	}
	return w.s.Len()
}

func (w *walk) buyStep(day int, buy *arm, atr, high indicator.Indicator) {
	if buy.main.Action(day, true) == indicator.Buy && w.s.Volume[day] >= w.opts.MinVolume {
		buy.armed = true
	}
	if !buy.armed {
		return
	}
	if !buy.consensus(day, indicator.Buy) || (len(w.holdings) > 0 && !w.opts.MultipleBuys) {
		buy.miss()
		return
	}

	price := w.s.Close[day]
	entry := risk.Levels(w.settings, w.s, atr.Value(day), day, price)
	// rejected by the ceiling: the arm stays latched and the day's exits
	// still run
	if high != nil && !risk.Accept(entry, high.Value(day)) {
		return
	}
	date := w.s.Dates[day]
	w.book.Insert(risk.KeyFor(w.symbol, date), entry)
	w.holdings = append(w.holdings, domain.Holding{BuyDate: date, BuyPrice: price, StoplossTarget: entry})
	buy.reset()
}

func (w *walk) sellStep(day int, sell *arm) {
	exits := risk.EarlyExits(w.book, w.symbol, w.holdings, w.s, day, w.opts.MaxDays)

	if sell.main.Action(day, true) == indicator.Sell && len(w.holdings) > 0 {
		sell.armed = true
	}
	indicatorSell := false
	if sell.armed {
		indicatorSell = sell.consensus(day, indicator.Sell)
		// a day with early exits closes the pending sell signal as well
		if indicatorSell || len(exits) > 0 {
			sell.reset()
		} else {
			sell.miss()
		}
	}
	if len(exits) == 0 && !indicatorSell {
		return
	}

	date := w.s.Dates[day]
	kept := make([]domain.Holding, 0, len(w.holdings))
	for i, h := range w.holdings {
		exit, early := exits[i]
		switch {
		case early:
		case indicatorSell && date.After(h.BuyDate):
			exit = risk.Exit{Reason: domain.ReasonIndicator, Price: w.s.Close[day]}
		default:
			kept = append(kept, h)
			continue
		}
		w.close(h, day, exit)
	}
	w.holdings = kept
}

func (w *walk) close(h domain.Holding, day int, exit risk.Exit) {
	k := risk.KeyFor(w.symbol, h.BuyDate)
	entry, _ := w.book.Get(k)
	w.book.Delete(k)

	sellPrice := w.s.Close[day]
	if w.opts.LimitOrder && exit.Reason != domain.ReasonIndicator {
		sellPrice = exit.Price
	}
	profit, pct := risk.Profit(h.BuyPrice, sellPrice, entry, exit.Reason)
	ev := domain.Event{
		BuyDate:       h.BuyDate,
		SellDate:      w.s.Dates[day],
		BuyPrice:      h.BuyPrice,
		SellPrice:     sellPrice,
		Span:          domain.DaysBetween(h.BuyDate, w.s.Dates[day]),
		Profit:        profit,
		PercentProfit: pct,
		Reason:        exit.Reason,
	}
	if entry != nil && entry.Stoploss != 0 {
		ev.Risk = entry.Risk
	}
	w.events = append(w.events, ev)
	w.profit += profit
	w.pctSum += pct
}

func (w *walk) result() domain.SymbolResult {
	sort.SliceStable(w.events, func(i, j int) bool {
		return w.events[i].BuyDate.Before(w.events[j].BuyDate)
	})
	// Risk state mutated during the walk (trailing promotions) is written
	// back so a later update resumes from it.
	holdings := make([]domain.Holding, len(w.holdings))
	for i, h := range w.holdings {
		if e, ok := w.book.Get(risk.KeyFor(w.symbol, h.BuyDate)); ok {
			h.StoplossTarget = *e
		}
		holdings[i] = h
	}
	if w.events == nil {
		w.events = []domain.Event{}
	}
	r := domain.SymbolResult{
		Profit:   w.profit,
		Events:   w.events,
		Holdings: holdings,
		Faulty:   w.faulty,
	}
	if len(w.events) > 0 {
		r.PercentProfit = w.pctSum / float64(len(w.events))
	}
	return r
}

package optimize

import (
	"sort"

	"backtester/internal/domain"
	"backtester/internal/indicator"
	"backtester/internal/prices"
	"backtester/internal/risk"
	"backtester/internal/simulate"
)

// SymbolInput is one symbol of a base backtest to re-evaluate.
type SymbolInput struct {
	Symbol  string
	Series  *prices.Series
	Options *domain.StrategyOptions
	Base    domain.SymbolResult
	Cells   []Cell

	// Factory builds indicators; nil selects indicator.New.
	Factory indicator.Factory
}

// cellState accumulates one cell's outcome for a symbol.
type cellState struct {
	settings risk.Settings
	events   []domain.Event
	holdings []domain.Holding
	profit   float64
	pctSum   float64
}

func (c *cellState) add(ev domain.Event) {
	c.events = append(c.events, ev)
	c.profit += ev.Profit
	c.pctSum += ev.PercentProfit
}

// StoplossTarget replays the base result of one symbol under every cell's
// stoploss and ratio. The result slice is parallel to in.Cells.
//
// Events closed by the sell indicator are parameter independent and are
// carried into every cell unchanged. Every other event is re-levelled per
// cell and walked forward from its buy day once, tracking one open flag per
// cell. A sell signal from the main sell indicator closes every open cell;
// otherwise each cell exits on its own stoploss, target or age. Cells still
// open when the series ends become holdings.
func StoplossTarget(in SymbolInput) ([]domain.SymbolResult, error) {
	s := in.Series
	factory := in.Factory
	if factory == nil {
		factory = indicator.New
	}
	mainSell, err := factory(indicator.Kind(in.Options.MainSellIndicator), in.Options.SellIndicators[in.Options.MainSellIndicator], s)
	if err != nil {
		return nil, err
	}
	atr, err := factory(indicator.KindATR, domain.Params{"period": simulate.ATRPeriod}, s)
	if err != nil {
		return nil, err
	}
	var high indicator.Indicator
	if in.Options.HighPeriod > 0 {
		if high, err = factory(indicator.KindHigh, domain.Params{"period": float64(in.Options.HighPeriod)}, s); err != nil {
			return nil, err
		}
	}

	// The main sell indicator is queried once per day, in order.
	sells := make([]bool, s.Len())
	for day := range sells {
		sells[day] = mainSell.Action(day, true) == indicator.Sell
	}

	cells := make([]*cellState, len(in.Cells))
	for i, c := range in.Cells {
		set := risk.SettingsFrom(in.Options)
		set.UseATR, set.StoplossATR = true, c.Stoploss.InexactFloat64()
		set.UseRatio, set.Ratio = true, c.Ratio.InexactFloat64()
		cells[i] = &cellState{settings: set}
	}

	levels := func(c *cellState, buyIdx int, buyPrice float64) (domain.StoplossTarget, bool) {
		e := risk.Levels(c.settings, s, atr.Value(buyIdx), buyIdx, buyPrice)
		if high != nil && !risk.Accept(e, high.Value(buyIdx)) {
			return e, false
		}
		return e, true
	}

	for _, ev := range in.Base.Events {
		if ev.Reason == domain.ReasonIndicator {
			for _, c := range cells {
				c.add(ev)
			}
			continue
		}
		buyIdx, ok := s.IndexOf(ev.BuyDate)
		if !ok {
			continue
		}
		buyPrice := s.Close[buyIdx]

		entries := make([]domain.StoplossTarget, len(cells))
		open := make([]bool, len(cells))
		remaining := 0
		for i, c := range cells {
			if entries[i], open[i] = levels(c, buyIdx, buyPrice); open[i] {
				remaining++
			}
		}

		for day := buyIdx + 1; day < s.Len() && remaining > 0; day++ {
			if !s.Valid(day) {
				break
			}
			for i, c := range cells {
				if !open[i] {
					continue
				}
				exit, hit := risk.Exit{Reason: domain.ReasonIndicator, Price: s.Close[day]}, sells[day]
				if !hit {
					exit, hit = risk.Check(&entries[i], s, day, ev.BuyDate, buyPrice, in.Options.MaxDays)
				}
				if !hit {
					continue
				}
				c.add(closeEvent(ev, buyPrice, s, day, exit, &entries[i], in.Options.LimitOrder))
				open[i] = false
				remaining--
			}
		}
		for i, c := range cells {
			if open[i] {
				c.holdings = append(c.holdings, domain.Holding{BuyDate: ev.BuyDate, BuyPrice: buyPrice, StoplossTarget: entries[i]})
			}
		}
	}

	for _, h := range in.Base.Holdings {
		buyIdx, ok := s.IndexOf(h.BuyDate)
		if !ok {
			continue
		}
		for _, c := range cells {
			if e, ok := levels(c, buyIdx, s.Close[buyIdx]); ok {
				c.holdings = append(c.holdings, domain.Holding{BuyDate: h.BuyDate, BuyPrice: s.Close[buyIdx], StoplossTarget: e})
			}
		}
	}

	out := make([]domain.SymbolResult, len(cells))
	for i, c := range cells {
		sort.SliceStable(c.events, func(a, b int) bool { return c.events[a].BuyDate.Before(c.events[b].BuyDate) })
		sort.SliceStable(c.holdings, func(a, b int) bool { return c.holdings[a].BuyDate.Before(c.holdings[b].BuyDate) })
		r := domain.SymbolResult{Profit: c.profit, Events: c.events, Holdings: c.holdings}
		if r.Events == nil {
			r.Events = []domain.Event{}
		}
		if r.Holdings == nil {
			r.Holdings = []domain.Holding{}
		}
		if len(c.events) > 0 {
			r.PercentProfit = c.pctSum / float64(len(c.events))
		}
		out[i] = r
	}
	return out, nil
}

func closeEvent(base domain.Event, buyPrice float64, s *prices.Series, day int, exit risk.Exit, e *domain.StoplossTarget, limitOrder bool) domain.Event {
	sellPrice := s.Close[day]
	if limitOrder && exit.Reason != domain.ReasonIndicator {
		sellPrice = exit.Price
	}
	profit, pct := risk.Profit(buyPrice, sellPrice, e, exit.Reason)
	ev := base
	ev.BuyPrice = buyPrice
	ev.SellDate = s.Dates[day]
	ev.SellPrice = sellPrice
	ev.Span = domain.DaysBetween(base.BuyDate, s.Dates[day])
	ev.Profit = profit
	ev.PercentProfit = pct
	ev.Reason = exit.Reason
	ev.Risk = 0
	if e.Stoploss != 0 {
		ev.Risk = e.Risk
	}
	return ev
}

// Package summary replays a backtest as a capital-constrained portfolio and
// reports headline metrics for it.
package summary

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"backtester/internal/domain"
)

// ScoreBy ranks competing buys on the same day.
type ScoreBy string

const (
	ScoreWinRate       ScoreBy = "Win Rate"
	ScorePercentProfit ScoreBy = "Percent Profit"
)

// Settings drive one portfolio replay.
type Settings struct {
	RangeYears   int     // only trade the last RangeYears years
	StartSize    float64 // starting equity
	MaxPositions int
	PositionSize float64 // percent of equity per position
	MaxRisk      float64 // skip buys riskier than this percent
	ScoreBy      ScoreBy
}

// DefaultSettings are the replay settings used for stored summaries.
func DefaultSettings() Settings {
	return Settings{RangeYears: 20, StartSize: 1, MaxPositions: 20, PositionSize: 5, MaxRisk: 15, ScoreBy: ScorePercentProfit}
}

// Metrics are the outcome of one replay.
type Metrics struct {
	Equity          float64 `json:"equity"`
	Sharpe          float64 `json:"sharpe"`
	WeightedReturns float64 `json:"weightedReturns"`
}

// Summary is stored alongside every backtest result.
type Summary struct {
	Metrics
	WinRate float64 `json:"winRate"`
	Events  int     `json:"events"`
	ScoreBy ScoreBy `json:"scoreBy"`
	MaxRisk float64 `json:"maxRisk"`
}

// Summarize searches both score orders and max risk 5..45 and returns the
// metrics of the best replay. Metrics are compared after scaling each one to
// [0, 1] across all replays.
func Summarize(r *domain.BacktestResult, now time.Time) Summary {
	type trial struct {
		m       Metrics
		scoreBy ScoreBy
		maxRisk float64
	}
	var trials []trial
	for _, by := range []ScoreBy{ScoreWinRate, ScorePercentProfit} {
		for risk := 5.0; risk < 50; risk += 5 {
			set := DefaultSettings()
			set.ScoreBy, set.MaxRisk = by, risk
			trials = append(trials, trial{m: Replay(r, set, now), scoreBy: by, maxRisk: risk})
		}
	}
	metrics := make([]Metrics, len(trials))
	for i, t := range trials {
		metrics[i] = t.m
	}
	best := trials[Optimal(metrics)]

	var wins, events int
	for _, sr := range r.SymbolData {
		for _, e := range sr.Events {
			events++
			if e.PercentProfit > 0 {
				wins++
			}
		}
	}
	out := Summary{Metrics: best.m, Events: events, ScoreBy: best.scoreBy, MaxRisk: best.maxRisk}
	if events > 0 {
		out.WinRate = float64(wins) / float64(events)
	}
	return out
}

// Optimal returns the index of the metrics with the highest total after
// scaling each metric to [0, 1]. A metric equal across all entries adds
// nothing.
func Optimal(metrics []Metrics) int {
	if len(metrics) == 0 {
		return -1
	}
	cols := [][]float64{make([]float64, len(metrics)), make([]float64, len(metrics)), make([]float64, len(metrics))}
	for i, m := range metrics {
		cols[0][i], cols[1][i], cols[2][i] = m.Equity, m.Sharpe, m.WeightedReturns
	}
	scores := make([]float64, len(metrics))
	for _, col := range cols {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range col {
			if !math.IsNaN(v) {
				lo, hi = math.Min(lo, v), math.Max(hi, v)
			}
		}
		if hi <= lo {
			continue
		}
		for i, v := range col {
			if !math.IsNaN(v) {
				scores[i] += (v - lo) / (hi - lo)
			}
		}
	}
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return best
}

// ---------------------------------------------------------------------------
// Replay
// ---------------------------------------------------------------------------

type scored struct {
	domain.Event
	winRate       float64
	percentProfit float64
	amount        float64
}

func (s *scored) score(by ScoreBy) float64 {
	if by == ScoreWinRate {
		return s.winRate
	}
	return s.percentProfit
}

// scoreEvents scores each event of one symbol by the track record of the
// events that had already closed when it was bought.
func scoreEvents(events []domain.Event) []*scored {
	out := make([]*scored, len(events))
	realized, count, wins := -1, 0, 0
	var pp float64
	for idx, ev := range events {
		s := &scored{Event: ev}
		out[idx] = s
		if idx == 0 {
			continue
		}
		total := pp * float64(count)
		for i := realized + 1; i < idx; i++ {
			if events[i].SellDate.After(ev.BuyDate) {
				break
			}
			realized = i
			total += events[i].PercentProfit
			if events[i].PercentProfit > 0 {
				wins++
			}
			count++
		}
		if count > 0 {
			pp = total / float64(count)
			s.percentProfit = pp
			s.winRate = float64(wins) / float64(count)
		}
	}
	return out
}

// Replay trades every event of r through a portfolio of limited size, oldest
// first, and returns final equity with yearly return statistics.
func Replay(r *domain.BacktestResult, set Settings, now time.Time) Metrics {
	byDate := map[int64][]*scored{}
	dateSet := map[int64]bool{}
	for _, sr := range r.SymbolData {
		for _, s := range scoreEvents(sr.Events) {
			b, e := s.BuyDate.UnixMilli(), s.SellDate.UnixMilli()
			dateSet[b], dateSet[e] = true, true
			byDate[b] = append(byDate[b], s)
		}
	}
	dates := make([]int64, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })

	type point struct {
		date   time.Time
		equity float64
	}
	var (
		equity   = set.StartSize
		power    = equity
		holdings []*scored
		curve    []point
	)
	from := now.AddDate(-set.RangeYears, 0, 0).UnixMilli()
	for _, d := range dates {
		if d <= from {
			continue
		}
		if len(holdings) < set.MaxPositions {
			candidates := byDate[d]
			sort.SliceStable(candidates, func(i, j int) bool {
				return candidates[i].score(set.ScoreBy) > candidates[j].score(set.ScoreBy)
			})
			for _, c := range candidates {
				if c.Risk != 0 && (c.Risk > set.MaxRisk || c.Risk < 1) {
					continue
				}
				h := *c
				h.amount = math.Min(equity*set.PositionSize/100, power)
				power -= h.amount
				holdings = append(holdings, &h)
				if len(holdings) >= set.MaxPositions || power == 0 {
					break
				}
			}
		}

		kept := holdings[:0]
		for _, h := range holdings {
			if h.SellDate.UnixMilli() != d {
				kept = append(kept, h)
				continue
			}
			equity += h.amount * h.PercentProfit
			power += h.amount * (1 + h.PercentProfit)
			if equity <= 0 {
				equity = set.StartSize
			}
		}
		holdings = kept
		curve = append(curve, point{date: time.UnixMilli(d).UTC(), equity: equity})
	}
	if len(curve) == 0 {
		return Metrics{Equity: equity}
	}
	for _, h := range holdings {
		equity += h.amount * h.PercentProfit
	}
	curve[len(curve)-1].equity = equity

	// Yearly returns measured from each year's first equity point.
	var returns []float64
	year, startEquity := 0, 0.0
	for _, p := range curve {
		if y := p.date.Year(); y != year {
			if year != 0 {
				returns = append(returns, (p.equity-startEquity)/startEquity*100)
			}
			year, startEquity = y, p.equity
		}
	}
	returns = append(returns, (curve[len(curve)-1].equity-startEquity)/startEquity*100)

	weights := make([]float64, len(returns))
	for i := range weights {
		weights[i] = 1 + 0.1*float64(i)
	}
	m := Metrics{Equity: equity, WeightedReturns: stat.Mean(returns, weights)}
	if mean, std := stat.PopMeanStdDev(returns, nil); std > 0 {
		m.Sharpe = mean / math.Sqrt(std)
	}
	return m
}

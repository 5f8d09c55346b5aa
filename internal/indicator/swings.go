package indicator

import (
	"math"

	"backtester/internal/domain"
	"backtester/internal/prices"
)

// ---------------------------------------------------------------------------
// Structure: support/resistance levels grouped from swing pivots.
// ---------------------------------------------------------------------------

const (
	structureFreshness = 720
	structureScoreSpan = 200
)

type level struct {
	price      float64
	count      int
	score      int
	support    bool
	resistance bool
	freshness  int
}

type structure struct {
	s          *prices.Series
	pivots     []Pivot
	support    []float64
	resistance []float64
	limitLevel float64
}

func newStructure(p domain.Params, s *prices.Series) Indicator {
	period := intParam(p, "period", 10)
	volatility := floatParam(p, "volatility", 0.05)
	minCount := intParam(p, "minCount", 1)

	st := &structure{s: s, pivots: SwingPivots(s.Close, period)}
	st.support, st.resistance = nans(s.Len()), nans(s.Len())

	byRealized := make(map[int]Pivot, len(st.pivots))
	for _, pv := range st.pivots {
		byRealized[pv.Realized] = pv
	}

	var levels []*level
	for i, price := range s.Close {
		if pv, ok := byRealized[i]; ok {
			high, low := HowHighLow(s.Close, structureScoreSpan, pv.Index)
			score := low
			if pv.Type == PivotHigh {
				score = high
			}
			match := -1
			for j, lv := range levels {
				if lv.price*(1+volatility) > pv.Price && lv.price*(1-volatility) < pv.Price {
					match = j
					break
				}
			}
			if match >= 0 {
				lv := levels[match]
				levels = append(levels[:match], levels[match+1:]...)
				levels = append(levels, &level{
					price:      (lv.price*float64(lv.count) + pv.Price) / float64(lv.count+1),
					count:      lv.count + 1,
					score:      lv.score + score,
					support:    lv.support || pv.Type == PivotLow,
					resistance: lv.resistance || pv.Type == PivotHigh,
					freshness:  structureFreshness,
				})
			} else {
				levels = append(levels, &level{
					price:      pv.Price,
					count:      1,
					score:      score,
					support:    pv.Type == PivotLow,
					resistance: pv.Type == PivotHigh,
					freshness:  structureFreshness,
				})
			}
		}

		kept := levels[:0]
		for _, lv := range levels {
			lv.freshness--
			if lv.freshness > 0 {
				kept = append(kept, lv)
			}
		}
		levels = kept

		// Prefer areas of value tested from both sides, strongest first.
		var sup, res *level
		nearSup, nearRes := math.NaN(), math.NaN()
		for _, lv := range levels {
			tested := lv.support && lv.resistance && lv.count > minCount
			if lv.price < price {
				if tested && (sup == nil || lv.count > sup.count) {
					sup = lv
				}
				if math.IsNaN(nearSup) || lv.price > nearSup {
					nearSup = lv.price
				}
			}
			if lv.price > price {
				if tested && (res == nil || lv.count > res.count) {
					res = lv
				}
				if math.IsNaN(nearRes) || lv.price < nearRes {
					nearRes = lv.price
				}
			}
		}
		st.support[i], st.resistance[i] = nearSup, nearRes
		if sup != nil {
			st.support[i] = sup.price
		}
		if res != nil {
			st.resistance[i] = res.price
		}
	}
	return st
}

func (st *structure) Kind() Kind            { return KindStructure }
func (st *structure) Value(day int) float64 { return at(st.support, day) }

func (st *structure) Fields(day int) map[string]float64 {
	return map[string]float64{"Support": at(st.support, day), "Resistance": at(st.resistance, day)}
}

func (st *structure) Graph() map[string][]float64 {
	pivots := nans(st.s.Len())
	for _, pv := range st.pivots {
		pivots[pv.Index] = pv.Price
	}
	return map[string][]float64{"support": st.support, "resistance": st.resistance, "pivots": pivots}
}

// Action buys when yesterday's close broke above a level and today held
// above it, unless price already sits past the middle of the range. It sells
// on a fresh break up, on a failed breakdown, or when the projected limit is
// reached with no resistance overhead.
func (st *structure) Action(day int, _ bool) Signal {
	if day < 2 {
		return None
	}
	sup, res := at(st.support, day), at(st.resistance, day)
	var levels []float64
	for _, lv := range []float64{sup, res} {
		if !math.IsNaN(lv) {
			levels = append(levels, lv)
		}
	}
	find := func(d int, up bool) (float64, bool) {
		for _, lv := range levels {
			if crossedLevel(st.s.Close, lv, d, up) {
				return lv, true
			}
		}
		return 0, false
	}

	closeToday, closeYesterday := st.s.Close[day], st.s.Close[day-1]
	limitReached := math.IsNaN(res) && st.limitLevel != 0 && crossedLevel(st.s.Close, st.limitLevel, day, true)

	if _, ok := find(day, true); ok {
		return Sell
	}
	if lv, ok := find(day-1, true); ok && closeToday > lv {
		if !math.IsNaN(res) && closeToday > (res+sup)/2 {
			return None
		}
		if !math.IsNaN(sup) {
			st.limitLevel = closeToday + (closeToday - sup)
		}
		return Buy
	}
	if _, ok := find(day-1, false); (ok && closeYesterday > closeToday) || limitReached {
		return Sell
	}
	return None
}

// ---------------------------------------------------------------------------
// Pullback: a dip below SMA+ATR after a sustained run above the SMA, then a
// recovery back above it.
// ---------------------------------------------------------------------------

const (
	pullbackATRPeriod     = 12
	pullbackPreviousBars  = 26
	pullbackMaxATRStretch = 2
)

type pullback struct {
	s      *prices.Series
	length int
	sma    []float64
	atr    []float64
	band   []float64
}

func newPullback(p domain.Params, s *prices.Series) Indicator {
	pb := &pullback{
		s:      s,
		length: intParam(p, "length", 10),
		sma:    SMA(s.Close, intParam(p, "period", 20)),
		atr:    rangeAverage(s.High, s.Low, s.Close, pullbackATRPeriod),
	}
	pb.band = make([]float64, s.Len())
	for i := range pb.band {
		pb.band[i] = pb.sma[i] + pb.atr[i]
	}
	return pb
}

func (pb *pullback) Kind() Kind                  { return KindPullback }
func (pb *pullback) Value(day int) float64       { return at(pb.sma, day) }
func (pb *pullback) Graph() map[string][]float64 { return map[string][]float64{"pullback": pb.sma} }

func (pb *pullback) Action(day int, _ bool) Signal {
	if !crossed(pb.s.Close, pb.band, day, true) {
		return None
	}
	for i := max(0, day-pb.length); i < day; i++ {
		if !crossed(pb.s.Close, pb.band, i+1, false) {
			continue
		}
		held := true
		for j := max(0, i-pullbackPreviousBars); j < i; j++ {
			if pb.s.Close[j] < at(pb.sma, j) {
				held = false
				break
			}
		}
		if !held {
			continue
		}
		if pb.s.Close[day] >= at(pb.sma, day)+pullbackMaxATRStretch*at(pb.atr, day) {
			return None
		}
		return Buy
	}
	return None
}

// ---------------------------------------------------------------------------
// Breakout: repeated tests of the SMA followed by a break above SMA+ATR.
// ---------------------------------------------------------------------------

const (
	breakoutTestMargin = 12
	breakoutTestWindow = 12
)

type breakout struct {
	s         *prices.Series
	tests     int
	sma       []float64
	atr       []float64
	band      []float64
	testCount int
	lastTest  int
}

func newBreakout(p domain.Params, s *prices.Series) Indicator {
	period := intParam(p, "period", 20)
	b := &breakout{
		s:     s,
		tests: intParam(p, "tests", 2),
		sma:   SMA(s.Close, period),
		atr:   rangeAverage(s.High, s.Low, s.Close, period),
	}
	b.band = make([]float64, s.Len())
	for i := range b.band {
		b.band[i] = b.sma[i] + b.atr[i]
	}
	return b
}

func (b *breakout) Kind() Kind            { return KindBreakout }
func (b *breakout) Value(day int) float64 { return at(b.sma, day) }

func (b *breakout) Graph() map[string][]float64 {
	return map[string][]float64{"sma": b.sma, "atr": b.atr}
}

func (b *breakout) Action(day int, _ bool) Signal {
	b.lastTest--
	if b.lastTest < 0 && crossed(b.s.Close, b.sma, day, false) {
		for i := max(0, day-breakoutTestWindow); i < day; i++ {
			if crossed(b.s.Close, b.sma, i+1, true) {
				b.testCount++
				b.lastTest = breakoutTestMargin
			}
		}
	}

	if crossed(b.s.Close, b.band, day, true) {
		if b.testCount >= b.tests {
			return Buy
		}
		b.testCount = 0
	}
	if b.s.Close[day] > at(b.band, day) {
		b.testCount = 0
	}
	return None
}

// ---------------------------------------------------------------------------
// Divergence: price makes a higher low while RSI makes a lower low.
// ---------------------------------------------------------------------------

const (
	divergenceRSIPeriod = 14
	divergenceMaxRSI    = 35
)

type pivotTracker struct {
	s        *prices.Series
	period   int
	lookback int
	pivots   []Pivot
	realized []int
	atr      []float64
}

func newPivotTracker(p domain.Params, s *prices.Series) pivotTracker {
	period := intParam(p, "period", 10)
	pivots := SwingPivots(s.Close, period)
	return pivotTracker{
		s:        s,
		period:   period,
		lookback: intParam(p, "lookback", 3),
		pivots:   pivots,
		realized: RealizedPivots(pivots, s.Len()),
		atr:      rangeAverage(s.High, s.Low, s.Close, period),
	}
}

func (t *pivotTracker) Value(day int) float64 {
	if day < 0 || day >= len(t.realized) {
		return math.NaN()
	}
	return float64(t.realized[day])
}

// realizedPrices is the price of the latest realized pivot on every bar.
func (t *pivotTracker) realizedPrices() []float64 {
	out := nans(len(t.realized))
	for i, k := range t.realized {
		if k >= 0 {
			out[i] = t.pivots[k].Price
		}
	}
	return out
}

type divergence struct {
	pivotTracker
	rsi []float64
}

func newDivergence(p domain.Params, s *prices.Series) Indicator {
	return &divergence{pivotTracker: newPivotTracker(p, s), rsi: RSI(s.Close, divergenceRSIPeriod)}
}

func (d *divergence) Kind() Kind { return KindDivergence }

func (d *divergence) Graph() map[string][]float64 {
	return map[string][]float64{"Divergence": d.realizedPrices()}
}

func (d *divergence) Action(day int, _ bool) Signal {
	if day < 0 || day >= len(d.realized) || d.realized[day] < 0 {
		return None
	}
	cursor := d.realized[day]
	if d.pivots[cursor].Type == PivotHigh {
		cursor--
	}
	price, rsi := d.s.Close[day], at(d.rsi, day)
	_, isLow := IsHighLow(d.s.Close, d.period, day)
	for n := d.lookback; cursor >= 2 && n > 0; cursor, n = cursor-2, n-1 {
		low := d.pivots[cursor].Index
		if price > d.s.Close[low] && rsi < at(d.rsi, low) && rsi < divergenceMaxRSI && isLow {
			return Buy
		}
	}
	return None
}

// ---------------------------------------------------------------------------
// Trend: price retests a prior swing-high zone and breaks back above it.
// ---------------------------------------------------------------------------

const trendRetestWindow = 5

type trend struct {
	pivotTracker
}

func newTrend(p domain.Params, s *prices.Series) Indicator {
	return &trend{pivotTracker: newPivotTracker(p, s)}
}

func (t *trend) Kind() Kind { return KindTrend }

func (t *trend) Graph() map[string][]float64 {
	return map[string][]float64{"Trend": t.realizedPrices()}
}

func (t *trend) Action(day int, _ bool) Signal {
	if day < 0 || day >= len(t.realized) || t.realized[day] < 0 {
		return None
	}
	cursor := t.realized[day]
	if t.pivots[cursor].Type == PivotLow {
		return None
	}
	for n := t.lookback; cursor >= 4 && n > 0; cursor, n = cursor-2, n-1 {
		high := t.pivots[cursor-2].Index
		halfATR := at(t.atr, high) / 2
		upper, lower := t.s.Close[high]+halfATR, t.s.Close[high]-halfATR
		if !crossedLevel(t.s.Close, upper, day, true) {
			continue
		}
		var crossedDown, broken bool
		for i := max(0, day-trendRetestWindow); i < day; i++ {
			if !crossedDown && crossedLevel(t.s.Close, upper, i, false) {
				crossedDown = true
			}
			if crossedLevel(t.s.Close, lower, i, false) {
				broken = true
				break
			}
		}
		if crossedDown && !broken {
			return Buy
		}
	}
	return None
}

package indicator

import (
	"fmt"
	"math"

	"backtester/internal/domain"
	"backtester/internal/prices"
)

// ---------------------------------------------------------------------------
// SMA
// ---------------------------------------------------------------------------

// movingAverage backs both SMA and EMA. As a main indicator it buys when the
// close crosses above the average. As a supporting indicator it buys once
// the close has held above the average for minDuration bars (and, when
// rising is set, the average itself kept rising).
type movingAverage struct {
	kind        Kind
	s           *prices.Series
	period      int
	minDuration int
	rising      bool
	crossEntry  bool
	line        []float64
}

func newSMA(p domain.Params, s *prices.Series) Indicator {
	period := intParam(p, "period", 20)
	return &movingAverage{
		kind:        KindSMA,
		s:           s,
		period:      period,
		minDuration: intParam(p, "minDuration", 1),
		crossEntry:  true,
		line:        SMA(s.Close, period),
	}
}

func newEMA(p domain.Params, s *prices.Series) Indicator {
	period := intParam(p, "period", 20)
	return &movingAverage{
		kind:        KindEMA,
		s:           s,
		period:      period,
		minDuration: intParam(p, "minDuration", 1),
		rising:      true,
		line:        EMA(s.Close, period),
	}
}

func (m *movingAverage) Kind() Kind            { return m.kind }
func (m *movingAverage) Value(day int) float64 { return at(m.line, day) }

func (m *movingAverage) Graph() map[string][]float64 {
	return map[string][]float64{fmt.Sprintf("%s(%d)", m.kind, m.period): m.line}
}

// holding reports whether the close stayed above the line for the last
// minDuration bars.
func (m *movingAverage) holding(day int) bool {
	if day < 1 {
		return false
	}
	for i := max(1, day-m.minDuration+1); i <= day; i++ {
		line, prev := at(m.line, i), at(m.line, i-1)
		if math.IsNaN(line) || m.s.Close[i] < line {
			return false
		}
		if m.rising && (math.IsNaN(prev) || line < prev) {
			return false
		}
	}
	return true
}

func (m *movingAverage) Action(day int, isMain bool) Signal {
	up := crossed(m.s.Close, m.line, day, true)
	buy := m.holding(day)
	if m.crossEntry && isMain {
		buy = up
	}
	switch {
	case buy:
		return Buy
	case crossed(m.s.Close, m.line, day, false):
		return Sell
	default:
		return None
	}
}

// ShouldStop signals Stop when, for minDuration bars, the average sat above
// the bar's high while the close kept falling.
func (m *movingAverage) ShouldStop(day int) Signal {
	if day < 1 {
		return None
	}
	for i := max(1, day-m.minDuration+1); i <= day; i++ {
		line := at(m.line, i)
		if math.IsNaN(line) || !(line > m.s.High[i] && m.s.Close[i] < m.s.Close[i-1]) {
			return None
		}
	}
	return Stop
}

// ---------------------------------------------------------------------------
// GC (golden cross)
// ---------------------------------------------------------------------------

type goldenCross struct {
	ma1, ma2 []float64
	p1, p2   int
}

func newGC(p domain.Params, s *prices.Series) Indicator {
	p1 := intParam(p, "ma1Period", 50)
	p2 := intParam(p, "ma2Period", 200)
	return &goldenCross{ma1: SMA(s.Close, p1), ma2: SMA(s.Close, p2), p1: p1, p2: p2}
}

func (g *goldenCross) Kind() Kind { return KindGC }

func (g *goldenCross) Value(day int) float64 { return at(g.ma1, day) - at(g.ma2, day) }

func (g *goldenCross) Graph() map[string][]float64 {
	return map[string][]float64{
		fmt.Sprintf("SMA(%d)", g.p1): g.ma1,
		fmt.Sprintf("SMA(%d)", g.p2): g.ma2,
	}
}

func (g *goldenCross) Action(day int, _ bool) Signal {
	switch {
	case crossed(g.ma1, g.ma2, day, true):
		return Buy
	case crossed(g.ma1, g.ma2, day, false):
		return Sell
	default:
		return None
	}
}

// ---------------------------------------------------------------------------
// ATR and High carry values only and never signal.
// ---------------------------------------------------------------------------

type valueOnly struct {
	kind Kind
	name string
	line []float64
}

func newATR(p domain.Params, s *prices.Series) Indicator {
	period := intParam(p, "period", 12)
	return &valueOnly{kind: KindATR, name: "ATR", line: ATR(s.High, s.Low, s.Close, period)}
}

// newHigh builds the trailing period-bar high of closes. The window ends on
// the current bar, so it never sees later prices.
func newHigh(p domain.Params, s *prices.Series) Indicator {
	period := intParam(p, "period", 20)
	return &valueOnly{kind: KindHigh, name: "High", line: RollingMax(s.Close, period)}
}

func (v *valueOnly) Kind() Kind                  { return v.kind }
func (v *valueOnly) Value(day int) float64       { return at(v.line, day) }
func (v *valueOnly) Action(int, bool) Signal     { return None }
func (v *valueOnly) Graph() map[string][]float64 { return map[string][]float64{v.name: v.line} }

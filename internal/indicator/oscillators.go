package indicator

import (
	"fmt"
	"math"

	"backtester/internal/domain"
	"backtester/internal/prices"
)

// ---------------------------------------------------------------------------
// RSI and Stochastic: buy when leaving the underbought band, sell when
// leaving the overbought band.
// ---------------------------------------------------------------------------

type bandOscillator struct {
	kind        Kind
	name        string
	line        []float64
	underbought float64
	overbought  float64
}

func newRSI(p domain.Params, s *prices.Series) Indicator {
	period := intParam(p, "period", 14)
	return &bandOscillator{
		kind:        KindRSI,
		name:        fmt.Sprintf("RSI(%d)", period),
		line:        RSI(s.Close, period),
		underbought: floatParam(p, "underbought", 30),
		overbought:  floatParam(p, "overbought", 70),
	}
}

func newStochastic(p domain.Params, s *prices.Series) Indicator {
	period := intParam(p, "period", 14)
	return &bandOscillator{
		kind:        KindStochastic,
		name:        fmt.Sprintf("Stochastic(%d)", period),
		line:        Stochastic(s.High, s.Low, s.Close, period),
		underbought: floatParam(p, "underbought", 20),
		overbought:  floatParam(p, "overbought", 80),
	}
}

func (o *bandOscillator) Kind() Kind { return o.kind }

// Value is scaled to [0, 1].
func (o *bandOscillator) Value(day int) float64 { return at(o.line, day) / 100 }

func (o *bandOscillator) Graph() map[string][]float64 {
	return map[string][]float64{o.name: o.line}
}

func (o *bandOscillator) Action(day int, _ bool) Signal {
	if day < 1 {
		return None
	}
	today, yesterday := at(o.line, day), at(o.line, day-1)
	switch {
	case today > o.underbought && yesterday <= o.underbought:
		return Buy
	case today < o.overbought && yesterday >= o.overbought:
		return Sell
	default:
		return None
	}
}

// ---------------------------------------------------------------------------
// MACD
// ---------------------------------------------------------------------------

type macd struct {
	kind         Kind
	line         []float64
	signal       []float64
	histogram    []float64
	buyThreshold float64
}

func buildMACD(kind Kind, p domain.Params, s *prices.Series) *macd {
	m, sig, h := MACD(s.Close, intParam(p, "ema1", 12), intParam(p, "ema2", 26), intParam(p, "signalPeriod", 9))
	return &macd{kind: kind, line: m, signal: sig, histogram: h, buyThreshold: floatParam(p, "buyThreshold", 0)}
}

func newMACD(p domain.Params, s *prices.Series) Indicator { return buildMACD(KindMACD, p, s) }

// MACD2 buys when the MACD line crosses above buyThreshold and sells while
// the histogram is negative.
func newMACD2(p domain.Params, s *prices.Series) Indicator {
	return &macd2{buildMACD(KindMACD2, p, s)}
}

func (m *macd) Kind() Kind            { return m.kind }
func (m *macd) Value(day int) float64 { return at(m.line, day) }

func (m *macd) Fields(day int) map[string]float64 {
	return map[string]float64{"MACD_Histogram": at(m.histogram, day), "MACD_Value": at(m.line, day)}
}

func (m *macd) Graph() map[string][]float64 {
	return map[string][]float64{"MACD": m.line, "Signal": m.signal, "Histogram": m.histogram}
}

// Action always uses the cross entry: buy on a cross above the signal line
// below zero, sell on a cross below it above zero.
func (m *macd) Action(day int, _ bool) Signal {
	today := at(m.line, day)
	switch {
	case crossed(m.line, m.signal, day, true) && today < 0:
		return Buy
	case crossed(m.line, m.signal, day, false) && today > 0:
		return Sell
	default:
		return None
	}
}

// macd2 wraps the MACD series without exposing Fields; its value is scalar.
type macd2 struct{ m *macd }

func (m *macd2) Kind() Kind                  { return KindMACD2 }
func (m *macd2) Value(day int) float64       { return at(m.m.line, day) }
func (m *macd2) Graph() map[string][]float64 { return m.m.Graph() }

func (m *macd2) Action(day int, _ bool) Signal {
	switch {
	case crossedLevel(m.m.line, m.m.buyThreshold, day, true):
		return Buy
	case at(m.m.histogram, day) < 0:
		return Sell
	default:
		return None
	}
}

// ---------------------------------------------------------------------------
// ADX
// ---------------------------------------------------------------------------

type adx struct {
	period    int
	threshold float64
	line      []float64
	pdi       []float64
	ndi       []float64
	histogram []float64
}

func newADX(p domain.Params, s *prices.Series) Indicator {
	period := intParam(p, "period", 14)
	a := &adx{period: period, threshold: floatParam(p, "threshold", 25)}

	n := s.Len()
	tr := Wilder(TrueRange(s.High, s.Low, s.Close), period)
	pdm, ndm := DirectionalMovement(s.High, s.Low)
	apdm, andm := Wilder(pdm, period), Wilder(ndm, period)

	a.pdi, a.ndi, a.histogram = nans(n), nans(n), nans(n)
	dx := nans(n)
	for i := 0; i < n; i++ {
		if math.IsNaN(tr[i]) || tr[i] == 0 {
			continue
		}
		a.pdi[i] = apdm[i] / tr[i] * 100
		a.ndi[i] = andm[i] / tr[i] * 100
		a.histogram[i] = a.pdi[i] - a.ndi[i]
		if sum := a.pdi[i] + a.ndi[i]; sum != 0 {
			dx[i] = math.Abs(a.pdi[i]-a.ndi[i]) / math.Abs(sum) * 100
		}
	}
	a.line = Wilder(dx, period)
	return a
}

func (a *adx) Kind() Kind { return KindADX }

func (a *adx) Value(day int) float64 { return at(a.line, day) / 100 }

func (a *adx) Fields(day int) map[string]float64 {
	return map[string]float64{"ADX_Value": at(a.line, day) / 100, "ADX_Histogram": at(a.histogram, day) / 100}
}

func (a *adx) Graph() map[string][]float64 {
	return map[string][]float64{"ADX": a.line, "PDI": a.pdi, "NDI": a.ndi}
}

// Action buys on a strong trend (ADX above threshold) with +DI leading. The
// main indicator additionally requires +DI to have just crossed -DI.
func (a *adx) Action(day int, isMain bool) Signal {
	lead := at(a.pdi, day) > at(a.ndi, day)
	if isMain {
		lead = crossed(a.pdi, a.ndi, day, true)
	}
	switch {
	case at(a.line, day) > a.threshold && lead:
		return Buy
	case crossed(a.pdi, a.ndi, day, false):
		return Sell
	default:
		return None
	}
}

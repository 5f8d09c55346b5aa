package indicator

import (
	"math"

	"github.com/thrasher-corp/gct-ta/indicators"
)

// Series math. Every function returns a slice as long as its input with NaN
// wherever the value is not yet defined.

func nans(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// align right-aligns a library output against an input of length n and masks
// everything before start.
func align(out []float64, n, start int) []float64 {
	res := nans(n)
	off := n - len(out)
	for i, v := range out {
		j := i + off
		if j >= start && j >= 0 && j < n {
			res[j] = v
		}
	}
	return res
}

// firstValid returns the index of the first non-NaN element, or len(xs).
func firstValid(xs []float64) int {
	for i, v := range xs {
		if !math.IsNaN(v) {
			return i
		}
	}
	return len(xs)
}

// SMA is the simple moving average, defined from period-1.
func SMA(in []float64, period int) []float64 {
	if period <= 0 || len(in) < period {
		return nans(len(in))
	}
	return align(indicators.SMA(in, period), len(in), period-1)
}

// EMA is the exponential moving average seeded by an SMA, defined from
// period-1.
func EMA(in []float64, period int) []float64 {
	if period <= 0 || len(in) < period {
		return nans(len(in))
	}
	return align(indicators.EMA(in, period), len(in), period-1)
}

// RSI is the relative strength index, defined from period.
func RSI(in []float64, period int) []float64 {
	if period <= 0 || len(in) <= period {
		return nans(len(in))
	}
	return align(indicators.RSI(in, period), len(in), period)
}

// MACD returns the MACD line, its signal line and the histogram. All three
// are defined once the signal line has warmed up.
func MACD(in []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	n := len(in)
	start := slow + signal - 2
	if fast <= 0 || slow <= 0 || signal <= 0 || n <= start {
		return nans(n), nans(n), nans(n)
	}
	m, s, h := indicators.MACD(in, fast, slow, signal)
	return align(m, n, start), align(s, n, start), align(h, n, start)
}

// ATR is the average true range, defined from period.
func ATR(high, low, close []float64, period int) []float64 {
	if period <= 0 || len(close) <= period {
		return nans(len(close))
	}
	return align(indicators.ATR(high, low, close, period), len(close), period)
}

// Wilder applies Wilder smoothing starting at the first defined input.
func Wilder(in []float64, period int) []float64 {
	out := nans(len(in))
	start := firstValid(in)
	if period <= 0 || len(in)-start < period {
		return out
	}
	var sum float64
	for i := start; i < start+period; i++ {
		sum += in[i]
	}
	prev := sum / float64(period)
	out[start+period-1] = prev
	for i := start + period; i < len(in); i++ {
		prev = (prev*float64(period-1) + in[i]) / float64(period)
		out[i] = prev
	}
	return out
}

// TrueRange is undefined on the first bar.
func TrueRange(high, low, close []float64) []float64 {
	out := nans(len(close))
	for i := 1; i < len(close); i++ {
		out[i] = math.Max(high[i]-low[i], math.Max(math.Abs(high[i]-close[i-1]), math.Abs(low[i]-close[i-1])))
	}
	return out
}

// DirectionalMovement returns the positive and negative directional
// movement, undefined on the first bar.
func DirectionalMovement(high, low []float64) (pdm, ndm []float64) {
	pdm, ndm = nans(len(high)), nans(len(high))
	for i := 1; i < len(high); i++ {
		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		pdm[i], ndm[i] = 0, 0
		if up > down && up > 0 {
			pdm[i] = up
		}
		if down > up && down > 0 {
			ndm[i] = down
		}
	}
	return pdm, ndm
}

// Stochastic is the %K oscillator over a trailing window that includes the
// current bar.
func Stochastic(high, low, close []float64, period int) []float64 {
	out := nans(len(close))
	for i := range close {
		from := max(0, i-period+1)
		hi, lo := high[i], low[i]
		for j := from; j < i; j++ {
			hi = math.Max(hi, high[j])
			lo = math.Min(lo, low[j])
		}
		if hi > lo {
			out[i] = (close[i] - lo) / (hi - lo) * 100
		}
	}
	return out
}

// RollingMax is the highest value over the trailing window ending at each
// bar, the bar itself included.
func RollingMax(in []float64, period int) []float64 {
	out := nans(len(in))
	if period <= 0 {
		return out
	}
	var q []int
	for i, v := range in {
		for len(q) > 0 && in[q[len(q)-1]] <= v {
			q = q[:len(q)-1]
		}
		q = append(q, i)
		if q[0] <= i-period {
			q = q[1:]
		}
		out[i] = in[q[0]]
	}
	return out
}

// ---------------------------------------------------------------------------
// Swing structure
// ---------------------------------------------------------------------------

// IsHighLow reports whether the bar at i is the highest and/or lowest of the
// period bars before it.
func IsHighLow(in []float64, period, i int) (high, low bool) {
	high, low = true, true
	for j := i - 1; j >= max(0, i-period); j-- {
		if in[j] > in[i] {
			high = false
		} else if in[j] < in[i] {
			low = false
		}
	}
	return high, low
}

// HowHighLow counts how many bars back the value at i stays a high and a
// low, scanning at most maxPeriod bars.
func HowHighLow(in []float64, maxPeriod, i int) (high, low int) {
	var reachedHigh, reachedLow bool
	for j := i - 1; j >= max(0, i-maxPeriod); j-- {
		if in[j] > in[i] {
			if !reachedLow {
				low++
			}
			reachedHigh = true
		} else if in[j] < in[i] {
			if !reachedHigh {
				high++
			}
			reachedLow = true
		}
		if reachedHigh && reachedLow {
			break
		}
	}
	return high, low
}

// PivotType distinguishes swing highs from swing lows.
type PivotType string

const (
	PivotHigh PivotType = "high"
	PivotLow  PivotType = "low"
)

// Pivot is a confirmed swing point. Realized is the first bar on which the
// pivot is known without look-ahead.
type Pivot struct {
	Index    int
	Type     PivotType
	Price    float64
	Realized int
}

// SwingPivots alternates between tracking a swing low and a swing high. A
// swing is confirmed when the opposite extreme appears and becomes known on
// the following bar.
func SwingPivots(in []float64, period int) []Pivot {
	var pivots []Pivot
	add := func(p Pivot) {
		if n := len(pivots); n > 0 && pivots[n-1].Index == p.Index {
			pivots[n-1] = p
			return
		}
		pivots = append(pivots, p)
	}

	mode := PivotLow
	swing := 0
	for i := range in {
		high, low := IsHighLow(in, period, i)
		realized := min(i+1, len(in)-1)
		if high {
			if mode == PivotLow {
				add(Pivot{Index: swing, Type: PivotLow, Price: in[swing], Realized: realized})
				mode = PivotHigh
			}
			swing = i
		}
		if low {
			if mode == PivotHigh {
				add(Pivot{Index: swing, Type: PivotHigh, Price: in[swing], Realized: realized})
				mode = PivotLow
			}
			swing = i
		}
	}
	return pivots
}

// RealizedPivots maps every bar to the position in pivots of the latest
// pivot realized on or before it, or -1.
func RealizedPivots(pivots []Pivot, n int) []int {
	out := make([]int, n)
	k := -1
	for i := 0; i < n; i++ {
		for k+1 < len(pivots) && pivots[k+1].Realized <= i {
			k++
		}
		out[i] = k
	}
	return out
}

// smaDefined applies SMA from the first defined input onward, so a leading
// NaN (as in TrueRange) does not poison the average.
func smaDefined(in []float64, period int) []float64 {
	out := nans(len(in))
	start := firstValid(in)
	copy(out[start:], SMA(in[start:], period))
	return out
}

// rangeAverage is the simple average of the true range.
func rangeAverage(high, low, close []float64, period int) []float64 {
	return smaDefined(TrueRange(high, low, close), period)
}

package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtester/internal/domain"
	"backtester/internal/prices"
)

func series(closes ...float64) *prices.Series {
	bars := make([]domain.Bar, len(closes))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		bars[i] = domain.Bar{Timestamp: start.AddDate(0, 0, i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000}
	}
	return prices.Adjust("TEST", bars)
}

func wave(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 50 + 10*math.Sin(float64(i)/5) + float64(i)/10
	}
	return out
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("RSI")
	require.NoError(t, err)
	assert.Equal(t, KindRSI, k)

	_, err = ParseKind("Bogus")
	assert.Error(t, err)
	assert.Len(t, Kinds(), 17)
}

func TestValidateOptions(t *testing.T) {
	opts := &domain.StrategyOptions{
		BuyIndicators:  map[string]domain.Params{"SMA": {"period": 5}},
		SellIndicators: map[string]domain.Params{"Nope": {}},
	}
	assert.Error(t, ValidateOptions(opts))
	opts.SellIndicators = map[string]domain.Params{"RSI": {}}
	assert.NoError(t, ValidateOptions(opts))
}

func TestEveryKindBuildsAndAnswers(t *testing.T) {
	long := series(wave(300)...)
	short := series(10, 11)
	for _, k := range Kinds() {
		for _, s := range []*prices.Series{long, short} {
			ind, err := New(k, domain.Params{}, s)
			require.NoError(t, err, k)
			assert.Equal(t, k, ind.Kind())
			assert.NotNil(t, ind.Graph())
			for day := 0; day < s.Len(); day++ {
				_ = ind.Value(day)
				sig := ind.Action(day, day%2 == 0)
				assert.Contains(t, []Signal{None, Buy, Sell, Stop}, sig)
			}
		}
	}
}

func TestSMAValues(t *testing.T) {
	out := SMA([]float64{1, 2, 3, 4, 5}, 2)
	require.Len(t, out, 5)
	assert.True(t, math.IsNaN(out[0]))
	assert.InDelta(t, 1.5, out[1], 1e-9)
	assert.InDelta(t, 4.5, out[4], 1e-9)

	assert.True(t, math.IsNaN(SMA([]float64{1}, 3)[0]))
}

func TestWilder(t *testing.T) {
	out := Wilder([]float64{math.NaN(), 2, 4, 6, 8}, 2)
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 3, out[2], 1e-9)
	assert.InDelta(t, 4.5, out[3], 1e-9)
	assert.InDelta(t, 6.25, out[4], 1e-9)
}

func TestTrueRange(t *testing.T) {
	tr := TrueRange([]float64{10, 12, 11}, []float64{8, 9, 7}, []float64{9, 11, 8})
	assert.True(t, math.IsNaN(tr[0]))
	assert.InDelta(t, 3, tr[1], 1e-9) // max(3, |12-9|, |9-9|)
	assert.InDelta(t, 4, tr[2], 1e-9) // max(4, |11-11|, |7-11|)
}

func TestDirectionalMovement(t *testing.T) {
	pdm, ndm := DirectionalMovement([]float64{10, 12, 12}, []float64{8, 9, 6})
	assert.InDelta(t, 2, pdm[1], 1e-9)
	assert.InDelta(t, 0, ndm[1], 1e-9)
	assert.InDelta(t, 0, pdm[2], 1e-9)
	assert.InDelta(t, 3, ndm[2], 1e-9)
}

func TestStochastic(t *testing.T) {
	high := []float64{10, 12, 11}
	low := []float64{8, 9, 7}
	closes := []float64{9, 11, 8}
	out := Stochastic(high, low, closes, 2)
	assert.InDelta(t, 50, out[0], 1e-9)
	assert.InDelta(t, 75, out[1], 1e-9) // (11-8)/(12-8)
	assert.InDelta(t, 20, out[2], 1e-9) // (8-7)/(12-7)
}

func TestRollingMaxIsBackwardLooking(t *testing.T) {
	out := RollingMax([]float64{1, 3, 2, 5, 4, 1, 0}, 3)
	assert.Equal(t, []float64{1, 3, 3, 5, 5, 5, 4}, out)
}

func TestIsHighLowAndHowHighLow(t *testing.T) {
	in := []float64{5, 3, 4, 6, 2}
	high, low := IsHighLow(in, 3, 3)
	assert.True(t, high)
	assert.False(t, low)
	high, low = IsHighLow(in, 4, 4)
	assert.False(t, high)
	assert.True(t, low)

	h, l := HowHighLow(in, 10, 3)
	assert.Equal(t, 3, h)
	assert.Equal(t, 0, l)
}

func TestSwingPivotsRealizeAfterConfirmation(t *testing.T) {
	in := []float64{5, 4, 3, 4, 5, 6, 5, 4, 3, 2, 3, 4}
	pivots := SwingPivots(in, 2)
	require.NotEmpty(t, pivots)
	for i, p := range pivots {
		assert.Greater(t, p.Realized, p.Index-1, "pivot %d realized before it formed", i)
		if i > 0 {
			assert.NotEqual(t, pivots[i-1].Type, p.Type, "pivots must alternate")
			assert.GreaterOrEqual(t, p.Realized, pivots[i-1].Realized)
		}
	}

	realized := RealizedPivots(pivots, len(in))
	for day, k := range realized {
		if k >= 0 {
			assert.LessOrEqual(t, pivots[k].Realized, day)
		}
	}
}

func TestBandOscillatorAction(t *testing.T) {
	o := &bandOscillator{line: []float64{25, 35, 75, 65}, underbought: 30, overbought: 70}
	assert.Equal(t, None, o.Action(0, true))
	assert.Equal(t, Buy, o.Action(1, true))
	assert.Equal(t, None, o.Action(2, true))
	assert.Equal(t, Sell, o.Action(3, true))
	assert.InDelta(t, 0.35, o.Value(1), 1e-9)
}

func TestMovingAverageMainAndSupporting(t *testing.T) {
	s := series(9, 11, 12, 13, 9)
	m := &movingAverage{kind: KindSMA, s: s, minDuration: 2, crossEntry: true, line: []float64{10, 10, 10, 10, 10}}

	assert.Equal(t, Buy, m.Action(1, true), "main buys on the cross")
	assert.Equal(t, None, m.Action(2, true), "main does not buy while merely above")
	assert.Equal(t, Buy, m.Action(2, false), "supporting buys after minDuration bars above")
	assert.Equal(t, Sell, m.Action(4, false))
}

func TestMovingAverageShouldStop(t *testing.T) {
	s := series(20, 19, 18)
	m := &movingAverage{kind: KindSMA, s: s, minDuration: 2, line: []float64{25, 25, 25}}
	assert.Equal(t, Stop, m.ShouldStop(2))
	m.line = []float64{15, 15, 15}
	assert.Equal(t, None, m.ShouldStop(2))
}

func TestSolid(t *testing.T) {
	bars := []domain.Bar{
		{Timestamp: time.Unix(0, 0), Open: 10, High: 12.2, Low: 9.5, Close: 12},
		{Timestamp: time.Unix(86400, 0), Open: 12, High: 14.1, Low: 11.5, Close: 14},
		{Timestamp: time.Unix(2*86400, 0), Open: 14, High: 15, Low: 12, Close: 13},
	}
	s := prices.Adjust("TEST", bars)
	ind, err := New(KindSolid, domain.Params{"minLength": 2, "maxRatio": 0.5}, s)
	require.NoError(t, err)
	assert.Equal(t, Buy, ind.Action(1, true))
	assert.Equal(t, None, ind.Action(2, true), "red candle breaks the streak")
}

func TestCandleFreshness(t *testing.T) {
	bars := []domain.Bar{
		{Timestamp: time.Unix(0, 0), Open: 10, High: 11, Low: 9, Close: 10.5},
		// Hammer: leg 2, body 0.5, head 0.1.
		{Timestamp: time.Unix(86400, 0), Open: 10, High: 10.6, Low: 8, Close: 10.5},
		{Timestamp: time.Unix(2*86400, 0), Open: 10.5, High: 10.5, Low: 10, Close: 10.2},
		{Timestamp: time.Unix(3*86400, 0), Open: 10.2, High: 10.3, Low: 9.9, Close: 10},
		{Timestamp: time.Unix(4*86400, 0), Open: 10, High: 10.1, Low: 9.8, Close: 9.9},
	}
	s := prices.Adjust("TEST", bars)
	ind, err := New(KindCandle, domain.Params{"expiration": 2}, s)
	require.NoError(t, err)
	assert.Equal(t, Buy, ind.Action(1, true))
	assert.Equal(t, Buy, ind.Action(2, true), "still fresh")
	assert.Equal(t, None, ind.Action(3, true), "expired")

	f, ok := ind.(Fielder)
	require.True(t, ok)
	assert.InDelta(t, 4, f.Fields(1)["Leg_Ratio"], 1e-9)
}

func TestStructuredIndicatorsExposeFields(t *testing.T) {
	s := series(wave(120)...)
	for kind, keys := range map[Kind][]string{
		KindMACD:      {"MACD_Histogram", "MACD_Value"},
		KindADX:       {"ADX_Value", "ADX_Histogram"},
		KindCandle:    {"Leg_Ratio", "Head_Ratio"},
		KindStructure: {"Support", "Resistance"},
	} {
		ind, err := New(kind, domain.Params{}, s)
		require.NoError(t, err)
		f, ok := ind.(Fielder)
		require.True(t, ok, kind)
		for _, key := range keys {
			assert.Contains(t, f.Fields(100), key)
		}
	}
	for _, kind := range []Kind{KindRSI, KindStochastic, KindMACD2, KindSMA} {
		ind, err := New(kind, domain.Params{}, s)
		require.NoError(t, err)
		_, ok := ind.(Fielder)
		assert.False(t, ok, kind)
	}
}

package indicator

import (
	"math"

	"backtester/internal/domain"
	"backtester/internal/prices"
)

// ---------------------------------------------------------------------------
// Solid: the last minLength candles are all green with short upper wicks.
// ---------------------------------------------------------------------------

type solid struct {
	s         *prices.Series
	minLength int
	maxRatio  float64
}

func newSolid(p domain.Params, s *prices.Series) Indicator {
	return &solid{s: s, minLength: intParam(p, "minLength", 1), maxRatio: floatParam(p, "maxRatio", 1)}
}

func (c *solid) Kind() Kind                  { return KindSolid }
func (c *solid) Value(int) float64           { return 0 }
func (c *solid) Graph() map[string][]float64 { return map[string][]float64{} }

func (c *solid) Action(day int, _ bool) Signal {
	for i := max(0, day-c.minLength+1); i <= day; i++ {
		body := c.s.Close[i] - c.s.Open[i]
		head := c.s.High[i] - c.s.Close[i]
		if body < 0 || head/body > c.maxRatio {
			return None
		}
	}
	return Buy
}

// ---------------------------------------------------------------------------
// Candle: bullish reversal patterns with a freshness window.
// ---------------------------------------------------------------------------

type candleShape struct {
	green     bool
	body      float64
	leg       float64
	head      float64
	legRatio  float64
	headRatio float64
}

type candle struct {
	s          *prices.Series
	shapes     []candleShape
	expiration int
	minLength  int
	freshness  int
}

// Pattern thresholds as leg/body and head/body ratios.
const (
	hammerLegRatio    = 2.0
	hammerHeadRatio   = 1.0
	marubozuLegRatio  = 0.1
	marubozuHeadRatio = 0.1
)

func newCandle(p domain.Params, s *prices.Series) Indicator {
	c := &candle{s: s, expiration: intParam(p, "expiration", 0), minLength: 1}
	c.shapes = make([]candleShape, s.Len())
	for i := range c.shapes {
		o, h, l, cl := s.Open[i], s.High[i], s.Low[i], s.Close[i]
		sh := candleShape{green: cl > o, body: math.Abs(cl - o)}
		if sh.green {
			sh.leg, sh.head = o-l, h-cl
		} else {
			sh.leg, sh.head = cl-l, h-o
		}
		sh.legRatio = sh.leg / sh.body
		sh.headRatio = sh.head / sh.body
		c.shapes[i] = sh
	}
	return c
}

func (c *candle) Kind() Kind { return KindCandle }

func (c *candle) Value(day int) float64 {
	if day < 0 || day >= len(c.shapes) {
		return math.NaN()
	}
	return c.shapes[day].legRatio
}

func (c *candle) Fields(day int) map[string]float64 {
	if day < 0 || day >= len(c.shapes) {
		return map[string]float64{"Leg_Ratio": math.NaN(), "Head_Ratio": math.NaN()}
	}
	return map[string]float64{"Leg_Ratio": c.shapes[day].legRatio, "Head_Ratio": c.shapes[day].headRatio}
}

func (c *candle) Graph() map[string][]float64 {
	g := map[string][]float64{}
	for _, sh := range c.shapes {
		g["candles"] = append(g["candles"], sh.body)
		g["legs"] = append(g["legs"], sh.leg)
		g["heads"] = append(g["heads"], sh.head)
		g["legRatios"] = append(g["legRatios"], sh.legRatio)
		g["headRatios"] = append(g["headRatios"], sh.headRatio)
	}
	return g
}

func (c *candle) pattern(i int) bool {
	sh, prev := c.shapes[i], c.shapes[i-1]
	if !sh.green {
		return false
	}
	switch {
	case sh.legRatio >= hammerLegRatio && sh.headRatio <= hammerHeadRatio:
		return true
	case sh.legRatio <= marubozuLegRatio && sh.headRatio <= marubozuHeadRatio:
		return true
	case !prev.green && c.s.Close[i-1] >= c.s.Open[i] && c.s.Open[i-1] < c.s.Close[i]:
		return true
	default:
		return c.s.Close[i] > c.s.High[i-1]
	}
}

// Action keeps signalling Buy for expiration bars after the last pattern.
func (c *candle) Action(day int, _ bool) Signal {
	if day < 1 {
		return None
	}
	buy := false
	for i := max(1, day-c.minLength+1); i <= day; i++ {
		if c.pattern(i) {
			buy = true
		}
	}
	c.freshness--
	if buy {
		c.freshness = c.expiration
		return Buy
	}
	if c.freshness > 0 {
		return Buy
	}
	return None
}

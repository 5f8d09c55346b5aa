package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtester/internal/domain"
	"backtester/internal/prices"
)

// aaa is six daily bars whose lows never fall under 8 and whose highs never
// reach 14.
func aaa() *prices.Series {
	closes := []float64{10, 9, 8, 12, 12, 11}
	start := time.Date(2024, 3, 4, 5, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{Timestamp: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	bars[0].Low = 9
	return prices.Adjust("AAA", bars)
}

func TestLevels(t *testing.T) {
	s := aaa()
	e := Levels(Settings{UseATR: true, StoplossATR: 1, UseRatio: true, Ratio: 2}, s, 1, 0, 10)
	assert.InDelta(t, 8, e.Stoploss, 1e-9)
	assert.InDelta(t, 8, e.InitStoploss, 1e-9)
	assert.InDelta(t, 14, e.Target, 1e-9)
	assert.InDelta(t, 20, e.Risk, 1e-9)
	assert.Zero(t, e.MidPoint)

	e = Levels(Settings{UseATR: true, StoplossATR: 1, UseRatio: true, Ratio: 2, TrailingStop: true}, s, 1, 0, 10)
	assert.InDelta(t, 12, e.MidPoint, 1e-9)

	e = Levels(Settings{UseRatio: true, Ratio: 2}, s, 1, 0, 10)
	assert.Zero(t, e.Stoploss)
	assert.Zero(t, e.Target, "no target without a stoploss")
}

func TestLevelsSwingUsesLowestRecentLow(t *testing.T) {
	s := aaa()
	e := Levels(Settings{UseATR: true, StoplossATR: 1, Swing: true}, s, 1, 3, 12)
	assert.InDelta(t, 7, e.Stoploss, 1e-9) // min(12, 8, 9, 9) - 1
}

func TestAccept(t *testing.T) {
	e := domain.StoplossTarget{Target: 14}
	assert.True(t, Accept(e, 0))
	assert.True(t, Accept(e, 15))
	assert.False(t, Accept(e, 13))
	assert.True(t, Accept(domain.StoplossTarget{}, 13))
}

func TestCheckOverdueAtClose(t *testing.T) {
	s := aaa()
	e := Levels(Settings{UseATR: true, StoplossATR: 1, UseRatio: true, Ratio: 2}, s, 1, 0, 10)
	for day := 0; day < 5; day++ {
		_, ok := Check(&e, s, day, s.Dates[0], 10, 4)
		require.False(t, ok, "day %d", day)
	}
	exit, ok := Check(&e, s, 5, s.Dates[0], 10, 4)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonOverdue, exit.Reason)
	assert.InDelta(t, 11, exit.Price, 1e-9)

	profit, pct := Profit(10, exit.Price, &e, exit.Reason)
	assert.InDelta(t, 1, profit, 1e-9)
	assert.InDelta(t, 0.1, pct, 1e-9)
}

func TestCheckStoplossOverridesTarget(t *testing.T) {
	s := aaa()
	s.High[1], s.Low[1] = 20, 5
	e := domain.StoplossTarget{Stoploss: 8, Target: 14}
	exit, ok := Check(&e, s, 1, s.Dates[0], 10, 0)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonStoploss, exit.Reason)
	assert.InDelta(t, 8, exit.Price, 1e-9)
}

func TestCheckNeverOnBuyDay(t *testing.T) {
	s := aaa()
	e := domain.StoplossTarget{Stoploss: 100}
	_, ok := Check(&e, s, 2, s.Dates[2], 8, 0)
	assert.False(t, ok)
}

func TestCheckMidpointMovesStoploss(t *testing.T) {
	s := aaa()
	e := domain.StoplossTarget{Stoploss: 8, Target: 14, MidPoint: 11}
	_, ok := Check(&e, s, 3, s.Dates[0], 10, 0)
	assert.False(t, ok)
	assert.True(t, e.MidPointReached)
	assert.InDelta(t, 10, e.Stoploss, 1e-9)
}

func TestProfitBlend(t *testing.T) {
	e := &domain.StoplossTarget{MidPoint: 12, MidPointReached: true}
	profit, _ := Profit(10, 9, e, domain.ReasonStoploss)
	assert.Equal(t, (12.0-10)*0.5, profit)

	profit, _ = Profit(10, 14, e, domain.ReasonTarget)
	assert.InDelta(t, 3, profit, 1e-9)

	profit, _ = Profit(10, 13, e, domain.ReasonIndicator)
	assert.InDelta(t, 2.5, profit, 1e-9)

	profit, pct := Profit(10, 13, &domain.StoplossTarget{MidPoint: 12}, domain.ReasonIndicator)
	assert.InDelta(t, 3, profit, 1e-9)
	assert.InDelta(t, 0.3, pct, 1e-9)
}

func TestBook(t *testing.T) {
	b := NewBook()
	k := KeyFor("AAA", time.Unix(100, 0))
	stored := b.Insert(k, domain.StoplossTarget{Stoploss: 8})
	stored.Stoploss = 9
	got, ok := b.Get(k)
	require.True(t, ok)
	assert.InDelta(t, 9, got.Stoploss, 1e-9)
	assert.Equal(t, 1, b.Len())
	b.Delete(k)
	_, ok = b.Get(k)
	assert.False(t, ok)
}

func TestEarlyExitsEntersCarriedHoldings(t *testing.T) {
	s := aaa()
	b := NewBook()
	holdings := []domain.Holding{
		{BuyDate: s.Dates[0], BuyPrice: 10, StoplossTarget: domain.StoplossTarget{Stoploss: 8.5}},
		{BuyDate: s.Dates[1], BuyPrice: 9, StoplossTarget: domain.StoplossTarget{Target: 11}},
	}
	exits := EarlyExits(b, "AAA", holdings, s, 2, 0)
	require.Len(t, exits, 1)
	assert.Equal(t, domain.ReasonStoploss, exits[0].Reason)
	assert.Equal(t, 2, b.Len())

	exits = EarlyExits(b, "AAA", holdings[1:], s, 3, 0)
	require.Len(t, exits, 1)
	assert.Equal(t, domain.ReasonTarget, exits[0].Reason)
	assert.InDelta(t, 11, exits[0].Price, 1e-9)
}

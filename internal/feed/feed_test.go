package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtester/internal/domain"
	"backtester/internal/store"
)

type fakeProvider struct {
	mu     sync.Mutex
	bars   []domain.Bar
	calls  []time.Time // start of every request
	failN  int         // fail this many calls first
	failed int
}

func (p *fakeProvider) Bars(_ context.Context, symbol string, _ domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, start)
	if p.failed < p.failN {
		p.failed++
		return nil, errors.New("503 service unavailable")
	}
	var out []domain.Bar
	for _, b := range p.bars {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			b.Symbol = symbol
			out = append(out, b)
		}
	}
	return out, nil
}

func days(from time.Time, closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{Timestamp: from.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 100}
	}
	return bars
}

func newFeed(t *testing.T, p Provider, opts Options, now time.Time) *Cached {
	t.Helper()
	f := NewCached(p, store.NewParquetCache(t.TempDir()), opts)
	f.now = func() time.Time { return now }
	return f
}

var day0 = time.Date(2024, 1, 2, 5, 0, 0, 0, time.UTC)

func TestPricesFillsCacheThenTopsUp(t *testing.T) {
	p := &fakeProvider{bars: days(day0, 1, 2, 3)}
	f := newFeed(t, p, Options{Start: day0.AddDate(-1, 0, 0)}, day0.AddDate(0, 0, 2))

	got, err := f.Prices(context.Background(), "AAA", domain.Timeframe1Day)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	require.Len(t, p.calls, 1)

	// Same day: served from cache without a request.
	got, err = f.Prices(context.Background(), "AAA", domain.Timeframe1Day)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Len(t, p.calls, 1)

	// Two days later only the tail is requested.
	p.bars = days(day0, 1, 2, 3, 4, 5)
	f.now = func() time.Time { return day0.AddDate(0, 0, 4) }
	got, err = f.Prices(context.Background(), "AAA", domain.Timeframe1Day)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, 5.0, got[4].Close)
	require.Len(t, p.calls, 2)
	assert.True(t, p.calls[1].Equal(day0.AddDate(0, 0, 2)))
}

func TestPricesRefetchesWhenAdjustmentChanges(t *testing.T) {
	p := &fakeProvider{bars: days(day0, 2, 4, 6)}
	f := newFeed(t, p, Options{Start: day0.AddDate(-1, 0, 0)}, day0.AddDate(0, 0, 2))
	_, err := f.Prices(context.Background(), "AAA", domain.Timeframe1Day)
	require.NoError(t, err)

	// A 2:1 split halves the whole history on the provider side.
	p.bars = days(day0, 1, 2, 3, 4)
	f.now = func() time.Time { return day0.AddDate(0, 0, 4) }
	got, err := f.Prices(context.Background(), "AAA", domain.Timeframe1Day)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, 1.0, got[0].Close)
	assert.Equal(t, 3.0, got[2].Close)
	require.Len(t, p.calls, 3)
	assert.True(t, p.calls[2].Equal(day0.AddDate(-1, 0, 0)))

	// The rebuilt cache agrees with the provider again: a plain top-up.
	cached, err := f.Prices(context.Background(), "AAA", domain.Timeframe1Day)
	require.NoError(t, err)
	require.Len(t, cached, 4)
	assert.Equal(t, 1.0, cached[0].Close)
	assert.Len(t, p.calls, 4)
}

func TestPricesRetriesTransientErrors(t *testing.T) {
	p := &fakeProvider{bars: days(day0, 1, 2), failN: 2}
	f := newFeed(t, p, Options{MaxRetries: 3}, day0.AddDate(0, 0, 1))

	got, err := f.Prices(context.Background(), "AAA", domain.Timeframe1Day)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Len(t, p.calls, 3)
}

func TestPricesNoData(t *testing.T) {
	f := newFeed(t, &fakeProvider{}, Options{}, day0)
	_, err := f.Prices(context.Background(), "NONE", domain.Timeframe1Day)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestPricesKeepsCacheWhenTopUpFails(t *testing.T) {
	p := &fakeProvider{bars: days(day0, 1, 2)}
	f := newFeed(t, p, Options{}, day0.AddDate(0, 0, 1))
	_, err := f.Prices(context.Background(), "AAA", domain.Timeframe1Day)
	require.NoError(t, err)

	p.failN, p.failed = 1, 0
	f.now = func() time.Time { return day0.AddDate(0, 0, 5) }
	got, err := f.Prices(context.Background(), "AAA", domain.Timeframe1Day)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRefreshReplacesCache(t *testing.T) {
	p := &fakeProvider{bars: days(day0, 0, 2, 3)}
	f := newFeed(t, p, Options{}, day0.AddDate(0, 0, 2))
	_, err := f.Prices(context.Background(), "AAA", domain.Timeframe1Day)
	require.NoError(t, err)

	p.bars = days(day0, 1, 2, 3)
	got, err := f.Refresh(context.Background(), "AAA", domain.Timeframe1Day)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got[0].Close)

	cached, err := f.Prices(context.Background(), "AAA", domain.Timeframe1Day)
	require.NoError(t, err)
	assert.Equal(t, 1.0, cached[0].Close)
}

func TestNoCacheAlwaysFetches(t *testing.T) {
	p := &fakeProvider{bars: days(day0, 1)}
	f := NewCached(p, nil, Options{})
	for i := 0; i < 2; i++ {
		_, err := f.Prices(context.Background(), "AAA", domain.Timeframe1Day)
		require.NoError(t, err)
	}
	assert.Len(t, p.calls, 2)
}

func TestTimeFrame(t *testing.T) {
	_, err := timeFrame(domain.Timeframe1Hour)
	assert.NoError(t, err)
	_, err = timeFrame("1Week")
	assert.Error(t, err)
}

// Package feed supplies full price histories to the engine, backed by a
// remote provider and a local bar cache.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"backtester/internal/domain"
	"backtester/internal/store"
	"backtester/internal/util"
)

// ErrNoData is returned when neither the cache nor the provider has any bar
// for a symbol.
var ErrNoData = errors.New("no price data")

// Feed returns the complete bar history of a symbol, oldest first.
type Feed interface {
	Prices(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.Bar, error)
}

// Provider fetches bars in [start, end] from a remote source.
type Provider interface {
	Bars(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error)
}

// Options tune a Cached feed.
type Options struct {
	RateLimitPerMin int // 0 disables throttling
	MaxRetries      int
	RetryBaseDelay  time.Duration
	Start           time.Time // first date requested for a symbol without cache
	NoCache         bool
}

// Compile-time interface check.
var _ Feed = (*Cached)(nil)

// Cached serves prices from the bar cache and tops it up from the provider
// with whatever bars are newer than the last cached one.
type Cached struct {
	provider Provider
	cache    store.BarCache
	limiter  *rate.Limiter
	opts     Options
	now      func() time.Time
	log      *slog.Logger
}

// NewCached creates a feed. cache may be nil, in which case every call goes
// to the provider.
func NewCached(p Provider, cache store.BarCache, opts Options) *Cached {
	limit := rate.Inf
	if opts.RateLimitPerMin > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RateLimitPerMin))
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if cache == nil {
		opts.NoCache = true
	}
	return &Cached{
		provider: p,
		cache:    cache,
		limiter:  rate.NewLimiter(limit, 1),
		opts:     opts,
		now:      time.Now,
		log:      slog.Default().With("component", "feed"),
	}
}

// Prices returns the cached history of symbol extended with newer bars from
// the provider.
func (f *Cached) Prices(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.Bar, error) {
	if f.opts.NoCache {
		return f.fetchAll(ctx, symbol, tf)
	}

	cached, err := f.cache.ReadBars(ctx, symbol, tf)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		f.log.Warn("reading bar cache", "symbol", symbol, "error", err)
	}
	if len(cached) == 0 {
		return f.fetchAll(ctx, symbol, tf)
	}

	last := cached[len(cached)-1]
	now := f.now()
	if !f.stale(last.Timestamp, now, tf) {
		return cached, nil
	}
	// The request overlaps the last cached bar to detect a change of
	// adjustment, such as a split since the cache was written.
	fresh, err := f.fetch(ctx, symbol, tf, last.Timestamp, now)
	if err != nil {
		// Serve what we have; the next call tries again.
		f.log.Warn("topping up bars", "symbol", symbol, "error", err)
		return cached, nil
	}
	if len(fresh) > 0 && fresh[0].Timestamp.Equal(last.Timestamp) && !sameClose(fresh[0].Close, last.Close) {
		f.log.Info("adjustment changed, refetching history", "symbol", symbol,
			"cached", last.Close, "fresh", fresh[0].Close)
		return f.Refresh(ctx, symbol, tf)
	}
	if len(fresh) == 0 || !fresh[len(fresh)-1].Timestamp.After(last.Timestamp) {
		return cached, nil
	}
	if err := f.cache.WriteBars(ctx, symbol, tf, fresh); err != nil {
		f.log.Warn("writing bar cache", "symbol", symbol, "error", err)
	}
	return merge(cached, fresh), nil
}

// Refresh discards the cache of symbol and downloads its full history again.
func (f *Cached) Refresh(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.Bar, error) {
	if !f.opts.NoCache {
		if err := f.cache.Remove(symbol, tf); err != nil {
			return nil, fmt.Errorf("removing cache of %s: %w", symbol, err)
		}
	}
	return f.fetchAll(ctx, symbol, tf)
}

func (f *Cached) fetchAll(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.Bar, error) {
	bars, err := f.fetch(ctx, symbol, tf, f.opts.Start, f.now())
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol, tf, ErrNoData)
	}
	if !f.opts.NoCache {
		if err := f.cache.WriteBars(ctx, symbol, tf, bars); err != nil {
			f.log.Warn("writing bar cache", "symbol", symbol, "error", err)
		}
	}
	return bars, nil
}

func (f *Cached) fetch(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	err := util.Retry(ctx, f.opts.MaxRetries, f.opts.RetryBaseDelay, func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		bars, err = f.provider.Bars(ctx, symbol, tf, start, end)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s %s: %w", symbol, tf, err)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// stale reports whether a bar newer than last may exist by now.
func (f *Cached) stale(last, now time.Time, tf domain.Timeframe) bool {
	if tf == domain.Timeframe1Hour {
		return now.Sub(last) >= time.Hour
	}
	return domain.DaysBetween(now, last) >= 1
}

// sameClose compares two closes of the same bar up to rounding noise.
func sameClose(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(math.Abs(a), math.Abs(b))
}

// merge appends fresh bars that are strictly newer than the cached ones.
func merge(cached, fresh []domain.Bar) []domain.Bar {
	last := cached[len(cached)-1].Timestamp
	out := cached
	for _, b := range fresh {
		if b.Timestamp.After(last) {
			out = append(out, b)
		}
	}
	return out
}

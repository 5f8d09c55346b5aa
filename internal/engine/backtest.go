package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"backtester/internal/domain"
	"backtester/internal/feed"
	"backtester/internal/indicator"
	"backtester/internal/partition"
	"backtester/internal/prices"
	"backtester/internal/simulate"
	"backtester/internal/store"
)

// StartBacktest validates opts, records a running result and queues the
// backtest. The returned ticket carries the new result id.
func (e *Engine) StartBacktest(ctx context.Context, opts domain.StrategyOptions) (Ticket, error) {
	if err := opts.Validate(); err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := indicator.ValidateOptions(&opts); err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	id := e.newID()
	created := e.now()
	err := e.setFields(ctx, store.Results, id,
		field{"id", id},
		field{"strategyOptions", opts},
		field{"created", created},
		field{"status", domain.StatusRunning},
	)
	if err != nil {
		return Ticket{}, err
	}

	jobCtx := context.WithoutCancel(ctx)
	pos, err := e.queue.Submit("backtest "+id, func() {
		e.backtest(jobCtx, id, opts, created)
	}, false)
	if err != nil {
		_ = e.store.Delete(ctx, store.Results, id)
		return Ticket{}, err
	}
	e.log.Info("backtest queued", "id", id, "position", pos)
	return Ticket{ID: id, Position: pos}, nil
}

func (e *Engine) backtest(ctx context.Context, id string, opts domain.StrategyOptions, created time.Time) {
	started := e.now()
	data, err := e.simulateAll(ctx, id, &opts, nil, time.Time{})
	if err == nil {
		err = e.save(ctx, store.Results, &domain.BacktestResult{
			ID:              id,
			StrategyOptions: opts,
			SymbolData:      data,
			Created:         created,
			LastUpdated:     started,
			Status:          domain.StatusReady,
		})
	}
	if err != nil {
		_ = e.store.SetResultField(ctx, store.Results, id, "status", domain.StatusReady)
	}
	e.log.Info("backtest finished", "id", id, "symbols", len(data), "elapsed", e.now().Sub(started))
	e.finish(id, EventResultsFinished, err)

	if err == nil && e.opts.RepairFaulty {
		if _, err := e.FixFaulty(ctx); err != nil {
			e.log.Warn("repairing faulty symbols", "error", err)
		}
	}
}

// StartUpdate queues an incremental update of the backtest id, which walks
// only the days since its last update.
func (e *Engine) StartUpdate(ctx context.Context, id string) (Ticket, error) {
	if err := requireBase(id); err != nil {
		return Ticket{}, err
	}
	var head struct {
		Status      domain.Status `json:"status"`
		LastUpdated time.Time     `json:"lastUpdated"`
	}
	if err := store.Load(ctx, e.store, store.Results, id, &head); err != nil {
		return Ticket{}, err
	}
	if head.Status == domain.StatusRunning || head.Status == domain.StatusUpdating {
		return Ticket{}, fmt.Errorf("%w: %s is %s", ErrBusy, id, head.Status)
	}
	if domain.DaysBetween(e.now(), head.LastUpdated) < 1 {
		return Ticket{}, fmt.Errorf("%w: %s was updated %s", ErrUpToDate, id, head.LastUpdated.Format(time.RFC3339))
	}
	if err := e.store.SetResultField(ctx, store.Results, id, "status", domain.StatusUpdating); err != nil {
		return Ticket{}, err
	}

	jobCtx := context.WithoutCancel(ctx)
	pos, err := e.queue.Submit("update "+id, func() { e.update(jobCtx, id) }, false)
	if err != nil {
		_ = e.store.SetResultField(ctx, store.Results, id, "status", head.Status)
		return Ticket{}, err
	}
	e.log.Info("update queued", "id", id, "position", pos)
	return Ticket{ID: id, Position: pos}, nil
}

func (e *Engine) update(ctx context.Context, id string) {
	started := e.now()
	r, err := e.Result(ctx, id)
	if err == nil {
		var data map[string]domain.SymbolResult
		data, err = e.simulateAll(ctx, id, &r.StrategyOptions, r.SymbolData, r.LastUpdated)
		if err == nil {
			r.SymbolData = data
			r.LastUpdated = started
			r.Status = domain.StatusReady
			err = e.save(ctx, store.Results, r)
		}
	}
	if err != nil {
		_ = e.store.SetResultField(ctx, store.Results, id, "status", domain.StatusReady)
	}
	e.finish(id, EventUpdateFinished, err)
}

// requireBase rejects optimized cell ids.
func requireBase(id string) error {
	if collection(id) != store.Results {
		return fmt.Errorf("%w: %s is an optimized cell", ErrInvalid, id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Simulation
// ---------------------------------------------------------------------------

// simulateAll runs opts over the universe. prev and lastUpdated are set for
// an incremental update. Symbols found faulty are added to the faulty list.
func (e *Engine) simulateAll(
	ctx context.Context,
	id string,
	opts *domain.StrategyOptions,
	prev map[string]domain.SymbolResult,
	lastUpdated time.Time,
) (map[string]domain.SymbolResult, error) {
	symbols, err := e.universe.Symbols(opts.Symbols)
	if err != nil {
		return nil, fmt.Errorf("loading symbols: %w", err)
	}
	e.log.Info("simulating", "id", id, "symbols", len(symbols), "workers", e.opts.Workers, "incremental", !lastUpdated.IsZero())

	previous := func(sym string) *domain.SymbolResult {
		if p, ok := prev[sym]; ok {
			return &p
		}
		return nil
	}
	results := partition.Run(ctx, partition.Job[domain.SymbolResult]{
		Symbols: symbols,
		Workers: e.opts.Workers,
		Work: func(ctx context.Context, sym string) (domain.SymbolResult, bool) {
			return e.simulateSymbol(ctx, sym, opts, previous(sym), lastUpdated)
		},
		Fault: func(sym string, _ error) (domain.SymbolResult, bool) {
			return markFaulty(previous(sym)), true
		},
		Progress: e.progress(id, EventProgress),
		Log:      e.log,
	})

	var broken []string
	for sym, r := range results {
		if r.Faulty {
			broken = append(broken, sym)
		}
	}
	if len(broken) > 0 {
		sort.Strings(broken)
		e.log.Warn("faulty symbols", "id", id, "count", len(broken))
		if err := e.universe.AddFaulty(broken...); err != nil {
			e.log.Warn("recording faulty symbols", "error", err)
		}
	}
	return results, nil
}

func (e *Engine) simulateSymbol(
	ctx context.Context,
	sym string,
	opts *domain.StrategyOptions,
	prev *domain.SymbolResult,
	lastUpdated time.Time,
) (domain.SymbolResult, bool) {
	bars, err := e.feed.Prices(ctx, sym, opts.Timeframe)
	if err != nil {
		if !errors.Is(err, feed.ErrNoData) {
			e.log.Warn("fetching prices", "symbol", sym, "error", err)
		}
		return markFaulty(prev), true
	}
	s := prices.Adjust(sym, bars)
	if !lastUpdated.IsZero() {
		s = s.Slice(s.Cutoff(lastUpdated, opts.Margin()))
	}
	r, err := simulate.Run(simulate.Input{
		Symbol:      sym,
		Series:      s,
		Options:     opts,
		Previous:    prev,
		LastUpdated: lastUpdated,
		Factory:     e.opts.Factory,
	})
	if err != nil {
		e.log.Warn("simulating", "symbol", sym, "error", err)
		return markFaulty(prev), true
	}
	return r, !r.Empty()
}

// markFaulty flags prev, or an empty result, as faulty.
func markFaulty(prev *domain.SymbolResult) domain.SymbolResult {
	r := domain.SymbolResult{Events: []domain.Event{}, Holdings: []domain.Holding{}}
	if prev != nil {
		r = *prev
	}
	r.Faulty = true
	return r
}

// ---------------------------------------------------------------------------
// Faulty symbols
// ---------------------------------------------------------------------------

// FixReport counts the outcome of a repair pass.
type FixReport struct {
	Fixed       []string `json:"fixed"`
	Blacklisted []string `json:"blacklisted"`
}

// FixFaulty refetches every symbol on the faulty list. Symbols whose fresh
// daily series is complete are kept, the rest are blacklisted. The faulty
// list is cleared afterwards.
func (e *Engine) FixFaulty(ctx context.Context) (*FixReport, error) {
	faulty, err := e.universe.Faulty()
	if err != nil {
		return nil, err
	}
	report := &FixReport{Fixed: []string{}, Blacklisted: []string{}}
	for _, sym := range faulty {
		if e.repair(ctx, sym) {
			report.Fixed = append(report.Fixed, sym)
		} else {
			report.Blacklisted = append(report.Blacklisted, sym)
		}
	}
	if err := e.universe.AddBlacklist(report.Blacklisted...); err != nil {
		return nil, fmt.Errorf("blacklisting: %w", err)
	}
	if err := e.universe.ClearFaulty(); err != nil {
		return nil, fmt.Errorf("clearing faulty list: %w", err)
	}
	e.log.Info("faulty symbols repaired", "fixed", len(report.Fixed), "blacklisted", len(report.Blacklisted))
	return report, nil
}

func (e *Engine) repair(ctx context.Context, sym string) bool {
	var bars []domain.Bar
	var err error
	if r, ok := e.feed.(refresher); ok {
		bars, err = r.Refresh(ctx, sym, domain.Timeframe1Day)
	} else {
		bars, err = e.feed.Prices(ctx, sym, domain.Timeframe1Day)
	}
	if err != nil {
		e.log.Debug("refetch failed", "symbol", sym, "error", err)
		return false
	}
	return len(bars) > 0 && prices.Adjust(sym, bars).AllValid()
}

// StartFixFaulty queues FixFaulty. The report is published on FaultyChannel.
func (e *Engine) StartFixFaulty(ctx context.Context) (Ticket, error) {
	jobCtx := context.WithoutCancel(ctx)
	pos, err := e.queue.Submit("fix faulty", func() {
		report, err := e.FixFaulty(jobCtx)
		if err != nil {
			e.finish(FaultyChannel, EventFixFaultyFinished, err)
			return
		}
		e.push.Publish(FaultyChannel, EventFixFaultyFinished, report)
	}, false)
	if err != nil {
		return Ticket{}, err
	}
	return Ticket{ID: FaultyChannel, Position: pos}, nil
}

// Package engine runs backtests, incremental updates and optimizations as
// queued jobs and serves the stored results.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"

	"backtester/internal/domain"
	"backtester/internal/feed"
	"backtester/internal/indicator"
	"backtester/internal/optimize"
	"backtester/internal/push"
	"backtester/internal/queue"
	"backtester/internal/store"
	"backtester/internal/summary"
	"backtester/internal/universe"
)

var (
	// ErrInvalid wraps every rejected request.
	ErrInvalid = errors.New("invalid request")
	// ErrBusy is returned when a result cannot be touched while a job owns it.
	ErrBusy = errors.New("result is busy")
	// ErrUpToDate is returned by StartUpdate when the result was refreshed
	// less than a day ago.
	ErrUpToDate = errors.New("result is up to date")
)

// Push events.
const (
	EventProgress           = "onProgressUpdate"
	EventResultsFinished    = "onResultsFinished"
	EventUpdateFinished     = "onUpdateFinished"
	EventOptimizeProgress   = "onOptimizeProgressUpdate"
	EventOptimizeFinished   = "onOptimizeFinished"
	EventIndicatorsProgress = "onOptimizeIndicatorsProgressUpdate"
	EventIndicatorsFinished = "onOptimizeIndicatorsFinished"
	EventFixFaultyFinished  = "onFixFaultyFinished"

	// FaultyChannel carries repair events.
	FaultyChannel = "faulty"
)

// Ticket identifies an accepted job.
type Ticket struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// Options tunes an Engine.
type Options struct {
	// Workers is the partition count of every run; zero selects NumCPU.
	Workers int
	// Factory builds indicators; nil selects indicator.New.
	Factory indicator.Factory
	// RepairFaulty runs FixFaulty at the end of every fresh backtest.
	RepairFaulty bool
}

// refresher is implemented by feeds that can drop and rebuild a cached
// series.
type refresher interface {
	Refresh(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.Bar, error)
}

// Engine owns the job queue and everything a job touches.
type Engine struct {
	store    store.ResultStore
	feed     feed.Feed
	universe *universe.Universe
	queue    *queue.Queue
	push     push.Publisher
	opts     Options

	now   func() time.Time
	newID func() string
	log   *slog.Logger
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(
	s store.ResultStore,
	f feed.Feed,
	u *universe.Universe,
	q *queue.Queue,
	p push.Publisher,
	opts Options,
) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Factory == nil {
		opts.Factory = indicator.New
	}
	return &Engine{
		store:    s,
		feed:     f,
		universe: u,
		queue:    q,
		push:     p,
		opts:     opts,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		log:      slog.Default().With("component", "engine"),
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// collection returns where id is stored.
func collection(id string) store.Collection {
	if optimize.IsCellID(id) {
		return store.Optimized
	}
	return store.Results
}

// Result returns the stored backtest id, base or optimized cell.
func (e *Engine) Result(ctx context.Context, id string) (*domain.BacktestResult, error) {
	var r domain.BacktestResult
	if err := store.Load(ctx, e.store, collection(id), id, &r); err != nil {
		return nil, err
	}
	r.ID = id
	return &r, nil
}

// Summary returns the stored summary of id, computing it when the result
// predates summaries.
func (e *Engine) Summary(ctx context.Context, id string) (*summary.Summary, error) {
	var s summary.Summary
	err := store.Field(ctx, e.store, collection(id), id, "summary", &s)
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	r, err := e.Result(ctx, id)
	if err != nil {
		return nil, err
	}
	s = summary.Summarize(r, e.now())
	return &s, nil
}

// List returns the ids of every base backtest, oldest first.
func (e *Engine) List(ctx context.Context) ([]string, error) {
	return e.store.List(ctx, store.Results)
}

// Pending returns the number of queued jobs, the running one included.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// baseID resolves an optimized cell id to its base backtest.
func (e *Engine) baseID(ctx context.Context, id string) (string, error) {
	if !optimize.IsCellID(id) {
		return id, nil
	}
	var link domain.Optimized
	if err := store.Field(ctx, e.store, store.Optimized, id, "_optimized", &link); err != nil {
		return "", err
	}
	if link.Base == "" {
		return "", fmt.Errorf("cell %s has no base: %w", id, store.ErrNotFound)
	}
	return link.Base, nil
}

// CellSummary is one entry of an optimized grid.
type CellSummary struct {
	Summary         summary.Summary        `json:"summary"`
	StrategyOptions domain.StrategyOptions `json:"strategyOptions"`
}

// OptimizedSet is every optimized cell of a base backtest.
type OptimizedSet struct {
	ID      string                 `json:"id"`
	Results map[string]CellSummary `json:"results"`
}

// OptimizedStoplossTarget returns the cells generated for id or for the base
// of the cell id.
func (e *Engine) OptimizedStoplossTarget(ctx context.Context, id string) (*OptimizedSet, error) {
	base, err := e.baseID(ctx, id)
	if err != nil {
		return nil, err
	}
	var link domain.Optimized
	if err := store.Field(ctx, e.store, store.Results, base, "_optimized", &link); err != nil {
		return nil, fmt.Errorf("%s has not been optimized: %w", base, err)
	}

	set := &OptimizedSet{ID: base, Results: make(map[string]CellSummary, len(link.IDs))}
	for _, cell := range link.IDs {
		var c CellSummary
		if err := store.Field(ctx, e.store, store.Optimized, cell, "strategyOptions", &c.StrategyOptions); err != nil {
			e.log.Warn("skipping optimized cell", "id", cell, "error", err)
			continue
		}
		s, err := e.Summary(ctx, cell)
		if err != nil {
			return nil, err
		}
		c.Summary = *s
		set.Results[cell] = c
	}
	return set, nil
}

// OptimizedIndicators returns the indicator capture of id or of the base of
// the cell id.
func (e *Engine) OptimizedIndicators(ctx context.Context, id string) (map[string]domain.IndicatorCapture, error) {
	base, err := e.baseID(ctx, id)
	if err != nil {
		return nil, err
	}
	var out map[string]domain.IndicatorCapture
	if err := store.Field(ctx, e.store, store.Indicators, base, "data", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExportCapture writes the indicator capture of id to a Parquet file.
func (e *Engine) ExportCapture(ctx context.Context, id, path string) error {
	captures, err := e.OptimizedIndicators(ctx, id)
	if err != nil {
		return err
	}
	return store.WriteCapture(path, captures)
}

// Actions lists the symbols to act on today.
type Actions struct {
	Buy  []string `json:"buy"`
	Sell []string `json:"sell"`
}

// ActionsToday returns the symbols of id whose last holding was bought
// today and those whose last trade was sold today.
func (e *Engine) ActionsToday(ctx context.Context, id string) (*Actions, error) {
	r, err := e.Result(ctx, id)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := &Actions{Buy: []string{}, Sell: []string{}}
	for sym, data := range r.SymbolData {
		if n := len(data.Holdings); n > 0 && domain.DaysBetween(now, data.Holdings[n-1].BuyDate) == 0 {
			out.Buy = append(out.Buy, sym)
		}
		if n := len(data.Events); n > 0 && domain.DaysBetween(now, data.Events[n-1].SellDate) == 0 {
			out.Sell = append(out.Sell, sym)
		}
	}
	sort.Strings(out.Buy)
	sort.Strings(out.Sell)
	return out, nil
}

// Delete removes the backtest id together with its optimized cells and its
// indicator capture. Cells cannot be deleted on their own.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if optimize.IsCellID(id) {
		return fmt.Errorf("%w: cannot delete optimized cell %s", ErrInvalid, id)
	}
	var head struct {
		Status    domain.Status     `json:"status"`
		Optimized *domain.Optimized `json:"_optimized"`
	}
	if err := store.Load(ctx, e.store, store.Results, id, &head); err != nil {
		return err
	}
	if head.Status == domain.StatusRunning || head.Status == domain.StatusUpdating {
		return fmt.Errorf("%w: %s is %s", ErrBusy, id, head.Status)
	}
	if head.Optimized != nil {
		for _, cell := range head.Optimized.IDs {
			if err := e.store.Delete(ctx, store.Optimized, cell); err != nil {
				return fmt.Errorf("deleting cell %s: %w", cell, err)
			}
		}
	}
	if err := e.store.Delete(ctx, store.Indicators, id); err != nil {
		return fmt.Errorf("deleting capture of %s: %w", id, err)
	}
	if err := e.store.Delete(ctx, store.Results, id); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	e.log.Info("deleted result", "id", id)
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type field struct {
	name  string
	value any
}

func (e *Engine) setFields(ctx context.Context, c store.Collection, id string, fields ...field) error {
	for _, f := range fields {
		if err := e.store.SetResultField(ctx, c, id, f.name, f.value); err != nil {
			return fmt.Errorf("saving %s of %s: %w", f.name, id, err)
		}
	}
	return nil
}

// save writes every field of r and its summary to collection c.
func (e *Engine) save(ctx context.Context, c store.Collection, r *domain.BacktestResult) error {
	fields := []field{
		{"id", r.ID},
		{"strategyOptions", r.StrategyOptions},
		{"symbolData", r.SymbolData},
		{"created", r.Created},
		{"lastUpdated", r.LastUpdated},
		{"summary", summary.Summarize(r, e.now())},
	}
	if r.Optimized != nil {
		fields = append(fields, field{"_optimized", r.Optimized})
	}
	// status last, so readers never see a ready result with stale data
	fields = append(fields, field{"status", r.Status})
	return e.setFields(ctx, c, r.ID, fields...)
}

// progress returns a partition progress callback publishing whole percent
// steps of the run id.
func (e *Engine) progress(id, event string) func(float64) {
	last := -1
	return func(pct float64) {
		if p := int(pct); p != last {
			last = p
			e.push.Publish(id, event, map[string]any{"id": id, "progress": pct})
		}
	}
}

func (e *Engine) finish(id, event string, err error) {
	payload := map[string]any{"id": id}
	if err != nil {
		e.log.Error("job failed", "id", id, "event", event, "error", err)
		payload["error"] = err.Error()
	}
	e.push.Publish(id, event, payload)
}

func sortedSymbols(data map[string]domain.SymbolResult) []string {
	out := make([]string, 0, len(data))
	for sym := range data {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

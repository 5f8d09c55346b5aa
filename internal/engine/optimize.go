package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"backtester/internal/domain"
	"backtester/internal/optimize"
	"backtester/internal/partition"
	"backtester/internal/prices"
	"backtester/internal/store"
)

// readyBase resolves id to its base backtest and checks that no job owns it.
func (e *Engine) readyBase(ctx context.Context, id string) (string, error) {
	base, err := e.baseID(ctx, id)
	if err != nil {
		return "", err
	}
	var status domain.Status
	if err := store.Field(ctx, e.store, store.Results, base, "status", &status); err != nil {
		return "", err
	}
	if status == domain.StatusRunning || status == domain.StatusUpdating {
		return "", fmt.Errorf("%w: %s is %s", ErrBusy, base, status)
	}
	return base, nil
}

// ---------------------------------------------------------------------------
// Stoploss/target grid
// ---------------------------------------------------------------------------

// StartOptimizeStoplossTarget queues one job per stoploss row of the grid
// spanned by oo over the base backtest of id. The ticket position is that of
// the first row.
func (e *Engine) StartOptimizeStoplossTarget(ctx context.Context, id string, oo domain.OptimizeOptions) (Ticket, error) {
	if err := oo.Validate(); err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	base, err := e.readyBase(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	rows := optimize.Rows(optimize.Cells(base, oo))
	if len(rows) == 0 {
		return Ticket{}, fmt.Errorf("%w: empty grid", ErrInvalid)
	}

	jobCtx := context.WithoutCancel(ctx)
	first := -1
	for i, row := range rows {
		pos, err := e.queue.Submit(fmt.Sprintf("optimize %s row %d", base, i), func() {
			e.optimizeRow(jobCtx, base, row, i, len(rows))
		}, false)
		if err != nil {
			return Ticket{}, err
		}
		if first < 0 {
			first = pos
		}
	}
	e.log.Info("optimization queued", "id", base, "rows", len(rows), "position", first)
	return Ticket{ID: base, Position: first}, nil
}

// optimizeRow evaluates one row of cells over every symbol of the base,
// stores each cell as its own result and links the cells to the base.
func (e *Engine) optimizeRow(ctx context.Context, baseID string, row []optimize.Cell, index, rows int) {
	err := e.evaluateRow(ctx, baseID, row, index, rows)
	if err != nil || index == rows-1 {
		e.finish(baseID, EventOptimizeFinished, err)
	}
}

func (e *Engine) evaluateRow(ctx context.Context, baseID string, row []optimize.Cell, index, rows int) error {
	base, err := e.Result(ctx, baseID)
	if err != nil {
		return err
	}
	opts := base.StrategyOptions

	report := e.progress(baseID, EventOptimizeProgress)
	results := partition.Run(ctx, partition.Job[[]domain.SymbolResult]{
		Symbols: sortedSymbols(base.SymbolData),
		Workers: e.opts.Workers,
		Work: func(ctx context.Context, sym string) ([]domain.SymbolResult, bool) {
			bars, err := e.feed.Prices(ctx, sym, opts.Timeframe)
			if err != nil {
				e.log.Debug("fetching prices", "symbol", sym, "error", err)
				return nil, false
			}
			out, err := optimize.StoplossTarget(optimize.SymbolInput{
				Symbol:  sym,
				Series:  prices.Adjust(sym, bars),
				Options: &opts,
				Base:    base.SymbolData[sym],
				Cells:   row,
				Factory: e.opts.Factory,
			})
			if err != nil {
				e.log.Warn("optimizing", "symbol", sym, "error", err)
				return nil, false
			}
			return out, true
		},
		Progress: func(pct float64) {
			report((float64(index) + pct/100) / float64(rows) * 100)
		},
		Log: e.log,
	})

	ids := make([]string, 0, len(row))
	for i, cell := range row {
		r := &domain.BacktestResult{
			ID:              cell.ID,
			StrategyOptions: optimize.CellOptions(opts, cell),
			SymbolData:      make(map[string]domain.SymbolResult, len(results)),
			Created:         base.Created,
			LastUpdated:     base.LastUpdated,
			Status:          domain.StatusReady,
			Optimized:       &domain.Optimized{Base: baseID},
		}
		for sym, cells := range results {
			if i < len(cells) && !cells[i].Empty() {
				r.SymbolData[sym] = cells[i]
			}
		}
		if err := e.save(ctx, store.Optimized, r); err != nil {
			return err
		}
		ids = append(ids, cell.ID)
	}
	return e.link(ctx, baseID, ids)
}

// link appends cell ids to the base's optimized list.
func (e *Engine) link(ctx context.Context, baseID string, ids []string) error {
	var link domain.Optimized
	// an unoptimized base has no link yet
	err := store.Field(ctx, e.store, store.Results, baseID, "_optimized", &link)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading links of %s: %w", baseID, err)
	}
	for _, id := range ids {
		if !slices.Contains(link.IDs, id) {
			link.IDs = append(link.IDs, id)
		}
	}
	return e.store.SetResultField(ctx, store.Results, baseID, "_optimized", link)
}

// ---------------------------------------------------------------------------
// Indicator capture
// ---------------------------------------------------------------------------

// StartOptimizeIndicators queues an indicator capture over the base
// backtest of id.
func (e *Engine) StartOptimizeIndicators(ctx context.Context, id string) (Ticket, error) {
	base, err := e.readyBase(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	jobCtx := context.WithoutCancel(ctx)
	pos, err := e.queue.Submit("capture "+base, func() {
		e.finish(base, EventIndicatorsFinished, e.capture(jobCtx, base))
	}, false)
	if err != nil {
		return Ticket{}, err
	}
	e.log.Info("indicator capture queued", "id", base, "position", pos)
	return Ticket{ID: base, Position: pos}, nil
}

func (e *Engine) capture(ctx context.Context, baseID string) error {
	base, err := e.Result(ctx, baseID)
	if err != nil {
		return err
	}
	opts := base.StrategyOptions
	var symbols []string
	for _, sym := range sortedSymbols(base.SymbolData) {
		if len(base.SymbolData[sym].Events) > 0 {
			symbols = append(symbols, sym)
		}
	}

	set := optimize.CaptureSet()
	captures := partition.Run(ctx, partition.Job[domain.IndicatorCapture]{
		Symbols: symbols,
		Workers: e.opts.Workers,
		Work: func(ctx context.Context, sym string) (domain.IndicatorCapture, bool) {
			bars, err := e.feed.Prices(ctx, sym, opts.Timeframe)
			if err != nil {
				e.log.Debug("fetching prices", "symbol", sym, "error", err)
				return domain.IndicatorCapture{}, false
			}
			c, err := optimize.Capture(optimize.CaptureInput{
				Symbol:  sym,
				Series:  prices.Adjust(sym, bars),
				Events:  base.SymbolData[sym].Events,
				Set:     set,
				Factory: e.opts.Factory,
			})
			if err != nil {
				e.log.Warn("capturing indicators", "symbol", sym, "error", err)
				return domain.IndicatorCapture{}, false
			}
			return c, len(c.Data) > 0
		},
		Progress: e.progress(baseID, EventIndicatorsProgress),
		Log:      e.log,
	})

	return e.setFields(ctx, store.Indicators, baseID,
		field{"id", baseID},
		field{"created", e.now().Truncate(time.Second)},
		field{"data", captures},
	)
}

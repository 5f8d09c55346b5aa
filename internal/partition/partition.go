// Package partition spreads per-symbol work over a fixed number of workers
// and merges their results.
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Split cuts symbols into exactly n contiguous slices of ceil(len/n)
// symbols. Trailing slices may be empty.
func Split(symbols []string, n int) [][]string {
	n = max(n, 1)
	size := (len(symbols) + n - 1) / n
	out := make([][]string, n)
	for i := range out {
		from := min(i*size, len(symbols))
		to := min(from+size, len(symbols))
		out[i] = symbols[from:to]
	}
	return out
}

// Message is what a worker reports to the coordinator. A worker sends one
// Message per processed symbol and a final one with Finished set.
type Message[R any] struct {
	Worker   int
	Progress int
	Results  map[string]R
	Finished bool
}

// Job describes one partitioned run.
type Job[R any] struct {
	Symbols []string
	Workers int

	// Work processes one symbol. keep=false drops the result from the merge.
	Work func(ctx context.Context, symbol string) (result R, keep bool)
	// Fault turns a panic inside Work into a result. Nil drops the symbol.
	Fault func(symbol string, err error) (result R, keep bool)
	// Progress receives the overall completion percentage.
	Progress func(percent float64)

	Log *slog.Logger
}

// Run executes job and returns the union of every worker's results. It
// returns once every worker has reported Finished.
func Run[R any](ctx context.Context, job Job[R]) map[string]R {
	log := job.Log
	if log == nil {
		log = slog.Default()
	}
	parts := Split(job.Symbols, job.Workers)
	msgs := make(chan Message[R], len(parts))

	start := time.Now()
	for i, part := range parts {
		go work(ctx, i, part, job, msgs, log)
	}

	merged := make(map[string]R, len(job.Symbols))
	var done, finished int
	for finished < len(parts) {
		m := <-msgs
		if m.Progress > 0 {
			done += m.Progress
			if job.Progress != nil && len(job.Symbols) > 0 {
				job.Progress(100 * float64(done) / float64(len(job.Symbols)))
			}
		}
		if m.Finished {
			finished++
			for sym, r := range m.Results {
				merged[sym] = r
			}
		}
	}
	log.Info("partitioned run complete",
		"symbols", len(job.Symbols),
		"workers", len(parts),
		"results", len(merged),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return merged
}

func work[R any](ctx context.Context, id int, symbols []string, job Job[R], out chan<- Message[R], log *slog.Logger) {
	results := make(map[string]R, len(symbols))
	defer func() {
		out <- Message[R]{Worker: id, Results: results, Finished: true}
	}()

	log.Debug("worker started", "worker", id, "symbols", len(symbols))
	for _, sym := range symbols {
		if r, keep := runOne(ctx, sym, job, log); keep {
			results[sym] = r
		}
		out <- Message[R]{Worker: id, Progress: 1}
	}
	log.Debug("worker finished", "worker", id, "results", len(results))
}

func runOne[R any](ctx context.Context, sym string, job Job[R], log *slog.Logger) (r R, keep bool) {
	defer func() {
		if v := recover(); v != nil {
			err := fmt.Errorf("panic: %v", v)
			log.Error("symbol failed", "symbol", sym, "error", err)
			if job.Fault != nil {
				r, keep = job.Fault(sym, err)
			} else {
				var zero R
				r, keep = zero, false
			}
		}
	}()
	return job.Work(ctx, sym)
}

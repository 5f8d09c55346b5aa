package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"backtester/internal/domain"
	"backtester/internal/engine"
	"backtester/internal/queue"
	"backtester/internal/store"
	"backtester/internal/summary"
)

// fakeEngine keeps results in memory. A result whose status is running is
// busy.
type fakeEngine struct {
	results map[string]*domain.BacktestResult
	started []domain.StrategyOptions
	grids   []domain.OptimizeOptions
	closed  bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{results: map[string]*domain.BacktestResult{
		"run1": {
			ID:         "run1",
			SymbolData: map[string]domain.SymbolResult{"AAA": {Profit: 1, PercentProfit: 0.1}},
			Status:     domain.StatusReady,
		},
		"busy": {ID: "busy", Status: domain.StatusRunning},
	}}
}

func (f *fakeEngine) lookup(id string) (*domain.BacktestResult, error) {
	r, ok := f.results[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	return r, nil
}

func (f *fakeEngine) StartBacktest(_ context.Context, opts domain.StrategyOptions) (engine.Ticket, error) {
	if f.closed {
		return engine.Ticket{}, queue.ErrClosed
	}
	if err := opts.Validate(); err != nil {
		return engine.Ticket{}, fmt.Errorf("%w: %v", engine.ErrInvalid, err)
	}
	f.started = append(f.started, opts)
	return engine.Ticket{ID: "new", Position: len(f.started) - 1}, nil
}

func (f *fakeEngine) StartUpdate(_ context.Context, id string) (engine.Ticket, error) {
	r, err := f.lookup(id)
	if err != nil {
		return engine.Ticket{}, err
	}
	if r.Status != domain.StatusReady {
		return engine.Ticket{}, engine.ErrBusy
	}
	return engine.Ticket{ID: id}, nil
}

func (f *fakeEngine) StartOptimizeStoplossTarget(_ context.Context, id string, oo domain.OptimizeOptions) (engine.Ticket, error) {
	if err := oo.Validate(); err != nil {
		return engine.Ticket{}, fmt.Errorf("%w: %v", engine.ErrInvalid, err)
	}
	if _, err := f.lookup(id); err != nil {
		return engine.Ticket{}, err
	}
	f.grids = append(f.grids, oo)
	return engine.Ticket{ID: id, Position: 1}, nil
}

func (f *fakeEngine) StartOptimizeIndicators(_ context.Context, id string) (engine.Ticket, error) {
	if _, err := f.lookup(id); err != nil {
		return engine.Ticket{}, err
	}
	return engine.Ticket{ID: id}, nil
}

func (f *fakeEngine) StartFixFaulty(context.Context) (engine.Ticket, error) {
	return engine.Ticket{ID: engine.FaultyChannel}, nil
}

func (f *fakeEngine) Result(_ context.Context, id string) (*domain.BacktestResult, error) {
	return f.lookup(id)
}

func (f *fakeEngine) Summary(_ context.Context, id string) (*summary.Summary, error) {
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	return &summary.Summary{Metrics: summary.Metrics{Equity: 1.5}, Events: 3, WinRate: 0.5}, nil
}

func (f *fakeEngine) List(context.Context) ([]string, error) {
	return []string{"run1", "busy"}, nil
}

func (f *fakeEngine) OptimizedStoplossTarget(_ context.Context, id string) (*engine.OptimizedSet, error) {
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	return &engine.OptimizedSet{ID: id, Results: map[string]engine.CellSummary{
		id + "_optimized_1.00_2.00": {StrategyOptions: domain.StrategyOptions{StoplossATR: 1, RiskRewardRatio: 2}},
	}}, nil
}

func (f *fakeEngine) OptimizedIndicators(_ context.Context, id string) (map[string]domain.IndicatorCapture, error) {
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	return map[string]domain.IndicatorCapture{"AAA": {Fields: []string{"Price", "RSI"}, Data: []domain.CaptureRow{{Indicators: []float64{10, 55}, PercentProfit: 0.1}}}}, nil
}

func (f *fakeEngine) ActionsToday(_ context.Context, id string) (*engine.Actions, error) {
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	return &engine.Actions{Buy: []string{"AAA"}, Sell: []string{}}, nil
}

func (f *fakeEngine) Delete(_ context.Context, id string) error {
	r, err := f.lookup(id)
	if err != nil {
		return err
	}
	if r.Status != domain.StatusReady {
		return engine.ErrBusy
	}
	delete(f.results, id)
	return nil
}

func (f *fakeEngine) Pending() int { return 2 }

const validOptions = `{"buyIndicators":{"SMA":{"period":20}},"sellIndicators":{"EMA":{"period":10}},"mainBuyIndicator":"SMA","mainSellIndicator":"EMA","maxDays":30}`

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPStartBacktest(t *testing.T) {
	f := newFakeEngine()
	h := NewHTTPServer(f, nil, nil).Handler()

	rec := do(t, h, "POST", "/api/backtest", validOptions)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"id":"new","position":0}`, rec.Body.String())
	require.Len(t, f.started, 1)
	assert.Equal(t, 30, f.started[0].MaxDays)

	rec = do(t, h, "POST", "/api/backtest", `{"buyIndicators":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no buy indicators")

	rec = do(t, h, "POST", "/api/backtest", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.closed = true
	rec = do(t, h, "POST", "/api/backtest", validOptions)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPJobs(t *testing.T) {
	f := newFakeEngine()
	h := NewHTTPServer(f, nil, nil).Handler()

	tests := []struct {
		method, path, body string
		want               int
	}{
		{"POST", "/api/backtest/run1/update", "", http.StatusAccepted},
		{"POST", "/api/backtest/busy/update", "", http.StatusConflict},
		{"POST", "/api/backtest/nope/update", "", http.StatusNotFound},
		{"POST", "/api/backtest/run1/optimize-stoploss", `{"startStoploss":0,"endStoploss":1,"strideStoploss":1,"startRatio":1,"endRatio":3,"strideRatio":1}`, http.StatusAccepted},
		{"POST", "/api/backtest/run1/optimize-stoploss", `{"strideStoploss":0}`, http.StatusBadRequest},
		{"POST", "/api/backtest/run1/optimize-indicators", "", http.StatusAccepted},
		{"POST", "/api/faulty/fix", "", http.StatusAccepted},
	}
	for _, tt := range tests {
		rec := do(t, h, tt.method, tt.path, tt.body)
		assert.Equal(t, tt.want, rec.Code, "%s %s: %s", tt.method, tt.path, rec.Body.String())
	}
	require.Len(t, f.grids, 1)
	assert.Equal(t, 3.0, f.grids[0].EndRatio)
}

func TestHTTPQueries(t *testing.T) {
	f := newFakeEngine()
	h := NewHTTPServer(f, nil, nil).Handler()

	rec := do(t, h, "GET", "/api/results", "")
	assert.JSONEq(t, `{"ids":["run1","busy"]}`, rec.Body.String())

	rec = do(t, h, "GET", "/api/results/run1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"percentProfit":0.1`)

	rec = do(t, h, "GET", "/api/results/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)

	rec = do(t, h, "GET", "/api/results/run1/summary", "")
	assert.Contains(t, rec.Body.String(), `"equity":1.5`)

	rec = do(t, h, "GET", "/api/results/run1/actions", "")
	assert.JSONEq(t, `{"buy":["AAA"],"sell":[]}`, rec.Body.String())

	rec = do(t, h, "GET", "/api/optimized/run1/stoploss-target", "")
	assert.Contains(t, rec.Body.String(), `"run1_optimized_1.00_2.00"`)

	rec = do(t, h, "GET", "/api/optimized/run1/indicators", "")
	assert.Contains(t, rec.Body.String(), `"fields":["Price","RSI"]`)

	rec = do(t, h, "GET", "/api/status", "")
	assert.JSONEq(t, `{"queued":2}`, rec.Body.String())
}

func TestHTTPDelete(t *testing.T) {
	f := newFakeEngine()
	h := NewHTTPServer(f, nil, nil).Handler()

	assert.Equal(t, http.StatusConflict, do(t, h, "DELETE", "/api/results/busy", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "DELETE", "/api/results/run1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, "DELETE", "/api/results/run1", "").Code)
}

func TestHTTPCORSAndPush(t *testing.T) {
	pushed := false
	push := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pushed = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	h := NewHTTPServer(newFakeEngine(), push, nil).Handler()

	rec := do(t, h, "OPTIONS", "/api/results", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	do(t, h, "GET", "/ws", "")
	assert.True(t, pushed)
}

// ---------------------------------------------------------------------------
// gRPC
// ---------------------------------------------------------------------------

func dialBuf(t *testing.T, e Engine) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewGRPCService(e, nil).RegisterGRPC(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	c := NewClient(conn)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGRPCRoundTrip(t *testing.T) {
	f := newFakeEngine()
	c := dialBuf(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := domain.StrategyOptions{
		BuyIndicators:     map[string]domain.Params{"SMA": {"period": 20}},
		SellIndicators:    map[string]domain.Params{"EMA": {"period": 10}},
		MainBuyIndicator:  "SMA",
		MainSellIndicator: "EMA",
		MaxDays:           30,
	}
	ticket, err := c.StartBacktest(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, engine.Ticket{ID: "new", Position: 0}, ticket)
	require.Len(t, f.started, 1)
	assert.Equal(t, 20.0, f.started[0].BuyIndicators["SMA"]["period"])

	r, err := c.Result(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, 0.1, r.SymbolData["AAA"].PercentProfit)

	s, err := c.Summary(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Events)

	ids, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run1", "busy"}, ids)

	ticket, err = c.OptimizeStoplossTarget(ctx, "run1", domain.OptimizeOptions{EndStoploss: 1, StrideStoploss: 1, StartRatio: 1, EndRatio: 3, StrideRatio: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, ticket.Position)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Queued)

	require.NoError(t, c.Delete(ctx, "run1"))
}

func TestGRPCErrors(t *testing.T) {
	c := dialBuf(t, newFakeEngine())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Result(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.UpdateBacktest(ctx, "busy")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = c.StartBacktest(ctx, domain.StrategyOptions{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.OptimizeIndicators(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

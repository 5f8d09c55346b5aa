package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"backtester/internal/domain"
	"backtester/internal/util"
)

// Compile-time interface check.
var _ Provider = (*AlpacaProvider)(nil)

// AlpacaProvider fetches split and dividend adjusted bars from the Alpaca
// market-data API.
type AlpacaProvider struct {
	client *marketdata.Client
	feed   string
	log    *slog.Logger
}

// NewAlpacaProvider creates an AlpacaProvider configured with the given
// Alpaca credentials. feed selects the data feed ("iex" or "sip").
func NewAlpacaProvider(apiKey, apiSecret, dataURL, feed string) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if feed == "" {
		feed = "iex"
	}

	return &AlpacaProvider{
		client: marketdata.NewClient(opts),
		feed:   feed,
		log:    slog.Default().With("provider", "alpaca"),
	}
}

// Bars returns every bar of symbol in [start, end].
func (p *AlpacaProvider) Bars(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	if ctx.Err() != nil {
		return nil, util.Permanent(ctx.Err())
	}
	frame, err := timeFrame(tf)
	if err != nil {
		return nil, util.Permanent(err)
	}

	alpacaBars, err := p.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  frame,
		Start:      start,
		End:        end,
		Adjustment: marketdata.All,
		Feed:       marketdata.Feed(p.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars: %w", err)
	}

	bars := make([]domain.Bar, 0, len(alpacaBars))
	for _, ab := range alpacaBars {
		bars = append(bars, domain.Bar{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: ab.Timestamp,
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    int64(ab.Volume),
		})
	}
	p.log.Debug("fetched bars", "symbol", symbol, "timeframe", tf, "bars", len(bars))
	return bars, nil
}

func timeFrame(tf domain.Timeframe) (marketdata.TimeFrame, error) {
	switch tf {
	case domain.Timeframe1Day, "":
		return marketdata.OneDay, nil
	case domain.Timeframe1Hour:
		return marketdata.OneHour, nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", tf)
}

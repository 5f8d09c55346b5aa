package optimize

import (
	"math"
	"sort"

	"backtester/internal/domain"
	"backtester/internal/indicator"
	"backtester/internal/prices"
)

// PriceField is the capture column holding the buy-day close.
const PriceField = "Price"

// CaptureSet is the diagnostic indicator set evaluated at every buy.
func CaptureSet() map[indicator.Kind]domain.Params {
	return map[indicator.Kind]domain.Params{
		indicator.KindRSI:        {"period": 14, "underbought": 30, "overbought": 70},
		indicator.KindMACD:       {"ema1": 12, "ema2": 26, "signalPeriod": 9},
		indicator.KindADX:        {"period": 14, "threshold": 25},
		indicator.KindStochastic: {"period": 14, "underbought": 20, "overbought": 80},
	}
}

// CaptureInput is one symbol of a base backtest to capture.
type CaptureInput struct {
	Symbol  string
	Series  *prices.Series
	Events  []domain.Event
	Set     map[indicator.Kind]domain.Params
	Factory indicator.Factory
}

// Capture evaluates every indicator of the set on each event's buy day.
// Scalar indicators fill one column named by their kind, multi-valued ones
// one column per component, and the close fills PriceField. Column names
// are sorted and fixed by the first captured event.
func Capture(in CaptureInput) (domain.IndicatorCapture, error) {
	factory := in.Factory
	if factory == nil {
		factory = indicator.New
	}
	set := in.Set
	if set == nil {
		set = CaptureSet()
	}
	kinds := make([]indicator.Kind, 0, len(set))
	for k := range set {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	inds := make([]indicator.Indicator, len(kinds))
	for i, k := range kinds {
		ind, err := factory(k, set[k], in.Series)
		if err != nil {
			return domain.IndicatorCapture{}, err
		}
		inds[i] = ind
	}

	out := domain.IndicatorCapture{Fields: []string{}, Data: []domain.CaptureRow{}}
	for _, ev := range in.Events {
		day, ok := in.Series.IndexOf(ev.BuyDate)
		if !ok {
			continue
		}
		values := map[string]float64{PriceField: in.Series.Close[day]}
		for _, ind := range inds {
			if f, ok := ind.(indicator.Fielder); ok {
				for k, v := range f.Fields(day) {
					values[k] = v
				}
				continue
			}
			values[string(ind.Kind())] = ind.Value(day)
		}
		if len(out.Data) == 0 {
			for k := range values {
				out.Fields = append(out.Fields, k)
			}
			sort.Strings(out.Fields)
		}
		row := domain.CaptureRow{Indicators: make([]float64, len(out.Fields)), PercentProfit: ev.PercentProfit, BuyDate: ev.BuyDate}
		for i, f := range out.Fields {
			// Undefined (warm-up) values are stored as zero; JSON has no NaN.
			if v := values[f]; !math.IsNaN(v) && !math.IsInf(v, 0) {
				row.Indicators[i] = v
			}
		}
		out.Data = append(out.Data, row)
	}
	return out, nil
}

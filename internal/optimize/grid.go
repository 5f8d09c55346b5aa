// Package optimize re-evaluates a finished backtest: a stoploss/target grid
// search and a capture of diagnostic indicator values at every buy.
package optimize

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
)

// MaxRatios caps the ratio axis of a grid.
const MaxRatios = 15

// Cell is one (stoploss, ratio) combination of the grid.
type Cell struct {
	Stoploss decimal.Decimal
	Ratio    decimal.Decimal
	ID       string
}

// Grid returns the stoploss and ratio axes. Both run from start while
// strictly below end. A ratio axis longer than MaxRatios is cut to
// MaxRatios-1 strides past the start.
func Grid(o domain.OptimizeOptions) (stoplosses, ratios []decimal.Decimal) {
	startRatio := decimal.NewFromFloat(o.StartRatio)
	strideRatio := decimal.NewFromFloat(o.StrideRatio)
	endRatio := decimal.NewFromFloat(o.EndRatio)
	if endRatio.Sub(startRatio).Div(strideRatio).GreaterThan(decimal.NewFromInt(MaxRatios)) {
		endRatio = startRatio.Add(strideRatio.Mul(decimal.NewFromInt(MaxRatios - 1)))
	}
	stoplosses = axis(decimal.NewFromFloat(o.StartStoploss), decimal.NewFromFloat(o.EndStoploss), decimal.NewFromFloat(o.StrideStoploss))
	ratios = axis(startRatio, endRatio, strideRatio)
	return stoplosses, ratios
}

func axis(start, end, stride decimal.Decimal) []decimal.Decimal {
	if !stride.IsPositive() {
		return nil
	}
	var out []decimal.Decimal
	for v := start; v.LessThan(end); v = v.Add(stride) {
		out = append(out, v)
	}
	return out
}

// Cells expands the grid into cells in stoploss-major order.
func Cells(base string, o domain.OptimizeOptions) []Cell {
	stoplosses, ratios := Grid(o)
	cells := make([]Cell, 0, len(stoplosses)*len(ratios))
	for _, sl := range stoplosses {
		for _, r := range ratios {
			cells = append(cells, Cell{Stoploss: sl, Ratio: r, ID: CellID(base, sl, r)})
		}
	}
	return cells
}

// Rows groups cells by stoploss value.
func Rows(cells []Cell) [][]Cell {
	var rows [][]Cell
	for i, c := range cells {
		if i == 0 || !c.Stoploss.Equal(cells[i-1].Stoploss) {
			rows = append(rows, nil)
		}
		rows[len(rows)-1] = append(rows[len(rows)-1], c)
	}
	return rows
}

const idMarker = "_optimized_"

// CellID names the stored result of a grid cell.
func CellID(base string, stoploss, ratio decimal.Decimal) string {
	return fmt.Sprintf("%s%s%s_%s", base, idMarker, stoploss.StringFixed(2), ratio.StringFixed(2))
}

// IsCellID reports whether id names a grid cell rather than a base backtest.
func IsCellID(id string) bool {
	return strings.Contains(id, idMarker)
}

// CellOptions returns base with the cell's stoploss and ratio applied.
func CellOptions(base domain.StrategyOptions, c Cell) domain.StrategyOptions {
	base.StoplossATR = c.Stoploss.InexactFloat64()
	base.RiskRewardRatio = c.Ratio.InexactFloat64()
	return base
}

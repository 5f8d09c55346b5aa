package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"backtester/internal/domain"
)

// Compile-time interface check.
var _ BarCache = (*ParquetCache)(nil)

// ParquetCache implements BarCache using one Parquet file per symbol and
// timeframe.
type ParquetCache struct {
	DataDir string
}

// NewParquetCache creates a new ParquetCache rooted at the given data directory.
func NewParquetCache(dataDir string) *ParquetCache {
	return &ParquetCache{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for cached bars.
type BarRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// CaptureRecord is one indicator value observed at a buy, in long format so
// that captures with different field sets share a schema.
type CaptureRecord struct {
	Symbol        string  `parquet:"symbol"`
	BuyDate       int64   `parquet:"buy_date,timestamp(millisecond)"`
	PercentProfit float64 `parquet:"percent_profit"`
	Field         string  `parquet:"field"`
	Value         float64 `parquet:"value"`
}

// ---------------------------------------------------------------------------
// BarCache implementation
// ---------------------------------------------------------------------------

// ReadBars reads the cached bars of symbol.
func (c *ParquetCache) ReadBars(_ context.Context, symbol string, tf domain.Timeframe) ([]domain.Bar, error) {
	path := c.barPath(symbol, tf)
	records, err := readParquetFile[BarRecord](path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("cached %s %s: %w", symbol, tf, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	bars := make([]domain.Bar, len(records))
	for i, r := range records {
		bars[i] = domain.Bar{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		}
	}
	return bars, nil
}

// WriteBars merges bars into the cache file of symbol. Bars at an existing
// timestamp replace the cached ones.
//
//	<DataDir>/<timeframe>/<SYMBOL>.parquet
func (c *ParquetCache) WriteBars(_ context.Context, symbol string, tf domain.Timeframe, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	records := make([]BarRecord, len(bars))
	for i, b := range bars {
		records[i] = BarRecord{
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
	}

	path := c.barPath(symbol, tf)
	existing, _ := readParquetFile[BarRecord](path)
	if err := writeParquetFile(path, mergeBarRecords(existing, records)); err != nil {
		return fmt.Errorf("writing bars for %s: %w", symbol, err)
	}
	return nil
}

// Remove drops the cache file of symbol so the next read goes to the
// provider.
func (c *ParquetCache) Remove(symbol string, tf domain.Timeframe) error {
	err := os.Remove(c.barPath(symbol, tf))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Capture export
// ---------------------------------------------------------------------------

// WriteCapture writes captured indicator rows of every symbol to a single
// Parquet file at path, ordered by symbol and buy date.
func WriteCapture(path string, captures map[string]domain.IndicatorCapture) error {
	symbols := make([]string, 0, len(captures))
	for sym := range captures {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var records []CaptureRecord
	for _, sym := range symbols {
		c := captures[sym]
		for _, row := range c.Data {
			for i, field := range c.Fields {
				if i >= len(row.Indicators) {
					break
				}
				records = append(records, CaptureRecord{
					Symbol:        sym,
					BuyDate:       row.BuyDate.UnixMilli(),
					PercentProfit: row.PercentProfit,
					Field:         field,
					Value:         row.Indicators[i],
				})
			}
		}
	}
	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("writing capture %s: %w", path, err)
	}
	return nil
}

// ReadCapture reads a file written by WriteCapture.
func ReadCapture(path string) ([]CaptureRecord, error) {
	return readParquetFile[CaptureRecord](path)
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<timeframe>/<SYMBOL>.parquet
func (c *ParquetCache) barPath(symbol string, tf domain.Timeframe) string {
	return filepath.Join(c.DataDir, string(tf), strings.ToUpper(symbol)+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by timestamp, preferring new
// records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

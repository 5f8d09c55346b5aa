// Package prices turns raw bars into the date-indexed series walked by the
// simulator and indicators.
package prices

import (
	"math"
	"sort"
	"time"

	"backtester/internal/domain"
)

// Series is one symbol's price history as parallel slices ordered by date.
// A Series is never mutated after Adjust returns it.
type Series struct {
	Symbol string
	Dates  []time.Time
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64

	index map[int64]int
}

// Adjust builds a Series from raw bars. Bars are sorted by timestamp and
// duplicate timestamps keep the last bar seen.
func Adjust(symbol string, bars []domain.Bar) *Series {
	sorted := make([]domain.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	s := &Series{
		Symbol: symbol,
		Dates:  make([]time.Time, 0, len(sorted)),
		Open:   make([]float64, 0, len(sorted)),
		High:   make([]float64, 0, len(sorted)),
		Low:    make([]float64, 0, len(sorted)),
		Close:  make([]float64, 0, len(sorted)),
		Volume: make([]float64, 0, len(sorted)),
		index:  make(map[int64]int, len(sorted)),
	}
	for _, b := range sorted {
		key := b.Timestamp.UnixMilli()
		if i, ok := s.index[key]; ok {
			s.Open[i], s.High[i], s.Low[i], s.Close[i] = b.Open, b.High, b.Low, b.Close
			s.Volume[i] = float64(b.Volume)
			continue
		}
		s.index[key] = len(s.Dates)
		s.Dates = append(s.Dates, b.Timestamp.UTC())
		s.Open = append(s.Open, b.Open)
		s.High = append(s.High, b.High)
		s.Low = append(s.Low, b.Low)
		s.Close = append(s.Close, b.Close)
		s.Volume = append(s.Volume, float64(b.Volume))
	}
	return s
}

// Len returns the number of bars in the series.
func (s *Series) Len() int { return len(s.Dates) }

// IndexOf returns the position of the bar dated t.
func (s *Series) IndexOf(t time.Time) (int, bool) {
	i, ok := s.index[t.UnixMilli()]
	return i, ok
}

// Valid reports whether the close on day i is usable.
func (s *Series) Valid(i int) bool {
	if i < 0 || i >= len(s.Close) {
		return false
	}
	c := s.Close[i]
	return c > 0 && !math.IsNaN(c) && !math.IsInf(c, 0)
}

// AllValid reports whether every close in the series is usable.
func (s *Series) AllValid() bool {
	for i := range s.Close {
		if !s.Valid(i) {
			return false
		}
	}
	return true
}

// Slice returns a new Series holding bars [from, len).
func (s *Series) Slice(from int) *Series {
	from = max(0, min(from, s.Len()))
	out := &Series{
		Symbol: s.Symbol,
		Dates:  s.Dates[from:],
		Open:   s.Open[from:],
		High:   s.High[from:],
		Low:    s.Low[from:],
		Close:  s.Close[from:],
		Volume: s.Volume[from:],
		index:  make(map[int64]int, s.Len()-from),
	}
	for i, d := range out.Dates {
		out.index[d.UnixMilli()] = i
	}
	return out
}

// ---------------------------------------------------------------------------
// Incremental resume
// ---------------------------------------------------------------------------

// Cutoff returns the index an incremental update should start computing
// indicators from: margin bars before the last bar dated strictly before
// lastUpdated, floored at zero. A zero lastUpdated means a fresh run.
func (s *Series) Cutoff(lastUpdated time.Time, margin int) int {
	if lastUpdated.IsZero() {
		return 0
	}
	last := -1
	for i, d := range s.Dates {
		if !d.Before(lastUpdated) {
			break
		}
		last = i
	}
	if last < 0 {
		return 0
	}
	return max(0, last-margin)
}

// ResumeIndex returns the first day the walk should process after
// lastUpdated. Dates are truncated to midnight and shifted by one calendar
// day to absorb the provider's publishing lag. It returns Len() when no day
// qualifies.
func (s *Series) ResumeIndex(lastUpdated time.Time) int {
	if lastUpdated.IsZero() {
		return 0
	}
	for i, d := range s.Dates {
		day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		if day.After(lastUpdated) {
			return i
		}
	}
	return s.Len()
}

// IsCrossed reports whether series a crossed series b between two
// consecutive observations, upward when up is true.
func IsCrossed(a1, a2, b1, b2 float64, up bool) bool {
	if up {
		return a1 <= b1 && a2 > b2
	}
	return a1 >= b1 && a2 < b2
}

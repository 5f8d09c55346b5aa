package prices

import (
	"math"
	"testing"
	"time"

	"backtester/internal/domain"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func bars(closes ...float64) []domain.Bar {
	out := make([]domain.Bar, len(closes))
	for i, c := range closes {
		out[i] = domain.Bar{Symbol: "AAA", Timestamp: day(i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 100}
	}
	return out
}

func TestAdjustSortsAndIndexes(t *testing.T) {
	b := bars(10, 11, 12)
	b[0], b[2] = b[2], b[0]
	s := Adjust("AAA", b)

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	for i, want := range []float64{10, 11, 12} {
		if s.Close[i] != want {
			t.Errorf("Close[%d] = %v, want %v", i, s.Close[i], want)
		}
	}
	i, ok := s.IndexOf(day(1))
	if !ok || i != 1 {
		t.Errorf("IndexOf(day 1) = %d, %v, want 1, true", i, ok)
	}
	if s.Volume[2] != 100 {
		t.Errorf("Volume[2] = %v, want 100", s.Volume[2])
	}
}

func TestAdjustDuplicateKeepsLast(t *testing.T) {
	b := bars(10, 11)
	dup := b[1]
	dup.Close = 99
	s := Adjust("AAA", append(b, dup))
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if s.Close[1] != 99 {
		t.Errorf("Close[1] = %v, want 99", s.Close[1])
	}
}

func TestValid(t *testing.T) {
	s := Adjust("AAA", bars(10, 0, math.NaN()))
	if !s.Valid(0) {
		t.Error("Valid(0) = false, want true")
	}
	if s.Valid(1) || s.Valid(2) || s.Valid(3) {
		t.Error("zero, NaN and out-of-range closes should be invalid")
	}
	if s.AllValid() {
		t.Error("AllValid() = true, want false")
	}
}

func TestCutoff(t *testing.T) {
	s := Adjust("AAA", bars(1, 2, 3, 4, 5, 6, 7, 8, 9, 10))
	if got := s.Cutoff(time.Time{}, 3); got != 0 {
		t.Errorf("Cutoff(zero) = %d, want 0", got)
	}
	// Last bar before day(8) is day 7; minus margin 3.
	if got := s.Cutoff(day(8), 3); got != 4 {
		t.Errorf("Cutoff(day 8, 3) = %d, want 4", got)
	}
	if got := s.Cutoff(day(2), 5); got != 0 {
		t.Errorf("Cutoff(day 2, 5) = %d, want 0", got)
	}
}

func TestResumeIndex(t *testing.T) {
	s := Adjust("AAA", bars(1, 2, 3, 4, 5))
	if got := s.ResumeIndex(time.Time{}); got != 0 {
		t.Errorf("ResumeIndex(zero) = %d, want 0", got)
	}
	// day(2) midnight + 1 day is Jan 4 00:00, after Jan 3 12:00.
	last := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	if got := s.ResumeIndex(last); got != 2 {
		t.Errorf("ResumeIndex = %d, want 2", got)
	}
	if got := s.ResumeIndex(day(30)); got != s.Len() {
		t.Errorf("ResumeIndex(far future) = %d, want %d", got, s.Len())
	}
}

func TestSlice(t *testing.T) {
	s := Adjust("AAA", bars(1, 2, 3, 4))
	sub := s.Slice(2)
	if sub.Len() != 2 || sub.Close[0] != 3 {
		t.Fatalf("Slice(2) = %v, want closes [3 4]", sub.Close)
	}
	if i, ok := sub.IndexOf(day(3)); !ok || i != 1 {
		t.Errorf("IndexOf(day 3) = %d, %v, want 1, true", i, ok)
	}
}

func TestIsCrossed(t *testing.T) {
	if !IsCrossed(1, 3, 2, 2, true) {
		t.Error("upward cross not detected")
	}
	if IsCrossed(3, 4, 2, 2, true) {
		t.Error("no cross reported as upward cross")
	}
	if !IsCrossed(3, 1, 2, 2, false) {
		t.Error("downward cross not detected")
	}
	if !IsCrossed(2, 3, 2, 2, true) {
		t.Error("touch then break above should count as upward cross")
	}
}

package indicator

import (
	"testing"

	"github.com/shopspring/decimal"
)

// closeTo allows for the 8-place rounding in the square root.
func closeTo(got, want decimal.Decimal) bool {
	return got.Sub(want).Abs().LessThan(d("0.0000001"))
}

func TestStdDev_SymmetricSpread(t *testing.T) {
	s := NewStdDev(2)

	if got := s.Update(d("21500")); !got.IsZero() {
		t.Errorf("stddev with 1 sample = %s, want 0", got)
	}

	// Two samples 4 apart: deviations are +/-2.
	got := s.Update(d("21504"))
	if !closeTo(got, d("2")) {
		t.Errorf("stddev = %s, want 2", got)
	}
	if !s.Mean().Equal(d("21502")) {
		t.Errorf("mean = %s, want 21502", s.Mean())
	}
}

func TestStdDev_FlatPricesAreZero(t *testing.T) {
	s := NewStdDev(4)
	for i := 0; i < 4; i++ {
		s.Update(d("21500.25"))
	}
	if !s.Ready() {
		t.Fatal("not ready with a full window")
	}
	if !s.Current().IsZero() {
		t.Errorf("stddev of a flat series = %s, want 0", s.Current())
	}
}

func TestStdDev_WindowSlides(t *testing.T) {
	s := NewStdDev(2)
	s.Update(d("21400")) // rolls out below
	s.Update(d("21500"))
	got := s.Update(d("21504"))

	// Only the last two samples count: deviations are +/-2.
	if !closeTo(got, d("2")) {
		t.Errorf("stddev = %s, want 2", got)
	}
}

func TestStdDev_Reset(t *testing.T) {
	s := NewStdDev(2)
	s.Update(d("21500"))
	s.Update(d("21510"))

	s.Reset()
	if s.Ready() {
		t.Error("ready after reset")
	}
	if !s.Current().IsZero() {
		t.Errorf("current = %s after reset, want 0", s.Current())
	}
	if !s.Mean().IsZero() {
		t.Errorf("mean = %s after reset, want 0", s.Mean())
	}
}

func TestSqrtDecimal(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"0", "0"},
		{"-4", "0"},
		{"4", "2"},
		{"20.25", "4.5"},
		{"2", "1.41421356"},
	}
	for _, tc := range cases {
		if got := sqrtDecimal(d(tc.in)); !closeTo(got, d(tc.want)) {
			t.Errorf("sqrt(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

package indicator

import (
	"github.com/shopspring/decimal"
)

// StdDev is the population standard deviation of the last Period
// samples. The detector reads it as a dispersion gauge, so population
// rather than sample variance is fine.
type StdDev struct {
	win *window
}

// NewStdDev returns a StdDev over the given number of samples.
func NewStdDev(period int) *StdDev {
	return &StdDev{win: newWindow(period)}
}

// Update records one sample and returns the standard deviation, zero
// until a full window of samples has been seen.
func (s *StdDev) Update(v decimal.Decimal) decimal.Decimal {
	s.win.push(v)
	return s.Current()
}

// Current returns the standard deviation without consuming a sample.
func (s *StdDev) Current() decimal.Decimal {
	if !s.win.full() {
		return decimal.Zero
	}
	mean := s.win.mean()
	var squares decimal.Decimal
	for _, v := range s.win.samples {
		d := v.Sub(mean)
		squares = squares.Add(d.Mul(d))
	}
	variance := squares.Div(decimal.NewFromInt(int64(s.win.size)))
	return sqrtDecimal(variance)
}

// Mean returns the window average, zero until the window is full.
func (s *StdDev) Mean() decimal.Decimal {
	return s.win.mean()
}

// Ready reports whether a full window of samples has been recorded.
func (s *StdDev) Ready() bool {
	return s.win.full()
}

// Period returns the window length.
func (s *StdDev) Period() int {
	return s.win.size
}

// Reset discards all recorded samples.
func (s *StdDev) Reset() {
	s.win.reset()
}

// sqrtDecimal approximates the square root by Newton iteration,
// converging to 8 decimal places.
func sqrtDecimal(v decimal.Decimal) decimal.Decimal {
	if v.Sign() <= 0 {
		return decimal.Zero
	}
	two := decimal.NewFromInt(2)
	tol := decimal.New(1, -8)

	x := v
	for i := 0; i < 64; i++ {
		next := x.Add(v.Div(x)).Div(two)
		if next.Sub(x).Abs().LessThan(tol) {
			x = next
			break
		}
		x = next
	}
	return x.Round(8)
}

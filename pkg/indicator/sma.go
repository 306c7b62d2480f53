package indicator

import (
	"github.com/shopspring/decimal"
)

// SMA is a simple moving average over the last Period samples.
type SMA struct {
	win *window
}

// NewSMA returns an SMA over the given number of samples.
func NewSMA(period int) *SMA {
	return &SMA{win: newWindow(period)}
}

// Update records one sample and returns the average, zero until a full
// window of samples has been seen.
func (s *SMA) Update(v decimal.Decimal) decimal.Decimal {
	s.win.push(v)
	return s.win.mean()
}

// Current returns the average without consuming a sample.
func (s *SMA) Current() decimal.Decimal {
	return s.win.mean()
}

// Ready reports whether a full window of samples has been recorded.
func (s *SMA) Ready() bool {
	return s.win.full()
}

// Period returns the window length.
func (s *SMA) Period() int {
	return s.win.size
}

// Count returns how many samples are currently held.
func (s *SMA) Count() int {
	return len(s.win.samples)
}

// Reset discards all recorded samples.
func (s *SMA) Reset() {
	s.win.reset()
}

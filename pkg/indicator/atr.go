package indicator

import (
	"github.com/shopspring/decimal"
)

// ATR averages the true range of the last Period bars. True range is
// the bar's high-low span widened by any gap from the prior close, so
// an overnight jump counts as volatility even when the bar itself is
// narrow.
type ATR struct {
	win       *window
	prevClose decimal.Decimal
	seeded    bool
}

// NewATR returns an ATR over the given number of bars.
func NewATR(period int) *ATR {
	return &ATR{win: newWindow(period)}
}

// Update records one closed bar and returns the averaged true range,
// zero until a full window of bars has been seen.
func (a *ATR) Update(high, low, close decimal.Decimal) decimal.Decimal {
	span := high.Sub(low)
	if a.seeded {
		if gap := high.Sub(a.prevClose).Abs(); gap.GreaterThan(span) {
			span = gap
		}
		if gap := low.Sub(a.prevClose).Abs(); gap.GreaterThan(span) {
			span = gap
		}
	}
	a.prevClose = close
	a.seeded = true

	a.win.push(span)
	return a.win.mean()
}

// Current returns the averaged true range without consuming a bar.
func (a *ATR) Current() decimal.Decimal {
	return a.win.mean()
}

// Ready reports whether a full window of bars has been recorded.
func (a *ATR) Ready() bool {
	return a.win.full()
}

// Period returns the window length in bars.
func (a *ATR) Period() int {
	return a.win.size
}

// Reset discards all recorded bars.
func (a *ATR) Reset() {
	a.win.reset()
	a.prevClose = decimal.Zero
	a.seeded = false
}

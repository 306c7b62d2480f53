// Package indicator holds the rolling-window calculations the breakout
// detector reads at decision time. All math stays in decimal so the
// results line up with the tick pipeline.
package indicator

import (
	"github.com/shopspring/decimal"
)

// window is a fixed-capacity ring of samples with a running sum.
// Pushing onto a full window evicts the oldest sample in O(1).
type window struct {
	size    int
	samples []decimal.Decimal
	head    int
	sum     decimal.Decimal
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{
		size:    size,
		samples: make([]decimal.Decimal, 0, size),
	}
}

func (w *window) push(v decimal.Decimal) {
	if len(w.samples) < w.size {
		w.samples = append(w.samples, v)
		w.sum = w.sum.Add(v)
		return
	}
	w.sum = w.sum.Sub(w.samples[w.head]).Add(v)
	w.samples[w.head] = v
	w.head = (w.head + 1) % w.size
}

func (w *window) full() bool {
	return len(w.samples) == w.size
}

// mean returns the average of the held samples, zero until full.
func (w *window) mean() decimal.Decimal {
	if !w.full() {
		return decimal.Zero
	}
	return w.sum.Div(decimal.NewFromInt(int64(w.size)))
}

func (w *window) reset() {
	w.samples = w.samples[:0]
	w.head = 0
	w.sum = decimal.Zero
}

// Package risk implements the tick-driven risk manager: per-lot trailing,
// protective and initial stops, and exit intent emission.
package risk

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/multilot-bot/internal/types"
)

// PeakTracker tracks the best price a lot has reached in its favorable
// direction. The peak never regresses.
// Thread-safe for concurrent access.
type PeakTracker struct {
	mu   sync.RWMutex
	dir  types.Direction
	peak decimal.Decimal
}

// NewPeakTracker creates a tracker seeded with the entry price.
func NewPeakTracker(dir types.Direction, entry decimal.Decimal) *PeakTracker {
	return &PeakTracker{
		dir:  dir,
		peak: entry,
	}
}

// Update advances the peak if price improves on it.
// Returns true if a new peak was set.
func (t *PeakTracker) Update(price decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.dir {
	case types.DirectionLong:
		if price.GreaterThan(t.peak) {
			t.peak = price
			return true
		}
	case types.DirectionShort:
		if price.LessThan(t.peak) {
			t.peak = price
			return true
		}
	}

	return false
}

// Peak returns the best price reached so far.
func (t *PeakTracker) Peak() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peak
}

// Retrace returns how far price has given back from the peak, in points.
// Zero when price is at or beyond the peak.
func (t *PeakTracker) Retrace(price decimal.Decimal) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var d decimal.Decimal
	switch t.dir {
	case types.DirectionLong:
		d = t.peak.Sub(price)
	case types.DirectionShort:
		d = price.Sub(t.peak)
	default:
		return decimal.Zero
	}

	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

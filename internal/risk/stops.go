package risk

import (
	"github.com/shopspring/decimal"
	"github.com/tathienbao/multilot-bot/internal/types"
)

// trailingStop returns the trailing-stop level for an armed lot.
// LONG: peak - (peak-entry)*pullback. SHORT: peak + (entry-peak)*pullback.
func trailingStop(dir types.Direction, entry, peak, pullback decimal.Decimal) decimal.Decimal {
	switch dir {
	case types.DirectionLong:
		return peak.Sub(peak.Sub(entry).Mul(pullback))
	case types.DirectionShort:
		return peak.Add(entry.Sub(peak).Mul(pullback))
	default:
		return decimal.Zero
	}
}

// protectiveStop returns the stop level financed by realized profit from
// earlier lots in the same group.
func protectiveStop(dir types.Direction, entry, priorProfit, multiplier decimal.Decimal) decimal.Decimal {
	cushion := priorProfit.Mul(multiplier)
	switch dir {
	case types.DirectionLong:
		return entry.Sub(cushion)
	case types.DirectionShort:
		return entry.Add(cushion)
	default:
		return decimal.Zero
	}
}

// initialStop returns the opening-range boundary stop.
// LONG stops at the range low, SHORT at the range high.
func initialStop(dir types.Direction, rangeHigh, rangeLow decimal.Decimal) decimal.Decimal {
	if dir == types.DirectionShort {
		return rangeHigh
	}
	return rangeLow
}

// stopHit reports whether price has crossed back through the stop level.
func stopHit(dir types.Direction, price, stop decimal.Decimal) bool {
	switch dir {
	case types.DirectionLong:
		return price.LessThanOrEqual(stop)
	case types.DirectionShort:
		return price.GreaterThanOrEqual(stop)
	default:
		return false
	}
}

// tighter reports whether candidate is a tighter stop than current,
// i.e. closer to the market on the losing side.
func tighter(dir types.Direction, candidate, current decimal.Decimal) bool {
	switch dir {
	case types.DirectionLong:
		return candidate.GreaterThan(current)
	case types.DirectionShort:
		return candidate.LessThan(current)
	default:
		return false
	}
}

// activationReached reports whether price has moved far enough in the
// favorable direction to arm the trailing stop.
func activationReached(dir types.Direction, entry, price, activation decimal.Decimal) bool {
	switch dir {
	case types.DirectionLong:
		return price.GreaterThanOrEqual(entry.Add(activation))
	case types.DirectionShort:
		return price.LessThanOrEqual(entry.Sub(activation))
	default:
		return false
	}
}

// pnlPoints returns realized profit in points for a closed lot.
func pnlPoints(dir types.Direction, entry, exit decimal.Decimal) decimal.Decimal {
	switch dir {
	case types.DirectionLong:
		return exit.Sub(entry)
	case types.DirectionShort:
		return entry.Sub(exit)
	default:
		return decimal.Zero
	}
}

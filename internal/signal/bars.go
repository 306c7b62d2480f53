package signal

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/multilot-bot/pkg/indicator"
)

// barAggregator rolls tick prices into one-minute bars and keeps the
// volatility and trend indicators fed. Bars close when a tick arrives in
// a later minute; the current partial bar is never counted.
type barAggregator struct {
	atr    *indicator.ATR
	stddev *indicator.StdDev
	sma    *indicator.SMA

	barStart time.Time
	high     decimal.Decimal
	low      decimal.Decimal
	last     decimal.Decimal
	open     bool
}

func newBarAggregator(atrPeriod, stdDevPeriod, smaPeriod int) *barAggregator {
	return &barAggregator{
		atr:    indicator.NewATR(atrPeriod),
		stddev: indicator.NewStdDev(stdDevPeriod),
		sma:    indicator.NewSMA(smaPeriod),
	}
}

// OnPrice feeds one tick price. A tick in a new minute closes the
// previous bar into the indicators first.
func (b *barAggregator) OnPrice(at time.Time, price decimal.Decimal) {
	minute := at.Truncate(time.Minute)

	if b.open && minute.After(b.barStart) {
		b.closeBar()
	}

	if !b.open {
		b.barStart = minute
		b.high = price
		b.low = price
		b.open = true
	} else {
		if price.GreaterThan(b.high) {
			b.high = price
		}
		if price.LessThan(b.low) {
			b.low = price
		}
	}
	b.last = price
}

func (b *barAggregator) closeBar() {
	b.atr.Update(b.high, b.low, b.last)
	b.stddev.Update(b.last)
	b.sma.Update(b.last)
	b.open = false
}

// Ready reports whether the indicators have a full window of closed bars.
func (b *barAggregator) Ready() bool {
	return b.atr.Ready() && b.stddev.Ready()
}

func (b *barAggregator) ATR() decimal.Decimal {
	return b.atr.Current()
}

func (b *barAggregator) StdDev() decimal.Decimal {
	return b.stddev.Current()
}

func (b *barAggregator) SMA() decimal.Decimal {
	return b.sma.Current()
}

func (b *barAggregator) SMAReady() bool {
	return b.sma.Ready()
}

// Reset clears all bar and indicator state.
func (b *barAggregator) Reset() {
	b.atr.Reset()
	b.stddev.Reset()
	b.sma.Reset()
	b.open = false
}

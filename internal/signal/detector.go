// Package signal detects opening-range breakouts and produces strategy
// group creation requests. It feeds group creation only; exit logic
// never depends on it.
package signal

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/multilot-bot/internal/types"
)

// Config holds detector configuration. Times are exchange-local.
type Config struct {
	WindowOpen      string // session open, "HH:MM"
	WindowMinutes   int    // opening range duration
	MaxGroupsPerDay int
	TotalLots       int
	MinRangePoints  decimal.Decimal // ranges narrower than this are skipped for the day
	MinATRPoints    decimal.Decimal // volatility floor at breakout time, zero disables
	MaxStdDevPoints decimal.Decimal // chop ceiling, breakouts are skipped above it, zero disables
	TrendFilter     bool            // require price on the SMA side of the breakout
	Timezone        string

	ATRPeriod    int
	StdDevPeriod int
	SMAPeriod    int
}

// DefaultConfig returns conservative defaults for the MES session.
func DefaultConfig() Config {
	return Config{
		WindowOpen:      "09:30",
		WindowMinutes:   30,
		MaxGroupsPerDay: 2,
		TotalLots:       3,
		MinRangePoints:  decimal.RequireFromString("2"),
		MinATRPoints:    decimal.Zero,
		MaxStdDevPoints: decimal.Zero,
		Timezone:        "America/New_York",
		ATRPeriod:       14,
		StdDevPeriod:    20,
		SMAPeriod:       20,
	}
}

// Detector consumes ticks for one product and emits at most one LONG and
// one SHORT group per trading day, up to the daily group budget. A day
// roll resets all state.
type Detector struct {
	cfg     Config
	product string
	loc     *time.Location
	logger  *slog.Logger

	mu        sync.Mutex
	tradeDate string
	winOpen   time.Time
	winClose  time.Time

	rangeHigh  decimal.Decimal
	rangeLow   decimal.Decimal
	haveRange  bool
	rangeFinal bool
	rangeOK    bool

	bars           *barAggregator
	groupsToday    int
	signalledLong  bool
	signalledShort bool
}

// New creates a detector for one product.
func New(product string, cfg Config, logger *slog.Logger) (*Detector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = DefaultConfig().WindowMinutes
	}
	if cfg.MaxGroupsPerDay <= 0 {
		cfg.MaxGroupsPerDay = DefaultConfig().MaxGroupsPerDay
	}
	if cfg.TotalLots <= 0 {
		cfg.TotalLots = DefaultConfig().TotalLots
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = DefaultConfig().ATRPeriod
	}
	if cfg.StdDevPeriod <= 0 {
		cfg.StdDevPeriod = DefaultConfig().StdDevPeriod
	}
	if cfg.SMAPeriod <= 0 {
		cfg.SMAPeriod = DefaultConfig().SMAPeriod
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultConfig().Timezone
	}

	if _, err := parseClock(cfg.WindowOpen); err != nil {
		return nil, fmt.Errorf("signal window_open: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("signal timezone: %w", err)
	}

	return &Detector{
		cfg:     cfg,
		product: product,
		loc:     loc,
		logger:  logger,
		bars:    newBarAggregator(cfg.ATRPeriod, cfg.StdDevPeriod, cfg.SMAPeriod),
	}, nil
}

// OnTick processes one tick and returns a group creation request when a
// breakout fires, nil otherwise.
func (d *Detector) OnTick(tick types.Tick) *types.StrategyGroup {
	if tick.Product != d.product {
		return nil
	}
	price := tickPrice(tick)
	if price.IsZero() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	local := tick.Timestamp.In(d.loc)
	date := local.Format("2006-01-02")
	if date != d.tradeDate {
		d.rollDay(date, local)
	}

	d.bars.OnPrice(local, price)

	if local.Before(d.winOpen) {
		return nil
	}

	if local.Before(d.winClose) {
		d.extendRange(price)
		return nil
	}

	if !d.rangeFinal {
		d.finalizeRange()
	}
	if !d.rangeOK {
		return nil
	}

	return d.checkBreakout(tick, local, price)
}

// Reset clears all detector state.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tradeDate = ""
	d.bars.Reset()
}

func (d *Detector) rollDay(date string, local time.Time) {
	d.tradeDate = date
	d.haveRange = false
	d.rangeFinal = false
	d.rangeOK = false
	d.groupsToday = 0
	d.signalledLong = false
	d.signalledShort = false

	clock, _ := parseClock(d.cfg.WindowOpen)
	y, m, day := local.Date()
	d.winOpen = time.Date(y, m, day, clock.hour, clock.min, 0, 0, d.loc)
	d.winClose = d.winOpen.Add(time.Duration(d.cfg.WindowMinutes) * time.Minute)
}

func (d *Detector) extendRange(price decimal.Decimal) {
	if !d.haveRange {
		d.rangeHigh = price
		d.rangeLow = price
		d.haveRange = true
		return
	}
	if price.GreaterThan(d.rangeHigh) {
		d.rangeHigh = price
	}
	if price.LessThan(d.rangeLow) {
		d.rangeLow = price
	}
}

func (d *Detector) finalizeRange() {
	d.rangeFinal = true

	if !d.haveRange {
		d.logger.Warn("no ticks in opening window, skipping day",
			"product", d.product,
			"trade_date", d.tradeDate,
		)
		return
	}

	width := d.rangeHigh.Sub(d.rangeLow)
	if width.LessThan(d.cfg.MinRangePoints) {
		d.logger.Info("opening range too narrow, skipping day",
			"product", d.product,
			"trade_date", d.tradeDate,
			"width", width,
			"min_width", d.cfg.MinRangePoints,
		)
		return
	}

	d.rangeOK = true
	d.logger.Info("opening range locked",
		"product", d.product,
		"trade_date", d.tradeDate,
		"range_high", d.rangeHigh,
		"range_low", d.rangeLow,
	)
}

func (d *Detector) checkBreakout(tick types.Tick, local time.Time, price decimal.Decimal) *types.StrategyGroup {
	if d.groupsToday >= d.cfg.MaxGroupsPerDay {
		return nil
	}

	var dir types.Direction
	switch {
	case price.GreaterThan(d.rangeHigh) && !d.signalledLong:
		dir = types.DirectionLong
	case price.LessThan(d.rangeLow) && !d.signalledShort:
		dir = types.DirectionShort
	default:
		return nil
	}

	if !d.cfg.MinATRPoints.IsZero() {
		if !d.bars.Ready() || d.bars.ATR().LessThan(d.cfg.MinATRPoints) {
			return nil
		}
	}
	if !d.cfg.MaxStdDevPoints.IsZero() {
		// A wide price dispersion inside the window means the break is
		// more likely chop than trend. Skip it.
		if d.bars.Ready() && d.bars.StdDev().GreaterThan(d.cfg.MaxStdDevPoints) {
			return nil
		}
	}
	if d.cfg.TrendFilter && d.bars.SMAReady() {
		sma := d.bars.SMA()
		if dir == types.DirectionLong && price.LessThan(sma) {
			return nil
		}
		if dir == types.DirectionShort && price.GreaterThan(sma) {
			return nil
		}
	}

	if dir == types.DirectionLong {
		d.signalledLong = true
	} else {
		d.signalledShort = true
	}
	d.groupsToday++

	group := &types.StrategyGroup{
		TradeDate:  d.tradeDate,
		GroupNo:    d.groupsToday,
		Product:    d.product,
		Direction:  dir,
		SignalTime: tick.Timestamp,
		RangeHigh:  d.rangeHigh,
		RangeLow:   d.rangeLow,
		TotalLots:  d.cfg.TotalLots,
		Status:     types.GroupStatusWaiting,
	}

	d.logger.Info("opening range breakout",
		"product", d.product,
		"group", group.Key(),
		"direction", dir.String(),
		"price", price,
		"time", local.Format("15:04:05"),
	)
	return group
}

func tickPrice(tick types.Tick) decimal.Decimal {
	if !tick.Last.IsZero() {
		return tick.Last
	}
	if !tick.Bid1.IsZero() && !tick.Ask1.IsZero() {
		return tick.Bid1.Add(tick.Ask1).Div(decimal.NewFromInt(2))
	}
	return decimal.Zero
}

type clockTime struct {
	hour int
	min  int
}

func parseClock(s string) (clockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return clockTime{}, fmt.Errorf("parse %q: %w", s, err)
	}
	return clockTime{hour: t.Hour(), min: t.Minute()}, nil
}

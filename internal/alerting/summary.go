package alerting

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionSummary aggregates one trading session's exit outcomes for the
// end-of-session report.
type SessionSummary struct {
	TradeDate      time.Time
	Product        string
	GroupsOpened   int
	LotsOpened     int
	LotsClosed     int
	LotsFailed     int
	WinningLots    int
	LosingLots     int
	WinRate        decimal.Decimal
	RealizedPoints decimal.Decimal
	ChaseCount     int
	ExpiredLocks   int
	OpenPositions  int
}

// NewSessionSummary builds a summary and derives the win rate from the
// closed-lot counts.
func NewSessionSummary(
	tradeDate time.Time,
	product string,
	groupsOpened, lotsOpened, lotsClosed, lotsFailed int,
	winningLots, losingLots int,
	realizedPoints decimal.Decimal,
	chaseCount, expiredLocks, openPositions int,
) SessionSummary {
	var winRate decimal.Decimal
	if lotsClosed > 0 {
		winRate = decimal.NewFromInt(int64(winningLots)).
			Div(decimal.NewFromInt(int64(lotsClosed))).
			Mul(decimal.NewFromInt(100))
	}

	return SessionSummary{
		TradeDate:      tradeDate,
		Product:        product,
		GroupsOpened:   groupsOpened,
		LotsOpened:     lotsOpened,
		LotsClosed:     lotsClosed,
		LotsFailed:     lotsFailed,
		WinningLots:    winningLots,
		LosingLots:     losingLots,
		WinRate:        winRate,
		RealizedPoints: realizedPoints,
		ChaseCount:     chaseCount,
		ExpiredLocks:   expiredLocks,
		OpenPositions:  openPositions,
	}
}

// RequiresAttention reports whether the session left anything a human
// has to deal with.
func (s SessionSummary) RequiresAttention() bool {
	return s.LotsFailed > 0 || s.ExpiredLocks > 0 || s.OpenPositions > 0
}

// Package types defines shared types used across the trading system.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents the direction of a position.
type Direction int

const (
	DirectionFlat Direction = iota
	DirectionLong
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Opposite returns the opposite direction. Exits always trade opposite
// to the entry direction.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionFlat
	}
}

// Valid reports whether the direction is LONG or SHORT.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// GroupStatus represents the lifecycle state of a strategy group.
type GroupStatus int

const (
	GroupStatusWaiting GroupStatus = iota
	GroupStatusActive
	GroupStatusCompleted
	GroupStatusCancelled
)

func (s GroupStatus) String() string {
	switch s {
	case GroupStatusWaiting:
		return "WAITING"
	case GroupStatusActive:
		return "ACTIVE"
	case GroupStatusCompleted:
		return "COMPLETED"
	case GroupStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// PositionStatus represents the lifecycle state of a single lot.
// Transitions are monotonic: PENDING -> ACTIVE -> EXITING -> {EXITED, FAILED}.
// EXITED and FAILED are terminal.
type PositionStatus int

const (
	PositionStatusPending PositionStatus = iota
	PositionStatusActive
	PositionStatusExiting
	PositionStatusExited
	PositionStatusFailed
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusPending:
		return "PENDING"
	case PositionStatusActive:
		return "ACTIVE"
	case PositionStatusExiting:
		return "EXITING"
	case PositionStatusExited:
		return "EXITED"
	case PositionStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true for EXITED and FAILED.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionStatusExited || s == PositionStatusFailed
}

// CanTransitionTo enforces the monotonic lifecycle. Backward transitions
// and transitions out of a terminal state are rejected.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next > s
}

// OrderStatus represents the broker-reported state of an order.
type OrderStatus int

const (
	OrderStatusPending OrderStatus = iota
	OrderStatusNew
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusNew:
		return "NEW"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order can no longer change state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// ExitReason is the fixed vocabulary for why a position was closed.
type ExitReason string

const (
	ExitReasonTrailingStop      ExitReason = "trailing-stop"
	ExitReasonProtectiveStop    ExitReason = "protective-stop"
	ExitReasonInitialStop       ExitReason = "initial-stop"
	ExitReasonManual            ExitReason = "manual"
	ExitReasonFillFailure       ExitReason = "fill-failure"
	ExitReasonSubmissionFailure ExitReason = "submission-failure"
)

// Valid reports whether the reason belongs to the fixed vocabulary.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitReasonTrailingStop, ExitReasonProtectiveStop, ExitReasonInitialStop,
		ExitReasonManual, ExitReasonFillFailure, ExitReasonSubmissionFailure:
		return true
	default:
		return false
	}
}

// UpdateCategory classifies a risk-state update for the audit trail.
type UpdateCategory string

const (
	UpdateCategoryPriceUpdate     UpdateCategory = "price-update"
	UpdateCategoryTrailingArmed   UpdateCategory = "trailing-activated"
	UpdateCategoryProtectiveStop  UpdateCategory = "protective-stop-updated"
	UpdateCategoryInitialization  UpdateCategory = "initialization"
	UpdateCategoryFillConfirmed   UpdateCategory = "fill-confirmed"
)

// StrategyGroup is one multi-lot strategy instance, created per trading signal.
// Immutable after creation except Status and derived aggregates.
type StrategyGroup struct {
	TradeDate  string // YYYY-MM-DD
	GroupNo    int
	Product    string
	Direction  Direction
	SignalTime time.Time
	RangeHigh  decimal.Decimal
	RangeLow   decimal.Decimal
	TotalLots  int
	Status     GroupStatus
}

// Key returns the unique (date, group) identity.
func (g *StrategyGroup) Key() string {
	return fmt.Sprintf("%s#%d", g.TradeDate, g.GroupNo)
}

// Position is one lot of a strategy group, individually risk-managed.
type Position struct {
	ID        string
	GroupKey  string
	Product   string
	LotIndex  int // 1..TotalLots
	Direction Direction

	// Entry is unset until the fill is confirmed.
	EntryPrice decimal.Decimal
	EntryTime  time.Time

	Status      PositionStatus
	OrderID     string
	OrderStatus OrderStatus

	RetryCount        int
	MaxSlippagePoints decimal.Decimal

	// Risk parameters (fixed at creation).
	ActivationPoints     decimal.Decimal
	PullbackRatio        decimal.Decimal
	ProtectiveMultiplier decimal.Decimal

	// Trailing state. TrailingActivated only ever moves false -> true.
	// PeakPrice only ever moves in the favorable direction while ACTIVE.
	TrailingActivated bool
	PeakPrice         decimal.Decimal

	// Exit fields, set exactly once on the terminal EXITED transition.
	ExitPrice   decimal.Decimal
	ExitTime    time.Time
	ExitReason  ExitReason
	RealizedPnL decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasEntry reports whether the entry fill has been confirmed.
func (p *Position) HasEntry() bool {
	return !p.EntryTime.IsZero()
}

// Clone returns a deep copy. Decimal values are immutable so a shallow
// field copy is sufficient.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

// RiskState is the risk engine's own bookkeeping for an active position.
// One exists per active position, created on fill confirmation.
type RiskState struct {
	PositionID          string
	PeakPrice           decimal.Decimal
	CurrentStopLoss     decimal.Decimal
	PreviousStopLoss    decimal.Decimal
	TrailingActivated   bool
	ProtectionActivated bool
	LastUpdate          time.Time
	Category            UpdateCategory
	Message             string
}

// Clone returns a copy of the risk state.
func (s *RiskState) Clone() *RiskState {
	cp := *s
	return &cp
}

// Tick is a market data update from the quote feed.
type Tick struct {
	Product   string
	Timestamp time.Time
	Last      decimal.Decimal
	Bid1      decimal.Decimal
	Ask1      decimal.Decimal
	BidSize   int64
	AskSize   int64
}

// OrderReport is a broker fill/cancel/reject report. OrderID may be empty
// when the broker only returns an exchange sequence number; such reports
// are matched FIFO against outstanding orders.
type OrderReport struct {
	OrderID     string
	ExchangeSeq int64
	Status      OrderStatus
	Product     string
	Direction   Direction
	Price       decimal.Decimal
	FillPrice   decimal.Decimal
	FillQty     int
	Timestamp   time.Time
}

// TriggerSource identifies which evaluation path requested an exit.
type TriggerSource string

const (
	TriggerTrailingStop   TriggerSource = "trailing_stop"
	TriggerInitialStop    TriggerSource = "initial_stop"
	TriggerProtectiveStop TriggerSource = "protective_stop"
	TriggerManual         TriggerSource = "manual"
)

// ExitIntent is an instruction from the risk manager to close a position.
type ExitIntent struct {
	PositionID  string
	Product     string
	Direction   Direction // entry direction; the exit trades the opposite
	Reason      ExitReason
	Source      TriggerSource
	TargetPrice decimal.Decimal // stop level that triggered
	SignalPrice decimal.Decimal // last price at trigger time, slippage anchor
	Bid1        decimal.Decimal
	Ask1        decimal.Decimal
	Timestamp   time.Time
}

// InstrumentSpec defines the specifications of a trading instrument.
type InstrumentSpec struct {
	Symbol     string
	TickSize   decimal.Decimal // minimum price movement
	PointValue decimal.Decimal // dollar value per point per contract
}

// Supported instrument specifications.
var (
	InstrumentMES = InstrumentSpec{
		Symbol:     "MES",
		TickSize:   decimal.RequireFromString("0.25"),
		PointValue: decimal.RequireFromString("5.00"),
	}

	InstrumentMGC = InstrumentSpec{
		Symbol:     "MGC",
		TickSize:   decimal.RequireFromString("0.10"),
		PointValue: decimal.RequireFromString("10.00"),
	}
)

// GetInstrumentSpec returns the specification for a symbol.
func GetInstrumentSpec(symbol string) (InstrumentSpec, bool) {
	switch symbol {
	case "MES":
		return InstrumentMES, true
	case "MGC":
		return InstrumentMGC, true
	default:
		return InstrumentSpec{}, false
	}
}

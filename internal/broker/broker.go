// Package broker defines the connectivity contract to the quote/order feed.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/multilot-bot/internal/types"
)

// Common broker errors.
var (
	ErrNotConnected  = errors.New("broker not connected")
	ErrOrderRejected = errors.New("order rejected by broker")
	ErrRateLimited   = errors.New("rate limited by broker")
	ErrMarketClosed  = errors.New("market closed")
)

// Side is the trade side of an order. Distinct from position direction:
// a LONG exit is a SELL, a SHORT exit is a BUY.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ExitSide returns the order side that closes a position of the given
// entry direction.
func ExitSide(entry types.Direction) Side {
	if entry == types.DirectionLong {
		return SideSell
	}
	return SideBuy
}

// ConnectionState represents the broker connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// OrderRequest is an outbound order submission. All exit orders are
// Fill-Or-Kill with the closing flag set.
type OrderRequest struct {
	ClientOrderID string // client-assigned correlation id
	Product       string
	Side          Side
	Quantity      int
	Price         decimal.Decimal
	FillOrKill    bool
	ClosePosition bool
}

// SubmitAck acknowledges an accepted submission. The terminal outcome
// arrives asynchronously on the order report stream.
type SubmitAck struct {
	OrderID     string
	SubmittedAt time.Time
}

// Broker defines the interface to the quote and order feed.
type Broker interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
	IsConnected() bool

	// Market data
	SubscribeTicks(ctx context.Context, product string) (<-chan types.Tick, error)
	UnsubscribeTicks(product string) error

	// Order flow. Reports may arrive out of order or duplicated.
	SubmitOrder(ctx context.Context, req OrderRequest) (*SubmitAck, error)
	OrderReports() <-chan types.OrderReport

	// Graceful shutdown
	Shutdown(ctx context.Context) error
}

// Package sim provides a deterministic simulated broker for tests and
// paper runs. Order outcomes are scripted per submission, which makes
// cancel/chase and failure paths reproducible.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/multilot-bot/internal/broker"
	"github.com/tathienbao/multilot-bot/internal/types"
)

// Outcome scripts the terminal report for one submitted order.
type Outcome struct {
	Status      types.OrderStatus // FILLED, CANCELLED or REJECTED
	FillPrice   decimal.Decimal   // defaults to the order price
	Delay       time.Duration     // report delivery delay
	OmitOrderID bool              // deliver the report without an order id (FIFO match path)
}

// Behavior decides the outcome of a submission. The attempt counter is
// per product, letting scripts cancel the first attempt and fill the
// chase.
type Behavior func(req broker.OrderRequest, attempt int) Outcome

// FillAll fills every order at its limit price immediately.
func FillAll(req broker.OrderRequest, _ int) Outcome {
	return Outcome{Status: types.OrderStatusFilled, FillPrice: req.Price}
}

// CancelFirstN returns a behavior that cancels the first n attempts for
// each order and fills afterwards.
func CancelFirstN(n int) Behavior {
	return func(req broker.OrderRequest, attempt int) Outcome {
		if attempt < n {
			return Outcome{Status: types.OrderStatusCancelled}
		}
		return Outcome{Status: types.OrderStatusFilled, FillPrice: req.Price}
	}
}

// CancelAll cancels every order. The FOK never fills.
func CancelAll(broker.OrderRequest, int) Outcome {
	return Outcome{Status: types.OrderStatusCancelled}
}

// Broker implements broker.Broker with scripted behavior.
type Broker struct {
	logger *slog.Logger

	state atomic.Int32

	mu       sync.Mutex
	behavior Behavior
	attempts map[string]int // submissions per product, drives Behavior's attempt counter
	orders   map[string]broker.OrderRequest
	nextID   atomic.Int64
	seq      atomic.Int64

	reports chan types.OrderReport

	tickMu sync.Mutex
	subs   map[string][]chan types.Tick

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New creates a simulated broker with the given behavior.
func New(behavior Behavior, logger *slog.Logger) *Broker {
	if behavior == nil {
		behavior = FillAll
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broker{
		logger:   logger,
		behavior: behavior,
		attempts: make(map[string]int),
		orders:   make(map[string]broker.OrderRequest),
		reports:  make(chan types.OrderReport, 256),
		subs:     make(map[string][]chan types.Tick),
		done:     make(chan struct{}),
	}
	b.state.Store(int32(broker.StateDisconnected))

	return b
}

// SetBehavior swaps the scripted behavior mid-test.
func (b *Broker) SetBehavior(behavior Behavior) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.behavior = behavior
}

// Connect marks the broker connected.
func (b *Broker) Connect(context.Context) error {
	b.state.Store(int32(broker.StateConnected))
	return nil
}

// Disconnect marks the broker disconnected.
func (b *Broker) Disconnect() error {
	b.state.Store(int32(broker.StateDisconnected))
	return nil
}

// State returns the connection state.
func (b *Broker) State() broker.ConnectionState {
	return broker.ConnectionState(b.state.Load())
}

// IsConnected returns true when connected.
func (b *Broker) IsConnected() bool {
	return b.State() == broker.StateConnected
}

// SubscribeTicks returns a channel of ticks for a product. Ticks are
// injected by the test via PushTick.
func (b *Broker) SubscribeTicks(_ context.Context, product string) (<-chan types.Tick, error) {
	if !b.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	ch := make(chan types.Tick, 256)
	b.tickMu.Lock()
	b.subs[product] = append(b.subs[product], ch)
	b.tickMu.Unlock()

	return ch, nil
}

// UnsubscribeTicks drops all subscriptions for a product.
func (b *Broker) UnsubscribeTicks(product string) error {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()

	for _, ch := range b.subs[product] {
		close(ch)
	}
	delete(b.subs, product)
	return nil
}

// PushTick delivers a tick to all subscribers of its product.
func (b *Broker) PushTick(tick types.Tick) {
	b.tickMu.Lock()
	subs := append([]chan types.Tick(nil), b.subs[tick.Product]...)
	b.tickMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
			b.logger.Warn("tick subscriber backpressure, dropping", "product", tick.Product)
		}
	}
}

// SubmitOrder accepts an order and schedules its scripted report.
func (b *Broker) SubmitOrder(_ context.Context, req broker.OrderRequest) (*broker.SubmitAck, error) {
	if !b.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	orderID := fmt.Sprintf("sim-%d", b.nextID.Add(1))

	b.mu.Lock()
	attempt := b.attempts[req.Product]
	b.attempts[req.Product]++
	outcome := b.behavior(req, attempt)
	b.orders[orderID] = req
	b.mu.Unlock()

	if outcome.FillPrice.IsZero() {
		outcome.FillPrice = req.Price
	}

	report := types.OrderReport{
		OrderID:     orderID,
		ExchangeSeq: b.seq.Add(1),
		Status:      outcome.Status,
		Product:     req.Product,
		Direction:   sideToDirection(req.Side),
		Price:       req.Price,
		Timestamp:   time.Now(),
	}
	if outcome.Status == types.OrderStatusFilled {
		report.FillPrice = outcome.FillPrice
		report.FillQty = req.Quantity
	}
	if outcome.OmitOrderID {
		report.OrderID = ""
	}

	b.wg.Add(1)
	go func(r types.OrderReport, delay time.Duration) {
		defer b.wg.Done()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-b.done:
				return
			}
		}
		select {
		case b.reports <- r:
		case <-b.done:
		}
	}(report, outcome.Delay)

	return &broker.SubmitAck{OrderID: orderID, SubmittedAt: time.Now()}, nil
}

// OrderReports returns the report stream.
func (b *Broker) OrderReports() <-chan types.OrderReport {
	return b.reports
}

// Submissions returns how many orders were submitted for a product.
func (b *Broker) Submissions(product string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[product]
}

// LastOrder returns the most recently submitted request for an order id.
func (b *Broker) Order(orderID string) (broker.OrderRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.orders[orderID]
	return req, ok
}

// Shutdown stops report delivery and closes the stream.
func (b *Broker) Shutdown(context.Context) error {
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
		close(b.reports)
	})
	b.state.Store(int32(broker.StateDisconnected))
	return nil
}

func sideToDirection(s broker.Side) types.Direction {
	if s == broker.SideBuy {
		return types.DirectionLong
	}
	return types.DirectionShort
}

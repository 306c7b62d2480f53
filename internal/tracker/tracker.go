// Package tracker matches broker fill/cancel reports to outstanding exit
// orders and maintains per-position exit progress and retry budgets.
package tracker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/multilot-bot/internal/metrics"
	"github.com/tathienbao/multilot-bot/internal/types"
)

// Listener receives terminal order outcomes. Fill callbacks are invoked
// after the tracker's own state transition, so per-position terminal
// transitions are linearized before any dependent work.
type Listener interface {
	// OnExitFilled fires once per filled lot.
	OnExitFilled(positionID string, lotIndex int, fillPrice decimal.Decimal, at time.Time)
	// OnExitCancelled fires when a lot's exit order is cancelled or
	// rejected. The receiver decides whether to chase or give up.
	OnExitCancelled(positionID string, lotIndex int, report types.OrderReport)
	// OnExitComplete fires when every lot of the exit reached a terminal
	// outcome and the exit group is destroyed.
	OnExitComplete(positionID string, filled, cancelled int)
}

// Config holds tracker configuration.
type Config struct {
	// PriceTolerance bounds FIFO matching by price for reports that carry
	// no order id.
	PriceTolerance decimal.Decimal
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		PriceTolerance: decimal.RequireFromString("1"),
	}
}

// ExitGroup tracks exit progress for one position.
// Invariant: Filled + Cancelled + Remaining == Total.
type ExitGroup struct {
	PositionID    string
	Total         int
	Filled        int
	Cancelled     int
	Remaining     int
	ExitDirection types.Direction
	TargetPrice   decimal.Decimal
	RetryCount    int         // group-level, sum of lot increments
	LotRetries    map[int]int // lot index -> retries, fully independent
	MaxRetries    int
	IsRetrying    bool
	CreatedAt     time.Time

	retrying map[int]struct{} // lots with a cancelled order awaiting resubmit
}

func (g *ExitGroup) clone() *ExitGroup {
	cp := *g
	cp.LotRetries = make(map[int]int, len(g.LotRetries))
	for k, v := range g.LotRetries {
		cp.LotRetries[k] = v
	}
	cp.retrying = nil
	return &cp
}

// openOrder is one outstanding exit order awaiting a broker report.
type openOrder struct {
	seq        int64
	orderID    string
	positionID string
	lotIndex   int
	product    string
	direction  types.Direction // direction the exit order trades
	qty        int
	price      decimal.Decimal
	registered time.Time
}

// Tracker is the FIFO exit/order tracker.
// Thread-safe for concurrent access.
type Tracker struct {
	mu     sync.Mutex
	orders map[string]*openOrder // order id -> order
	fifo   []*openOrder          // registration order
	groups map[string]*ExitGroup // position id -> group
	seq    int64

	cfg      Config
	listener Listener
	rec      *metrics.Recorder
	logger   *slog.Logger
}

// New creates a tracker. The listener may be nil and set later with
// SetListener; reports processed without a listener still update counters.
func New(cfg Config, listener Listener, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PriceTolerance.IsZero() {
		cfg.PriceTolerance = DefaultConfig().PriceTolerance
	}

	return &Tracker{
		orders:   make(map[string]*openOrder),
		fifo:     make([]*openOrder, 0),
		groups:   make(map[string]*ExitGroup),
		cfg:      cfg,
		listener: listener,
		rec:      metrics.NewRecorder(),
		logger:   logger,
	}
}

// SetListener installs the terminal-outcome listener.
func (t *Tracker) SetListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

// BeginExit creates the exit group for a position. Idempotent: a second
// call for an in-progress exit returns the existing group's snapshot.
func (t *Tracker) BeginExit(positionID string, totalLots int, exitDir types.Direction, target decimal.Decimal, maxRetries int) *ExitGroup {
	t.mu.Lock()
	defer t.mu.Unlock()

	if g, ok := t.groups[positionID]; ok {
		return g.clone()
	}

	g := &ExitGroup{
		PositionID:    positionID,
		Total:         totalLots,
		Remaining:     totalLots,
		ExitDirection: exitDir,
		TargetPrice:   target,
		LotRetries:    make(map[int]int),
		MaxRetries:    maxRetries,
		CreatedAt:     time.Now(),
		retrying:      make(map[int]struct{}),
	}
	t.groups[positionID] = g

	t.logger.Info("exit group opened",
		"position_id", positionID,
		"total_lots", totalLots,
		"exit_direction", exitDir.String(),
		"target", target,
	)
	return g.clone()
}

// RegisterExitOrder records an outstanding exit order for a lot. The exit
// group must exist. A resubmitted (chase) order clears the lot's retrying
// mark.
func (t *Tracker) RegisterExitOrder(positionID, orderID string, lotIndex int, dir types.Direction, qty int, price decimal.Decimal, product string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[positionID]
	if !ok {
		return fmt.Errorf("register order for %s: %w", positionID, types.ErrStateNotFound)
	}
	if _, dup := t.orders[orderID]; dup {
		return fmt.Errorf("register order %s: already registered", orderID)
	}

	t.seq++
	o := &openOrder{
		seq:        t.seq,
		orderID:    orderID,
		positionID: positionID,
		lotIndex:   lotIndex,
		product:    product,
		direction:  dir,
		qty:        qty,
		price:      price,
		registered: time.Now(),
	}
	t.orders[orderID] = o
	t.fifo = append(t.fifo, o)

	delete(g.retrying, lotIndex)
	g.IsRetrying = len(g.retrying) > 0

	t.logger.Debug("exit order registered",
		"position_id", positionID,
		"order_id", orderID,
		"lot", lotIndex,
		"price", price,
	)
	return nil
}

// ProcessReport matches a broker report to an outstanding order and applies
// the outcome. Returns false for reports with no match (duplicates,
// unknown orders, non-terminal statuses on unknown ids). Each report
// consumes at most one order exactly once.
func (t *Tracker) ProcessReport(report types.OrderReport) bool {
	t.mu.Lock()

	o := t.match(report)
	if o == nil {
		t.mu.Unlock()
		t.logger.Warn("order report without matching order",
			"order_id", report.OrderID,
			"exchange_seq", report.ExchangeSeq,
			"status", report.Status.String(),
			"product", report.Product,
			"error", types.ErrOrderNotFound,
		)
		return false
	}

	if !report.Status.IsFinal() {
		// NEW acknowledgements carry no state change.
		t.mu.Unlock()
		return true
	}

	t.consumeLocked(o)
	g := t.groups[o.positionID]
	if g == nil {
		// Late report for an already-destroyed exit group.
		t.mu.Unlock()
		t.logger.Warn("report for closed exit group",
			"position_id", o.positionID,
			"order_id", o.orderID,
			"status", report.Status.String(),
		)
		return true
	}

	var (
		listener = t.listener
		complete bool
		filled   int
		cancel   int
	)

	switch report.Status {
	case types.OrderStatusFilled:
		g.Filled++
		g.Remaining--
		complete = g.Remaining == 0
		filled, cancel = g.Filled, g.Cancelled
		if complete {
			delete(t.groups, o.positionID)
		}
	case types.OrderStatusCancelled, types.OrderStatusRejected:
		// The lot stays in Remaining while a chase decision is pending.
		g.retrying[o.lotIndex] = struct{}{}
		g.IsRetrying = true
	}
	t.mu.Unlock()

	switch report.Status {
	case types.OrderStatusFilled:
		t.rec.RecordExitResult("filled")
		t.logger.Info("exit order filled",
			"position_id", o.positionID,
			"order_id", o.orderID,
			"lot", o.lotIndex,
			"fill_price", report.FillPrice,
		)
		if listener != nil {
			listener.OnExitFilled(o.positionID, o.lotIndex, report.FillPrice, report.Timestamp)
			if complete {
				listener.OnExitComplete(o.positionID, filled, cancel)
			}
		}
	case types.OrderStatusCancelled, types.OrderStatusRejected:
		t.rec.RecordExitResult("cancelled")
		t.logger.Info("exit order cancelled",
			"position_id", o.positionID,
			"order_id", o.orderID,
			"lot", o.lotIndex,
			"status", report.Status.String(),
		)
		if listener != nil {
			listener.OnExitCancelled(o.positionID, o.lotIndex, report)
		}
	}

	return true
}

// match resolves a report to an outstanding order. An explicit order id
// wins; otherwise the earliest-registered order compatible by product,
// direction and price tolerance. Registration sequence numbers are unique,
// which also settles the numeric-id tie rule. Caller holds t.mu.
func (t *Tracker) match(report types.OrderReport) *openOrder {
	if report.OrderID != "" {
		return t.orders[report.OrderID]
	}

	price := report.Price
	if price.IsZero() {
		price = report.FillPrice
	}

	for _, o := range t.fifo {
		if o.product != report.Product {
			continue
		}
		if report.Direction.Valid() && o.direction != report.Direction {
			continue
		}
		if !price.IsZero() && o.price.Sub(price).Abs().GreaterThan(t.cfg.PriceTolerance) {
			continue
		}
		return o
	}
	return nil
}

// consumeLocked removes an order from both indexes. Caller holds t.mu.
func (t *Tracker) consumeLocked(o *openOrder) {
	delete(t.orders, o.orderID)
	for i, f := range t.fifo {
		if f == o {
			t.fifo = append(t.fifo[:i], t.fifo[i+1:]...)
			break
		}
	}
}

// IncrementRetry bumps a lot's retry counter ahead of a chase submission.
// Counters for different lots and positions are fully independent and are
// never reset by sibling activity. Returns the new count, or
// ErrMaxRetriesExceeded when the budget is exhausted.
func (t *Tracker) IncrementRetry(positionID string, lotIndex int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[positionID]
	if !ok {
		return 0, fmt.Errorf("retry for %s: %w", positionID, types.ErrStateNotFound)
	}

	if g.LotRetries[lotIndex] >= g.MaxRetries {
		return g.LotRetries[lotIndex], fmt.Errorf("lot %d of %s: %w", lotIndex, positionID, types.ErrMaxRetriesExceeded)
	}

	g.LotRetries[lotIndex]++
	g.RetryCount++
	return g.LotRetries[lotIndex], nil
}

// LotRetries returns a lot's current retry count.
func (t *Tracker) LotRetries(positionID string, lotIndex int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.groups[positionID]; ok {
		return g.LotRetries[lotIndex]
	}
	return 0
}

// MarkLotFailed records a terminal cancel for a lot after retry exhaustion
// or slippage cut-off. Destroys the group when it was the last open lot.
func (t *Tracker) MarkLotFailed(positionID string, lotIndex int) error {
	t.mu.Lock()

	g, ok := t.groups[positionID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("fail lot for %s: %w", positionID, types.ErrStateNotFound)
	}

	g.Cancelled++
	g.Remaining--
	delete(g.retrying, lotIndex)
	g.IsRetrying = len(g.retrying) > 0

	complete := g.Remaining == 0
	filled, cancelled := g.Filled, g.Cancelled
	listener := t.listener
	if complete {
		delete(t.groups, positionID)
	}
	t.mu.Unlock()

	t.logger.Warn("exit lot failed",
		"position_id", positionID,
		"lot", lotIndex,
	)
	if complete && listener != nil {
		listener.OnExitComplete(positionID, filled, cancelled)
	}
	return nil
}

// Group returns a snapshot of a position's exit group.
func (t *Tracker) Group(positionID string) (*ExitGroup, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.groups[positionID]; ok {
		return g.clone(), true
	}
	return nil, false
}

// OpenOrders returns the number of outstanding exit orders.
func (t *Tracker) OpenOrders() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fifo)
}

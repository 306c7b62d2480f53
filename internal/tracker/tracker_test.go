package tracker

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/multilot-bot/internal/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fillEvent struct {
	positionID string
	lotIndex   int
	fillPrice  decimal.Decimal
}

type cancelEvent struct {
	positionID string
	lotIndex   int
	status     types.OrderStatus
}

type completeEvent struct {
	positionID string
	filled     int
	cancelled  int
}

// recordingListener captures tracker callbacks for assertions.
type recordingListener struct {
	mu        sync.Mutex
	fills     []fillEvent
	cancels   []cancelEvent
	completes []completeEvent
}

func (l *recordingListener) OnExitFilled(positionID string, lotIndex int, fillPrice decimal.Decimal, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fills = append(l.fills, fillEvent{positionID, lotIndex, fillPrice})
}

func (l *recordingListener) OnExitCancelled(positionID string, lotIndex int, report types.OrderReport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancels = append(l.cancels, cancelEvent{positionID, lotIndex, report.Status})
}

func (l *recordingListener) OnExitComplete(positionID string, filled, cancelled int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completes = append(l.completes, completeEvent{positionID, filled, cancelled})
}

func (l *recordingListener) counts() (fills, cancels, completes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fills), len(l.cancels), len(l.completes)
}

func newTestTracker(l Listener) *Tracker {
	return New(DefaultConfig(), l, nil)
}

func filledReport(orderID, product string, fillPrice string) types.OrderReport {
	return types.OrderReport{
		OrderID:   orderID,
		Status:    types.OrderStatusFilled,
		Product:   product,
		Direction: types.DirectionShort,
		FillPrice: dec(fillPrice),
		FillQty:   1,
		Timestamp: time.Now(),
	}
}

func TestTracker_ExplicitIDMatch(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.BeginExit("pos-1", 1, types.DirectionShort, dec("21516"), 5)
	if err := tr.RegisterExitOrder("pos-1", "ord-1", 1, types.DirectionShort, 1, dec("21515.75"), "MES"); err != nil {
		t.Fatalf("RegisterExitOrder: %v", err)
	}

	if !tr.ProcessReport(filledReport("ord-1", "MES", "21515.75")) {
		t.Fatal("report with explicit id did not match")
	}

	fills, _, completes := l.counts()
	if fills != 1 || completes != 1 {
		t.Errorf("fills = %d, completes = %d, want 1 and 1", fills, completes)
	}
	if _, ok := tr.Group("pos-1"); ok {
		t.Error("completed exit group not destroyed")
	}
}

func TestTracker_FIFOAmbiguousMatch(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	// Three sibling exits at the same price, registered in order.
	for i := 1; i <= 3; i++ {
		pos := fmt.Sprintf("pos-%d", i)
		tr.BeginExit(pos, 1, types.DirectionShort, dec("21516"), 5)
		if err := tr.RegisterExitOrder(pos, fmt.Sprintf("ord-%d", i), 1, types.DirectionShort, 1, dec("21515.75"), "MES"); err != nil {
			t.Fatalf("RegisterExitOrder %d: %v", i, err)
		}
	}

	// Reports carry only an exchange sequence, no order id.
	anon := types.OrderReport{
		ExchangeSeq: 900001,
		Status:      types.OrderStatusFilled,
		Product:     "MES",
		Direction:   types.DirectionShort,
		FillPrice:   dec("21515.75"),
		FillQty:     1,
		Timestamp:   time.Now(),
	}

	for want := 1; want <= 3; want++ {
		if !tr.ProcessReport(anon) {
			t.Fatalf("anonymous report %d did not match", want)
		}
		l.mu.Lock()
		got := l.fills[len(l.fills)-1].positionID
		l.mu.Unlock()
		if got != fmt.Sprintf("pos-%d", want) {
			t.Errorf("report %d matched %s, want pos-%d (earliest registered)", want, got, want)
		}
	}

	// All orders consumed; a fourth report matches nothing.
	if tr.ProcessReport(anon) {
		t.Error("report matched after all orders were consumed")
	}
	if tr.OpenOrders() != 0 {
		t.Errorf("open orders = %d, want 0", tr.OpenOrders())
	}
}

func TestTracker_MatchRespectsProductDirectionPrice(t *testing.T) {
	tr := newTestTracker(&recordingListener{})

	tr.BeginExit("pos-mes", 1, types.DirectionShort, dec("21516"), 5)
	if err := tr.RegisterExitOrder("pos-mes", "ord-mes", 1, types.DirectionShort, 1, dec("21515.75"), "MES"); err != nil {
		t.Fatalf("RegisterExitOrder: %v", err)
	}

	// Wrong product.
	r := types.OrderReport{Status: types.OrderStatusFilled, Product: "MGC", Direction: types.DirectionShort, FillPrice: dec("21515.75")}
	if tr.ProcessReport(r) {
		t.Error("matched a report for another product")
	}

	// Wrong direction.
	r = types.OrderReport{Status: types.OrderStatusFilled, Product: "MES", Direction: types.DirectionLong, FillPrice: dec("21515.75")}
	if tr.ProcessReport(r) {
		t.Error("matched a report with opposite direction")
	}

	// Price outside tolerance.
	r = types.OrderReport{Status: types.OrderStatusFilled, Product: "MES", Direction: types.DirectionShort, FillPrice: dec("21520")}
	if tr.ProcessReport(r) {
		t.Error("matched a report outside price tolerance")
	}

	// Compatible report consumes the order.
	r = types.OrderReport{Status: types.OrderStatusFilled, Product: "MES", Direction: types.DirectionShort, FillPrice: dec("21515.50")}
	if !tr.ProcessReport(r) {
		t.Error("compatible report did not match")
	}
}

func TestTracker_DuplicateReportNotDoubleConsumed(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.BeginExit("pos-1", 2, types.DirectionShort, dec("21516"), 5)
	if err := tr.RegisterExitOrder("pos-1", "ord-1", 1, types.DirectionShort, 1, dec("21515.75"), "MES"); err != nil {
		t.Fatalf("RegisterExitOrder: %v", err)
	}

	report := filledReport("ord-1", "MES", "21515.75")
	if !tr.ProcessReport(report) {
		t.Fatal("first report did not match")
	}
	// Broker redelivers the same report.
	if tr.ProcessReport(report) {
		t.Error("duplicate report matched a second time")
	}

	fills, _, _ := l.counts()
	if fills != 1 {
		t.Errorf("fills = %d, want 1", fills)
	}

	g, ok := tr.Group("pos-1")
	if !ok {
		t.Fatal("group missing")
	}
	if g.Filled != 1 || g.Remaining != 1 || g.Cancelled != 0 {
		t.Errorf("group counters = %d/%d/%d, want 1 filled, 1 remaining", g.Filled, g.Cancelled, g.Remaining)
	}
}

func TestTracker_CancelMarksRetrying(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.BeginExit("pos-1", 1, types.DirectionShort, dec("21516"), 5)
	if err := tr.RegisterExitOrder("pos-1", "ord-1", 1, types.DirectionShort, 1, dec("21515.75"), "MES"); err != nil {
		t.Fatalf("RegisterExitOrder: %v", err)
	}

	cancel := types.OrderReport{
		OrderID:   "ord-1",
		Status:    types.OrderStatusCancelled,
		Product:   "MES",
		Direction: types.DirectionShort,
		Timestamp: time.Now(),
	}
	if !tr.ProcessReport(cancel) {
		t.Fatal("cancel report did not match")
	}

	_, cancels, completes := l.counts()
	if cancels != 1 {
		t.Errorf("cancel callbacks = %d, want 1", cancels)
	}
	if completes != 0 {
		t.Error("group completed while a chase decision is pending")
	}

	g, _ := tr.Group("pos-1")
	if !g.IsRetrying {
		t.Error("group not marked retrying after cancel")
	}
	if g.Remaining != 1 {
		t.Errorf("remaining = %d, want 1 (lot stays open mid-retry)", g.Remaining)
	}

	// Chase resubmission clears the retrying mark.
	if err := tr.RegisterExitOrder("pos-1", "ord-2", 1, types.DirectionShort, 1, dec("21515.50"), "MES"); err != nil {
		t.Fatalf("chase RegisterExitOrder: %v", err)
	}
	g, _ = tr.Group("pos-1")
	if g.IsRetrying {
		t.Error("retrying mark not cleared by resubmission")
	}
}

func TestTracker_RetryBudget(t *testing.T) {
	tr := newTestTracker(&recordingListener{})
	tr.BeginExit("pos-1", 1, types.DirectionShort, dec("21516"), 5)

	for want := 1; want <= 5; want++ {
		n, err := tr.IncrementRetry("pos-1", 1)
		if err != nil {
			t.Fatalf("retry %d: %v", want, err)
		}
		if n != want {
			t.Errorf("retry count = %d, want %d", n, want)
		}
	}

	// Sixth attempt is refused.
	if _, err := tr.IncrementRetry("pos-1", 1); !errors.Is(err, types.ErrMaxRetriesExceeded) {
		t.Errorf("err = %v, want ErrMaxRetriesExceeded", err)
	}
	if n := tr.LotRetries("pos-1", 1); n != 5 {
		t.Errorf("retry count after refusal = %d, want 5", n)
	}
}

func TestTracker_RetryCountersIndependent(t *testing.T) {
	tr := newTestTracker(&recordingListener{})

	tr.BeginExit("pos-1", 2, types.DirectionShort, dec("21516"), 5)
	tr.BeginExit("pos-2", 1, types.DirectionShort, dec("21516"), 5)

	if _, err := tr.IncrementRetry("pos-1", 1); err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}
	if _, err := tr.IncrementRetry("pos-1", 1); err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}
	if _, err := tr.IncrementRetry("pos-1", 2); err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}

	if n := tr.LotRetries("pos-1", 1); n != 2 {
		t.Errorf("pos-1 lot 1 retries = %d, want 2", n)
	}
	if n := tr.LotRetries("pos-1", 2); n != 1 {
		t.Errorf("pos-1 lot 2 retries = %d, want 1", n)
	}
	if n := tr.LotRetries("pos-2", 1); n != 0 {
		t.Errorf("pos-2 retries = %d, want 0 (never shared)", n)
	}

	// A sibling fill does not reset counters.
	if err := tr.RegisterExitOrder("pos-1", "ord-lot2", 2, types.DirectionShort, 1, dec("21515.75"), "MES"); err != nil {
		t.Fatalf("RegisterExitOrder: %v", err)
	}
	tr.ProcessReport(filledReport("ord-lot2", "MES", "21515.75"))
	if n := tr.LotRetries("pos-1", 1); n != 2 {
		t.Errorf("sibling fill reset lot 1 retries to %d", n)
	}
}

func TestTracker_MarkLotFailedCompletesGroup(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.BeginExit("pos-1", 2, types.DirectionShort, dec("21516"), 5)
	if err := tr.RegisterExitOrder("pos-1", "ord-1", 1, types.DirectionShort, 1, dec("21515.75"), "MES"); err != nil {
		t.Fatalf("RegisterExitOrder: %v", err)
	}
	tr.ProcessReport(filledReport("ord-1", "MES", "21515.75"))

	if err := tr.MarkLotFailed("pos-1", 2); err != nil {
		t.Fatalf("MarkLotFailed: %v", err)
	}

	_, _, completes := l.counts()
	if completes != 1 {
		t.Fatalf("completes = %d, want 1", completes)
	}
	l.mu.Lock()
	done := l.completes[0]
	l.mu.Unlock()
	if done.filled != 1 || done.cancelled != 1 {
		t.Errorf("complete event = %d filled / %d cancelled, want 1/1", done.filled, done.cancelled)
	}
	if _, ok := tr.Group("pos-1"); ok {
		t.Error("group not destroyed after last lot failed")
	}
}

func TestTracker_CounterInvariant(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.BeginExit("pos-1", 3, types.DirectionShort, dec("21516"), 5)
	for i := 1; i <= 3; i++ {
		if err := tr.RegisterExitOrder("pos-1", fmt.Sprintf("ord-%d", i), i, types.DirectionShort, 1, dec("21515.75"), "MES"); err != nil {
			t.Fatalf("RegisterExitOrder %d: %v", i, err)
		}
	}

	tr.ProcessReport(filledReport("ord-1", "MES", "21515.75"))
	tr.ProcessReport(types.OrderReport{OrderID: "ord-2", Status: types.OrderStatusCancelled, Product: "MES", Direction: types.DirectionShort})

	g, _ := tr.Group("pos-1")
	if g.Filled+g.Cancelled+g.Remaining != g.Total {
		t.Errorf("invariant broken: %d + %d + %d != %d", g.Filled, g.Cancelled, g.Remaining, g.Total)
	}

	tr.MarkLotFailed("pos-1", 2)
	tr.ProcessReport(filledReport("ord-3", "MES", "21515.75"))

	_, _, completes := l.counts()
	if completes != 1 {
		t.Errorf("completes = %d, want 1", completes)
	}
}

func TestTracker_RegisterWithoutGroup(t *testing.T) {
	tr := newTestTracker(&recordingListener{})

	err := tr.RegisterExitOrder("nope", "ord-1", 1, types.DirectionShort, 1, dec("21515.75"), "MES")
	if !errors.Is(err, types.ErrStateNotFound) {
		t.Errorf("err = %v, want ErrStateNotFound", err)
	}
}

func TestTracker_BeginExitIdempotent(t *testing.T) {
	tr := newTestTracker(&recordingListener{})

	tr.BeginExit("pos-1", 2, types.DirectionShort, dec("21516"), 5)
	if _, err := tr.IncrementRetry("pos-1", 1); err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}

	// Second BeginExit must not reset progress.
	g := tr.BeginExit("pos-1", 2, types.DirectionShort, dec("21516"), 5)
	if g.LotRetries[1] != 1 {
		t.Errorf("second BeginExit reset retries to %d", g.LotRetries[1])
	}
}

func TestTracker_NewAckIsNotTerminal(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	tr.BeginExit("pos-1", 1, types.DirectionShort, dec("21516"), 5)
	if err := tr.RegisterExitOrder("pos-1", "ord-1", 1, types.DirectionShort, 1, dec("21515.75"), "MES"); err != nil {
		t.Fatalf("RegisterExitOrder: %v", err)
	}

	ack := types.OrderReport{OrderID: "ord-1", Status: types.OrderStatusNew, Product: "MES"}
	if !tr.ProcessReport(ack) {
		t.Error("NEW ack for a known order should match")
	}
	if tr.OpenOrders() != 1 {
		t.Error("NEW ack must not consume the order")
	}

	fills, cancels, _ := l.counts()
	if fills != 0 || cancels != 0 {
		t.Error("NEW ack triggered a terminal callback")
	}
}

func TestTracker_Concurrent_ReportsConsumeExactlyOnce(t *testing.T) {
	l := &recordingListener{}
	tr := newTestTracker(l)

	numOrders := 100
	for i := 0; i < numOrders; i++ {
		pos := fmt.Sprintf("pos-%d", i)
		tr.BeginExit(pos, 1, types.DirectionShort, dec("21516"), 5)
		if err := tr.RegisterExitOrder(pos, fmt.Sprintf("ord-%d", i), 1, types.DirectionShort, 1, dec("21515.75"), "MES"); err != nil {
			t.Fatalf("RegisterExitOrder %d: %v", i, err)
		}
	}

	// Each report is delivered twice from different goroutines.
	var wg sync.WaitGroup
	var mu sync.Mutex
	matched := 0
	for i := 0; i < numOrders; i++ {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if tr.ProcessReport(filledReport(fmt.Sprintf("ord-%d", i), "MES", "21515.75")) {
					mu.Lock()
					matched++
					mu.Unlock()
				}
			}(i)
		}
	}
	wg.Wait()

	if matched != numOrders {
		t.Errorf("matched = %d, want %d (each order exactly once)", matched, numOrders)
	}
	fills, _, completes := l.counts()
	if fills != numOrders || completes != numOrders {
		t.Errorf("fills = %d, completes = %d, want %d each", fills, completes, numOrders)
	}
	if tr.OpenOrders() != 0 {
		t.Errorf("open orders = %d, want 0", tr.OpenOrders())
	}
}

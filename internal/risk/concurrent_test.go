package risk

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/multilot-bot/internal/types"
)

// TestManager_Concurrent_SingleIntentPerPosition verifies that concurrent
// ticks crossing the stop produce exactly one exit intent for a position.
func TestManager_Concurrent_SingleIntentPerPosition(t *testing.T) {
	m := NewManager(&sinkRecorder{}, nil)

	g := testGroup(types.DirectionLong)
	p := testLot(g, 1)
	registerFilled(t, m, g, p, "21500")

	// Arm trailing first: peak 21520, stop 21516.
	m.OnPriceUpdate(tickAt("21520"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var total int

	numGoroutines := 50
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			intents := m.OnPriceUpdate(tickAt("21515"))
			mu.Lock()
			total += len(intents)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Errorf("concurrent crossing ticks emitted %d intents, want exactly 1", total)
	}
}

// TestManager_Concurrent_SiblingsTriggerIndependently verifies that three
// sibling lots hit by the same tick each produce their own intent.
func TestManager_Concurrent_SiblingsTriggerIndependently(t *testing.T) {
	m := NewManager(&sinkRecorder{}, nil)

	g := testGroup(types.DirectionLong)
	m.OnNewGroup(g)
	for i := 1; i <= 3; i++ {
		p := testLot(g, i)
		m.OnNewPosition(p)
		if err := m.OnFillConfirmed(p.ID, dec("21500"), time.Now()); err != nil {
			t.Fatalf("OnFillConfirmed lot %d: %v", i, err)
		}
	}

	intents := m.OnPriceUpdate(tickAt("21479"))
	if len(intents) != 3 {
		t.Fatalf("expected 3 intents, got %d", len(intents))
	}

	seen := make(map[string]bool)
	for _, in := range intents {
		if seen[in.PositionID] {
			t.Errorf("duplicate intent for position %s", in.PositionID)
		}
		seen[in.PositionID] = true
		if in.Reason != types.ExitReasonInitialStop {
			t.Errorf("reason = %s, want initial-stop", in.Reason)
		}
	}

	// A duplicate trigger for any sibling is silent.
	if again := m.OnPriceUpdate(tickAt("21478")); len(again) != 0 {
		t.Errorf("duplicate trigger emitted %d intents", len(again))
	}
}

// TestManager_Concurrent_TickFlood pushes a high tick rate against one
// position and checks that peak/stop state stays consistent.
func TestManager_Concurrent_TickFlood(t *testing.T) {
	m := NewManager(&sinkRecorder{}, nil)

	g := testGroup(types.DirectionLong)
	p := testLot(g, 1)
	registerFilled(t, m, g, p, "21500")

	var wg sync.WaitGroup
	numGoroutines := 8
	ticksPerGoroutine := 250

	// Prices stay above the worst-case trailing stop so no exit fires.
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < ticksPerGoroutine; j++ {
				price := decimal.NewFromInt(int64(21520 + (id+j)%5))
				tick := types.Tick{
					Product:   "MES",
					Timestamp: time.Now(),
					Last:      price,
					Bid1:      price.Sub(dec("0.25")),
					Ask1:      price.Add(dec("0.25")),
				}
				if intents := m.OnPriceUpdate(tick); len(intents) != 0 {
					t.Errorf("unexpected exit intent at %s", price)
				}
			}
		}(i)
	}
	wg.Wait()

	got, _ := m.GetPosition(p.ID)
	if !got.PeakPrice.Equal(dec("21524")) {
		t.Errorf("peak = %s, want 21524", got.PeakPrice)
	}
	st, _ := m.GetRiskState(p.ID)
	want := trailingStop(types.DirectionLong, dec("21500"), dec("21524"), dec("0.20"))
	if !st.CurrentStopLoss.Equal(want) {
		t.Errorf("stop = %s, want %s", st.CurrentStopLoss, want)
	}
}

// TestManager_Concurrent_ReadersDuringTicks runs readers against a
// continuous tick stream and checks snapshot consistency.
func TestManager_Concurrent_ReadersDuringTicks(t *testing.T) {
	m := NewManager(&sinkRecorder{}, nil)

	g := testGroup(types.DirectionLong)
	p := testLot(g, 1)
	registerFilled(t, m, g, p, "21500")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var wg sync.WaitGroup

	// Writer goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			default:
				price := decimal.NewFromInt(int64(21518 + i%10))
				tick := types.Tick{Product: "MES", Timestamp: time.Now(), Last: price}
				m.OnPriceUpdate(tick)
			}
		}
	}()

	// Reader goroutines
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
					pos, ok := m.GetPosition(p.ID)
					if !ok {
						t.Error("position disappeared during ticks")
						return
					}
					if pos.TrailingActivated && pos.PeakPrice.LessThan(dec("21518")) {
						t.Errorf("armed peak below first tick: %s", pos.PeakPrice)
						return
					}
					_ = m.ActivePositions()
				}
			}
		}()
	}

	wg.Wait()
}

// TestManager_Concurrent_CloseVsTicks races terminal close reports against
// the tick path for many positions.
func TestManager_Concurrent_CloseVsTicks(t *testing.T) {
	m := NewManager(&sinkRecorder{}, nil)

	g := testGroup(types.DirectionLong)
	m.OnNewGroup(g)

	numLots := 3
	ids := make([]string, 0, numLots)
	for i := 1; i <= numLots; i++ {
		p := testLot(g, i)
		p.ID = fmt.Sprintf("race-pos-%d", i)
		p.ActivationPoints = dec("1000") // never arms
		m.OnNewPosition(p)
		if err := m.OnFillConfirmed(p.ID, dec("21500"), time.Now()); err != nil {
			t.Fatalf("OnFillConfirmed: %v", err)
		}
		ids = append(ids, p.ID)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			m.OnPriceUpdate(tickAt("21510"))
		}
	}()

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.OnPositionClosed(id, dec("21505"), types.ExitReasonManual, time.Now()); err != nil {
				t.Errorf("close %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if n := len(m.ActivePositions()); n != 0 {
		t.Errorf("active positions after closes = %d, want 0", n)
	}
	for _, id := range ids {
		pos, _ := m.GetPosition(id)
		if pos.Status != types.PositionStatusExited {
			t.Errorf("%s status = %s, want EXITED", id, pos.Status)
		}
	}
}

// TestPeakTracker_Concurrent_Updates tests peak tracker thread safety.
func TestPeakTracker_Concurrent_Updates(t *testing.T) {
	tracker := NewPeakTracker(types.DirectionLong, decimal.NewFromInt(21500))

	var wg sync.WaitGroup
	numGoroutines := 100
	updatesPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < updatesPerGoroutine; j++ {
				price := decimal.NewFromInt(int64(21500 + id + j))
				tracker.Update(price)
				_ = tracker.Peak()
			}
		}(i)
	}
	wg.Wait()

	// Max input is 21500 + 99 + 99.
	want := decimal.NewFromInt(21698)
	if !tracker.Peak().Equal(want) {
		t.Errorf("final peak = %s, want %s", tracker.Peak(), want)
	}
}

package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/multilot-bot/internal/types"
)

// blockingStore is a Store double whose writes can be paused, failed, or
// recorded for ordering assertions.
type blockingStore struct {
	mu        sync.Mutex
	positions map[string]*types.Position
	risks     map[string]*types.RiskState
	groups    map[string]*types.StrategyGroup

	saveOrder []string
	failures  int // fail this many writes before succeeding
	gate      chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		positions: make(map[string]*types.Position),
		risks:     make(map[string]*types.RiskState),
		groups:    make(map[string]*types.StrategyGroup),
	}
}

func (s *blockingStore) wait() {
	if s.gate != nil {
		<-s.gate
	}
}

func (s *blockingStore) maybeFail() error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk unavailable")
	}
	return nil
}

func (s *blockingStore) SaveGroup(_ context.Context, g *types.StrategyGroup) error {
	s.wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return err
	}
	cp := *g
	s.groups[g.Key()] = &cp
	s.saveOrder = append(s.saveOrder, "group:"+g.Key())
	return nil
}

func (s *blockingStore) SavePosition(_ context.Context, p *types.Position) error {
	s.wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return err
	}
	s.positions[p.ID] = p.Clone()
	s.saveOrder = append(s.saveOrder, "position:"+p.ID)
	return nil
}

func (s *blockingStore) SaveRiskState(_ context.Context, st *types.RiskState) error {
	s.wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return err
	}
	cp := *st
	s.risks[st.PositionID] = &cp
	s.saveOrder = append(s.saveOrder, "risk:"+st.PositionID)
	return nil
}

func (s *blockingStore) GetGroup(_ context.Context, date string, no int) (*types.StrategyGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := (&types.StrategyGroup{TradeDate: date, GroupNo: no}).Key()
	g, ok := s.groups[key]
	if !ok {
		return nil, types.ErrStateNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *blockingStore) GetOpenGroups(context.Context) ([]*types.StrategyGroup, error) {
	return nil, nil
}

func (s *blockingStore) GetPosition(_ context.Context, id string) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, types.ErrStateNotFound
	}
	return p.Clone(), nil
}

func (s *blockingStore) GetOpenPositions(context.Context) ([]*types.Position, error) {
	return nil, nil
}

func (s *blockingStore) GetPositionsByGroup(context.Context, string) ([]*types.Position, error) {
	return nil, nil
}

func (s *blockingStore) GetRiskState(_ context.Context, id string) (*types.RiskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.risks[id]
	if !ok {
		return nil, types.ErrStateNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *blockingStore) savedRiskState(id string) *types.RiskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.risks[id]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

func (s *blockingStore) Migrate(context.Context) error { return nil }
func (s *blockingStore) Close() error                  { return nil }

func riskState(id string, peak int64) *types.RiskState {
	return &types.RiskState{
		PositionID:      id,
		PeakPrice:       decimal.NewFromInt(peak),
		CurrentStopLoss: decimal.NewFromInt(peak - 4),
		LastUpdate:      time.Now(),
		Category:        types.UpdateCategoryPriceUpdate,
	}
}

func TestWriter_ReadYourWrites(t *testing.T) {
	store := newBlockingStore()
	store.gate = make(chan struct{}) // hold all durable writes

	w := NewWriter(DefaultWriterConfig(), store, nil)
	w.Start()
	defer func() {
		close(store.gate)
		_ = w.Stop(context.Background())
	}()

	st := riskState("pos-1", 21520)
	w.ScheduleRiskState(st)

	// The durable write is still blocked, but the mirror must already
	// reflect the scheduled value.
	got, err := w.GetCachedRiskState(context.Background(), "pos-1")
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if !got.PeakPrice.Equal(st.PeakPrice) {
		t.Errorf("mirror peak = %s, want %s", got.PeakPrice, st.PeakPrice)
	}
}

func TestWriter_CoalescesSameKey(t *testing.T) {
	store := newBlockingStore()

	w := NewWriter(DefaultWriterConfig(), store, nil)

	// Schedule many updates for the same position before the worker
	// starts draining: they must collapse into a single pending task.
	const updates = 100
	for i := 1; i <= updates; i++ {
		w.ScheduleRiskState(riskState("pos-1", 21500+int64(i)))
	}

	stats := w.Stats()
	if stats.Depth != 1 {
		t.Errorf("queue depth = %d, same-key updates should coalesce to 1", stats.Depth)
	}
	if stats.Coalesced != updates-1 {
		t.Errorf("coalesced = %d, want %d", stats.Coalesced, updates-1)
	}

	w.Start()
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// The final durable value equals the state from the last call.
	got := store.savedRiskState("pos-1")
	if got == nil {
		t.Fatal("risk state never written")
	}
	want := decimal.NewFromInt(21500 + updates)
	if !got.PeakPrice.Equal(want) {
		t.Errorf("durable peak = %s, want %s", got.PeakPrice, want)
	}
}

func TestWriter_DistinctKeysKeepFIFOOrder(t *testing.T) {
	store := newBlockingStore()

	w := NewWriter(DefaultWriterConfig(), store, nil)

	w.ScheduleRiskState(riskState("pos-1", 100))
	w.ScheduleRiskState(riskState("pos-2", 200))
	w.ScheduleRiskState(riskState("pos-1", 101)) // coalesces into slot 0
	w.ScheduleRiskState(riskState("pos-3", 300))

	w.Start()
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	store.mu.Lock()
	order := append([]string(nil), store.saveOrder...)
	store.mu.Unlock()

	want := []string{"risk:pos-1", "risk:pos-2", "risk:pos-3"}
	if len(order) != len(want) {
		t.Fatalf("writes = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("write[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestWriter_RetriesThenSucceeds(t *testing.T) {
	store := newBlockingStore()
	store.failures = 2

	cfg := DefaultWriterConfig()
	cfg.WriteRetries = 3
	cfg.RetryBackoff = time.Millisecond

	w := NewWriter(cfg, store, nil)
	w.Start()

	w.ScheduleRiskState(riskState("pos-1", 21520))

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	stats := w.Stats()
	if stats.Written != 1 {
		t.Errorf("written = %d, want 1", stats.Written)
	}
	if stats.Retried != 2 {
		t.Errorf("retried = %d, want 2", stats.Retried)
	}
	if stats.Failed != 0 {
		t.Errorf("failed = %d, want 0", stats.Failed)
	}
	if store.savedRiskState("pos-1") == nil {
		t.Error("state should eventually be durable")
	}
}

func TestWriter_ExhaustedRetriesCountedNotFatal(t *testing.T) {
	store := newBlockingStore()
	store.failures = 100

	cfg := DefaultWriterConfig()
	cfg.WriteRetries = 2
	cfg.RetryBackoff = time.Millisecond

	w := NewWriter(cfg, store, nil)
	w.Start()

	w.ScheduleRiskState(riskState("pos-1", 21520))

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	stats := w.Stats()
	if stats.Failed != 1 {
		t.Errorf("failed = %d, want 1", stats.Failed)
	}

	// The mirror still serves the latest logical value.
	got, err := w.GetCachedRiskState(context.Background(), "pos-1")
	if err != nil {
		t.Fatalf("cached read after failure: %v", err)
	}
	if !got.PeakPrice.Equal(decimal.NewFromInt(21520)) {
		t.Error("mirror should retain the scheduled value")
	}
}

func TestWriter_MirrorFallsThroughToStore(t *testing.T) {
	store := newBlockingStore()
	p := &types.Position{
		ID:                   "pos-db",
		Status:               types.PositionStatusActive,
		Direction:            types.DirectionShort,
		MaxSlippagePoints:    decimal.NewFromInt(10),
		ActivationPoints:     decimal.NewFromInt(15),
		PullbackRatio:        decimal.RequireFromString("0.2"),
		ProtectiveMultiplier: decimal.RequireFromString("0.5"),
	}
	store.positions["pos-db"] = p

	w := NewWriter(DefaultWriterConfig(), store, nil)

	got, err := w.GetCachedPosition(context.Background(), "pos-db")
	if err != nil {
		t.Fatalf("fallthrough read: %v", err)
	}
	if got.Direction != types.DirectionShort {
		t.Errorf("direction = %v", got.Direction)
	}

	_, err = w.GetCachedPosition(context.Background(), "missing")
	if !errors.Is(err, types.ErrStateNotFound) {
		t.Errorf("err = %v, want ErrStateNotFound", err)
	}
}

// TestWriter_Concurrent_ScheduleFromManyGoroutines simulates high tick
// rates updating the same position's risk state.
func TestWriter_Concurrent_ScheduleFromManyGoroutines(t *testing.T) {
	store := newBlockingStore()

	w := NewWriter(DefaultWriterConfig(), store, nil)
	w.Start()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				w.ScheduleRiskState(riskState("pos-hot", 21000+base+i))
			}
		}(int64(g * 1000))
	}
	wg.Wait()

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Queue never unbounded-grows: at most one pending entry per key.
	stats := w.Stats()
	if stats.Scheduled != 1000 {
		t.Errorf("scheduled = %d, want 1000", stats.Scheduled)
	}

	// The durable value matches the mirror's final value.
	cached, err := w.GetCachedRiskState(context.Background(), "pos-hot")
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	durable := store.savedRiskState("pos-hot")
	if durable == nil {
		t.Fatal("nothing written")
	}
	if !durable.PeakPrice.Equal(cached.PeakPrice) {
		t.Errorf("durable peak %s != mirror peak %s", durable.PeakPrice, cached.PeakPrice)
	}
}

func TestWriter_DropsUpdatesAfterStop(t *testing.T) {
	store := newBlockingStore()

	w := NewWriter(DefaultWriterConfig(), store, nil)
	w.Start()
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	w.ScheduleRiskState(riskState("pos-late", 21510))

	stats := w.Stats()
	if stats.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.Dropped)
	}
	if stats.Scheduled != 0 {
		t.Errorf("scheduled = %d, want 0", stats.Scheduled)
	}
	if store.savedRiskState("pos-late") != nil {
		t.Error("late update reached the store")
	}
}

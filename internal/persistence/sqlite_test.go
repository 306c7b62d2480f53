package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/multilot-bot/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func testGroup() *types.StrategyGroup {
	return &types.StrategyGroup{
		TradeDate:  "2025-06-02",
		GroupNo:    1,
		Product:    "MES",
		Direction:  types.DirectionLong,
		SignalTime: time.Date(2025, 6, 2, 9, 45, 0, 0, time.UTC),
		RangeHigh:  decimal.NewFromInt(21530),
		RangeLow:   decimal.NewFromInt(21470),
		TotalLots:  3,
		Status:     types.GroupStatusActive,
	}
}

func testPosition(id string, lot int) *types.Position {
	return &types.Position{
		ID:                   id,
		GroupKey:             "2025-06-02#1",
		Product:              "MES",
		LotIndex:             lot,
		Direction:            types.DirectionLong,
		EntryPrice:           decimal.NewFromInt(21500),
		EntryTime:            time.Date(2025, 6, 2, 9, 46, 0, 0, time.UTC),
		Status:               types.PositionStatusActive,
		OrderID:              "ord-" + id,
		OrderStatus:          types.OrderStatusFilled,
		MaxSlippagePoints:    decimal.NewFromInt(10),
		ActivationPoints:     decimal.NewFromInt(15),
		PullbackRatio:        decimal.RequireFromString("0.20"),
		ProtectiveMultiplier: decimal.RequireFromString("0.5"),
		CreatedAt:            time.Now(),
	}
}

func TestSQLiteStore_GroupRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	g := testGroup()
	if err := store.SaveGroup(ctx, g); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetGroup(ctx, "2025-06-02", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Direction != types.DirectionLong {
		t.Errorf("direction = %v", got.Direction)
	}
	if !got.RangeHigh.Equal(g.RangeHigh) {
		t.Errorf("range high = %s, want %s", got.RangeHigh, g.RangeHigh)
	}
	if got.TotalLots != 3 {
		t.Errorf("total lots = %d", got.TotalLots)
	}
}

func TestSQLiteStore_GroupUpsertOnStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	g := testGroup()
	if err := store.SaveGroup(ctx, g); err != nil {
		t.Fatalf("save: %v", err)
	}

	g.Status = types.GroupStatusCompleted
	if err := store.SaveGroup(ctx, g); err != nil {
		t.Fatalf("second save should upsert: %v", err)
	}

	got, err := store.GetGroup(ctx, "2025-06-02", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.GroupStatusCompleted {
		t.Errorf("status = %v, want COMPLETED", got.Status)
	}
}

func TestSQLiteStore_GroupNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetGroup(context.Background(), "2025-01-01", 99)
	if !errors.Is(err, types.ErrStateNotFound) {
		t.Errorf("err = %v, want ErrStateNotFound", err)
	}
}

func TestSQLiteStore_PositionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := testPosition("pos-1", 1)
	p.TrailingActivated = true
	p.PeakPrice = decimal.NewFromInt(21520)

	if err := store.SavePosition(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.EntryPrice.Equal(p.EntryPrice) {
		t.Errorf("entry = %s", got.EntryPrice)
	}
	if !got.TrailingActivated {
		t.Error("trailing flag lost")
	}
	if !got.PeakPrice.Equal(p.PeakPrice) {
		t.Errorf("peak = %s", got.PeakPrice)
	}
	if got.Status != types.PositionStatusActive {
		t.Errorf("status = %v", got.Status)
	}
}

func TestSQLiteStore_PositionExitFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := testPosition("pos-1", 1)
	p.Status = types.PositionStatusExited
	p.ExitPrice = decimal.NewFromInt(21516)
	p.ExitTime = time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC)
	p.ExitReason = types.ExitReasonTrailingStop
	p.RealizedPnL = decimal.NewFromInt(16)

	if err := store.SavePosition(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExitReason != types.ExitReasonTrailingStop {
		t.Errorf("exit reason = %q", got.ExitReason)
	}
	if !got.RealizedPnL.Equal(decimal.NewFromInt(16)) {
		t.Errorf("pnl = %s", got.RealizedPnL)
	}
}

func TestSQLiteStore_PositionNullableEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := testPosition("pos-pending", 1)
	p.EntryPrice = decimal.Decimal{}
	p.EntryTime = time.Time{}
	p.Status = types.PositionStatusPending
	p.OrderStatus = types.OrderStatusPending

	if err := store.SavePosition(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetPosition(ctx, "pos-pending")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.HasEntry() {
		t.Error("pending position should have no entry")
	}
}

func TestSQLiteStore_GetOpenPositions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	active := testPosition("pos-active", 1)
	exited := testPosition("pos-exited", 2)
	exited.Status = types.PositionStatusExited
	exited.ExitPrice = decimal.NewFromInt(21510)
	exited.ExitTime = time.Now()
	exited.ExitReason = types.ExitReasonManual
	failed := testPosition("pos-failed", 3)
	failed.Status = types.PositionStatusFailed

	for _, p := range []*types.Position{active, exited, failed} {
		if err := store.SavePosition(ctx, p); err != nil {
			t.Fatalf("save %s: %v", p.ID, err)
		}
	}

	open, err := store.GetOpenPositions(ctx)
	if err != nil {
		t.Fatalf("get open: %v", err)
	}
	if len(open) != 1 || open[0].ID != "pos-active" {
		t.Errorf("open = %+v, want only pos-active", open)
	}
}

func TestSQLiteStore_RetryCountConstraint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := testPosition("pos-1", 1)
	p.RetryCount = 6 // above the schema bound

	if err := store.SavePosition(ctx, p); err == nil {
		t.Error("retry_count above 5 should violate the CHECK constraint")
	}
}

func TestSQLiteStore_RiskStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := &types.RiskState{
		PositionID:        "pos-1",
		PeakPrice:         decimal.NewFromInt(21520),
		CurrentStopLoss:   decimal.NewFromInt(21516),
		PreviousStopLoss:  decimal.NewFromInt(21470),
		TrailingActivated: true,
		LastUpdate:        time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		Category:          types.UpdateCategoryTrailingArmed,
		Message:           "trailing armed at 21515",
	}

	if err := store.SaveRiskState(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetRiskState(ctx, "pos-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CurrentStopLoss.Equal(st.CurrentStopLoss) {
		t.Errorf("stop = %s", got.CurrentStopLoss)
	}
	if !got.PreviousStopLoss.Equal(st.PreviousStopLoss) {
		t.Errorf("previous stop = %s", got.PreviousStopLoss)
	}
	if got.Category != types.UpdateCategoryTrailingArmed {
		t.Errorf("category = %q", got.Category)
	}
}

func TestSQLiteStore_RiskStateCategoryConstraint(t *testing.T) {
	store := newTestStore(t)

	st := &types.RiskState{
		PositionID:      "pos-1",
		PeakPrice:       decimal.NewFromInt(21520),
		CurrentStopLoss: decimal.NewFromInt(21516),
		LastUpdate:      time.Now(),
		Category:        types.UpdateCategory("bogus"),
	}

	if err := store.SaveRiskState(context.Background(), st); err == nil {
		t.Error("unknown update category should violate the CHECK constraint")
	}
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	store := newTestStore(t)

	// Constructor already migrated; running again must be a no-op.
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

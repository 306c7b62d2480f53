package risk

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/multilot-bot/internal/metrics"
	"github.com/tathienbao/multilot-bot/internal/types"
)

// StateSink receives state mutations for asynchronous persistence.
// *persistence.Writer satisfies it.
type StateSink interface {
	ScheduleGroup(g *types.StrategyGroup)
	SchedulePosition(p *types.Position)
	ScheduleRiskState(st *types.RiskState)
}

// Manager owns the in-memory position/risk cache and evaluates stop
// conditions on every tick. The tick path is cache-only and never blocks
// on I/O; all durable writes go through the StateSink.
// Thread-safe for concurrent access.
type Manager struct {
	mu     sync.RWMutex
	lots   map[string]*lotState   // position id -> state
	groups map[string]*groupState // group key -> membership
	active int                    // non-terminal lot count

	// exiting mirrors the global exit lock: a position with a pending
	// intent is skipped before the lock manager is ever consulted.
	exitMu  sync.Mutex
	exiting map[string]struct{}

	sink   StateSink
	rec    *metrics.Recorder
	logger *slog.Logger
}

type groupState struct {
	group    *types.StrategyGroup
	lots     []string
	realized decimal.Decimal // cumulative realized profit in points, winners only
}

// lotState serializes all mutation of one lot. Cross-lot operations never
// need a global lock.
type lotState struct {
	mu   sync.Mutex
	pos  *types.Position
	risk *types.RiskState
	peak *PeakTracker
}

// stopRegime returns the trigger source and exit reason for the currently
// governing stop. Trailing supersedes protective supersedes initial.
func (ls *lotState) stopRegime() (types.TriggerSource, types.ExitReason) {
	switch {
	case ls.risk.TrailingActivated:
		return types.TriggerTrailingStop, types.ExitReasonTrailingStop
	case ls.risk.ProtectionActivated:
		return types.TriggerProtectiveStop, types.ExitReasonProtectiveStop
	default:
		return types.TriggerInitialStop, types.ExitReasonInitialStop
	}
}

// NewManager creates a risk manager.
func NewManager(sink StateSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		lots:    make(map[string]*lotState),
		groups:  make(map[string]*groupState),
		exiting: make(map[string]struct{}),
		sink:    sink,
		rec:     metrics.NewRecorder(),
		logger:  logger,
	}
}

// OnNewGroup registers a strategy group. The opening range is the source
// of the initial stop for every lot in the group.
func (m *Manager) OnNewGroup(g *types.StrategyGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := g.Key()
	if _, ok := m.groups[key]; ok {
		return
	}

	cp := *g
	m.groups[key] = &groupState{group: &cp}

	sg := cp
	m.sink.ScheduleGroup(&sg)

	m.logger.Info("strategy group registered",
		"group", key,
		"product", g.Product,
		"direction", g.Direction.String(),
		"range_high", g.RangeHigh,
		"range_low", g.RangeLow,
		"total_lots", g.TotalLots,
	)
}

// OnNewPosition registers a lot. If the entry is already confirmed (startup
// recovery) the risk state is initialized immediately; otherwise it is
// created on OnFillConfirmed.
func (m *Manager) OnNewPosition(p *types.Position) {
	m.mu.Lock()

	if _, ok := m.lots[p.ID]; ok {
		m.mu.Unlock()
		return
	}

	ls := &lotState{pos: p.Clone()}
	if ls.pos.HasEntry() {
		m.initRiskStateLocked(ls, types.UpdateCategoryInitialization, ls.pos.EntryTime)
	}
	m.lots[p.ID] = ls

	if gs, ok := m.groups[p.GroupKey]; ok {
		gs.lots = append(gs.lots, p.ID)
	}

	if !ls.pos.Status.IsTerminal() {
		m.active++
	}
	open := m.active
	m.mu.Unlock()

	m.rec.RecordPositionsOpen(open)
	m.logger.Info("position registered",
		"position_id", p.ID,
		"group", p.GroupKey,
		"lot", p.LotIndex,
		"direction", p.Direction.String(),
		"status", p.Status.String(),
	)
}

// OnFillConfirmed records the entry fill for a lot and arms its initial
// stop. The entry price is immutable once set; duplicate reports are
// ignored.
func (m *Manager) OnFillConfirmed(positionID string, fillPrice decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	ls, ok := m.lots[positionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("confirm fill %s: %w", positionID, types.ErrStateNotFound)
	}

	ls.mu.Lock()
	p := ls.pos
	if p.HasEntry() {
		ls.mu.Unlock()
		m.mu.Unlock()
		return nil
	}

	p.EntryPrice = fillPrice
	p.EntryTime = at
	p.OrderStatus = types.OrderStatusFilled
	if p.Status.CanTransitionTo(types.PositionStatusActive) {
		p.Status = types.PositionStatusActive
	}
	p.UpdatedAt = at

	m.initRiskStateLocked(ls, types.UpdateCategoryFillConfirmed, at)
	open := m.active

	posCopy := p.Clone()
	riskCopy := ls.risk.Clone()
	ls.mu.Unlock()
	m.mu.Unlock()

	m.sink.SchedulePosition(posCopy)
	m.sink.ScheduleRiskState(riskCopy)
	m.rec.RecordPositionsOpen(open)
	m.activateGroup(posCopy.GroupKey)

	m.logger.Info("entry fill confirmed",
		"position_id", positionID,
		"entry", fillPrice,
		"initial_stop", riskCopy.CurrentStopLoss,
	)
	return nil
}

// initRiskStateLocked builds the peak tracker and initial-stop risk state.
// Caller holds m.mu; ls must not yet be reachable by other goroutines or
// its mutex must be held.
func (m *Manager) initRiskStateLocked(ls *lotState, cat types.UpdateCategory, at time.Time) {
	p := ls.pos

	var stop decimal.Decimal
	if gs, ok := m.groups[p.GroupKey]; ok {
		stop = initialStop(p.Direction, gs.group.RangeHigh, gs.group.RangeLow)
	} else {
		m.logger.Warn("no group for position, initial stop unset",
			"position_id", p.ID,
			"group", p.GroupKey,
		)
	}

	ls.peak = NewPeakTracker(p.Direction, p.EntryPrice)
	if !p.PeakPrice.IsZero() {
		ls.peak.Update(p.PeakPrice)
	}
	p.PeakPrice = ls.peak.Peak()

	ls.risk = &types.RiskState{
		PositionID:        p.ID,
		PeakPrice:         p.PeakPrice,
		CurrentStopLoss:   stop,
		TrailingActivated: p.TrailingActivated,
		LastUpdate:        at,
		Category:          cat,
		Message:           fmt.Sprintf("initial stop %s (%s range boundary)", stop, p.Direction),
	}
}

// OnPriceUpdate evaluates every active lot of the tick's product and
// returns exit intents for lots whose stop was crossed. Must return
// quickly; no blocking I/O happens on this path.
func (m *Manager) OnPriceUpdate(tick types.Tick) []types.ExitIntent {
	m.mu.RLock()
	candidates := make([]*lotState, 0, len(m.lots))
	for _, ls := range m.lots {
		if ls.pos.Product == tick.Product {
			candidates = append(candidates, ls)
		}
	}
	m.mu.RUnlock()

	// Deterministic evaluation order across ticks.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].pos, candidates[j].pos
		if a.GroupKey != b.GroupKey {
			return a.GroupKey < b.GroupKey
		}
		return a.LotIndex < b.LotIndex
	})

	var intents []types.ExitIntent
	for _, ls := range candidates {
		if intent, ok := m.evaluateLot(ls, tick); ok {
			intents = append(intents, intent)
		}
	}

	return intents
}

func (m *Manager) evaluateLot(ls *lotState, tick types.Tick) (types.ExitIntent, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	p := ls.pos
	if p.Status != types.PositionStatusActive || !p.HasEntry() || ls.risk == nil {
		return types.ExitIntent{}, false
	}
	if m.isExiting(p.ID) {
		return types.ExitIntent{}, false
	}

	price := tick.Last
	st := ls.risk

	if !p.TrailingActivated {
		if activationReached(p.Direction, p.EntryPrice, price, p.ActivationPoints) {
			p.TrailingActivated = true
			st.TrailingActivated = true
			ls.peak.Update(price)
			p.PeakPrice = ls.peak.Peak()
			st.PeakPrice = p.PeakPrice

			stop := trailingStop(p.Direction, p.EntryPrice, p.PeakPrice, p.PullbackRatio)
			m.setStopLocked(st, stop, types.UpdateCategoryTrailingArmed, tick.Timestamp,
				fmt.Sprintf("trailing armed at %s, peak %s", price, p.PeakPrice))
			p.UpdatedAt = tick.Timestamp

			m.sink.SchedulePosition(p.Clone())
			m.sink.ScheduleRiskState(st.Clone())

			m.logger.Info("trailing stop armed",
				"position_id", p.ID,
				"price", price,
				"stop", stop,
			)
		}
	} else if ls.peak.Update(price) {
		p.PeakPrice = ls.peak.Peak()
		st.PeakPrice = p.PeakPrice

		stop := trailingStop(p.Direction, p.EntryPrice, p.PeakPrice, p.PullbackRatio)
		m.setStopLocked(st, stop, types.UpdateCategoryPriceUpdate, tick.Timestamp,
			fmt.Sprintf("peak %s, stop %s", p.PeakPrice, stop))
		p.UpdatedAt = tick.Timestamp

		m.sink.SchedulePosition(p.Clone())
		m.sink.ScheduleRiskState(st.Clone())
	}

	stop := st.CurrentStopLoss
	if stop.IsZero() || !stopHit(p.Direction, price, stop) {
		return types.ExitIntent{}, false
	}

	// Stop crossed. beginExit is the atomic claim; a concurrent trigger
	// source that lost the race emits nothing.
	if !m.beginExit(p.ID) {
		return types.ExitIntent{}, false
	}

	source, reason := ls.stopRegime()
	p.Status = types.PositionStatusExiting
	p.UpdatedAt = tick.Timestamp
	m.sink.SchedulePosition(p.Clone())
	m.rec.RecordExitTriggered(string(reason))

	m.logger.Info("exit triggered",
		"position_id", p.ID,
		"reason", string(reason),
		"stop", stop,
		"price", price,
	)

	return types.ExitIntent{
		PositionID:  p.ID,
		Product:     p.Product,
		Direction:   p.Direction,
		Reason:      reason,
		Source:      source,
		TargetPrice: stop,
		SignalPrice: price,
		Bid1:        tick.Bid1,
		Ask1:        tick.Ask1,
		Timestamp:   tick.Timestamp,
	}, true
}

// setStopLocked moves the stop level, retaining the previous level for
// audit. Caller holds the lot mutex.
func (m *Manager) setStopLocked(st *types.RiskState, stop decimal.Decimal, cat types.UpdateCategory, at time.Time, msg string) {
	if !st.CurrentStopLoss.Equal(stop) {
		st.PreviousStopLoss = st.CurrentStopLoss
	}
	st.CurrentStopLoss = stop
	st.LastUpdate = at
	st.Category = cat
	st.Message = msg
}

// OnPositionClosed records the terminal fill for a lot, computes realized
// pnl in points, and tightens protective stops on later sibling lots
// financed by the realized profit. Idempotent: a second call for an
// already-EXITED lot returns the recorded pnl without changes.
func (m *Manager) OnPositionClosed(positionID string, exitPrice decimal.Decimal, reason types.ExitReason, at time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	ls, ok := m.lots[positionID]
	m.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("close %s: %w", positionID, types.ErrStateNotFound)
	}

	ls.mu.Lock()
	p := ls.pos
	if p.Status.IsTerminal() {
		pnl := p.RealizedPnL
		ls.mu.Unlock()
		return pnl, nil
	}
	if !p.HasEntry() {
		ls.mu.Unlock()
		return decimal.Zero, fmt.Errorf("close %s: %w", positionID, types.ErrMissingEntryPrice)
	}

	pnl := pnlPoints(p.Direction, p.EntryPrice, exitPrice)
	p.Status = types.PositionStatusExited
	p.OrderStatus = types.OrderStatusFilled
	p.ExitPrice = exitPrice
	p.ExitTime = at
	p.ExitReason = reason
	p.RealizedPnL = pnl
	p.UpdatedAt = at

	posCopy := p.Clone()
	groupKey := p.GroupKey
	lotIndex := p.LotIndex
	ls.mu.Unlock()

	m.endExit(positionID)
	m.sink.SchedulePosition(posCopy)
	m.rec.RecordRealizedPnL(pnl)

	m.logger.Info("position closed",
		"position_id", positionID,
		"exit", exitPrice,
		"reason", string(reason),
		"pnl_points", pnl,
	)

	if pnl.IsPositive() {
		m.applyProtectiveStops(groupKey, lotIndex, pnl)
	}

	m.mu.Lock()
	m.active--
	open := m.active
	m.mu.Unlock()
	m.rec.RecordPositionsOpen(open)
	m.completeGroupIfDone(groupKey)

	return pnl, nil
}

// activateGroup moves a WAITING group to ACTIVE on the first confirmed
// entry fill and persists the transition.
func (m *Manager) activateGroup(groupKey string) {
	m.mu.Lock()
	gs, ok := m.groups[groupKey]
	if !ok || gs.group.Status != types.GroupStatusWaiting {
		m.mu.Unlock()
		return
	}
	gs.group.Status = types.GroupStatusActive
	cp := *gs.group
	m.mu.Unlock()

	m.sink.ScheduleGroup(&cp)
	m.logger.Info("strategy group active", "group", groupKey)
}

// completeGroupIfDone marks a group COMPLETED once every registered lot
// is terminal and persists the transition.
func (m *Manager) completeGroupIfDone(groupKey string) {
	m.mu.Lock()
	gs, ok := m.groups[groupKey]
	if !ok || gs.group.Status == types.GroupStatusCompleted || len(gs.lots) == 0 {
		m.mu.Unlock()
		return
	}
	siblings := make([]*lotState, 0, len(gs.lots))
	for _, id := range gs.lots {
		if ls, ok := m.lots[id]; ok {
			siblings = append(siblings, ls)
		}
	}
	m.mu.Unlock()

	for _, ls := range siblings {
		ls.mu.Lock()
		terminal := ls.pos.Status.IsTerminal()
		ls.mu.Unlock()
		if !terminal {
			return
		}
	}

	m.mu.Lock()
	if gs.group.Status == types.GroupStatusCompleted {
		m.mu.Unlock()
		return
	}
	gs.group.Status = types.GroupStatusCompleted
	cp := *gs.group
	realized := gs.realized
	m.mu.Unlock()

	m.sink.ScheduleGroup(&cp)
	m.logger.Info("strategy group completed",
		"group", groupKey,
		"realized_points", realized,
	)
}

// applyProtectiveStops tightens the stop of later lots in the group using
// the cumulative realized profit of earlier lots. Trailing stops are never
// loosened: a lot already armed keeps its trailing stop.
func (m *Manager) applyProtectiveStops(groupKey string, closedLot int, profit decimal.Decimal) {
	m.mu.Lock()
	gs, ok := m.groups[groupKey]
	if !ok {
		m.mu.Unlock()
		return
	}
	gs.realized = gs.realized.Add(profit)
	cumulative := gs.realized

	siblings := make([]*lotState, 0, len(gs.lots))
	for _, id := range gs.lots {
		if ls, ok := m.lots[id]; ok {
			siblings = append(siblings, ls)
		}
	}
	m.mu.Unlock()

	for _, ls := range siblings {
		ls.mu.Lock()
		p := ls.pos
		st := ls.risk
		if p.LotIndex <= closedLot || p.Status != types.PositionStatusActive ||
			!p.HasEntry() || st == nil || p.TrailingActivated {
			ls.mu.Unlock()
			continue
		}

		cand := protectiveStop(p.Direction, p.EntryPrice, cumulative, p.ProtectiveMultiplier)
		if !tighter(p.Direction, cand, st.CurrentStopLoss) {
			ls.mu.Unlock()
			continue
		}

		m.setStopLocked(st, cand, types.UpdateCategoryProtectiveStop, time.Now(),
			fmt.Sprintf("protective stop from %s points realized", cumulative))
		st.ProtectionActivated = true
		riskCopy := st.Clone()
		posID := p.ID
		ls.mu.Unlock()

		m.sink.ScheduleRiskState(riskCopy)
		m.logger.Info("protective stop applied",
			"position_id", posID,
			"stop", cand,
			"realized_points", cumulative,
		)
	}
}

// OnPositionFailed marks a lot FAILED after retry exhaustion or a
// submission error. The lot stays in the cache with its last known state
// so an operator can close it manually.
func (m *Manager) OnPositionFailed(positionID string, reason types.ExitReason) error {
	m.mu.RLock()
	ls, ok := m.lots[positionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("fail %s: %w", positionID, types.ErrStateNotFound)
	}

	ls.mu.Lock()
	p := ls.pos
	if p.Status.IsTerminal() {
		ls.mu.Unlock()
		return nil
	}
	p.Status = types.PositionStatusFailed
	p.ExitReason = reason
	p.UpdatedAt = time.Now()
	posCopy := p.Clone()
	ls.mu.Unlock()

	m.endExit(positionID)
	m.sink.SchedulePosition(posCopy)

	m.mu.Lock()
	m.active--
	open := m.active
	m.mu.Unlock()
	m.rec.RecordPositionsOpen(open)
	m.completeGroupIfDone(posCopy.GroupKey)

	m.logger.Error("position marked FAILED, manual close required",
		"position_id", positionID,
		"reason", string(reason),
	)
	return nil
}

// ClearExiting removes the local exiting mark for a position. Used when an
// intent was emitted but no exit attempt went out (lost the global lock
// race to another trigger source).
func (m *Manager) ClearExiting(positionID string) {
	m.endExit(positionID)
}

// Exiting reports whether an exit intent is pending for the position.
func (m *Manager) Exiting(positionID string) bool {
	return m.isExiting(positionID)
}

// Reconcile merges a durable record into the cache without overwriting
// logically newer in-memory state: trailing_activated only moves
// false->true, the peak only moves favorably, and the entry is immutable
// once set. Remaining conflicts resolve last-writer-wins by timestamp.
func (m *Manager) Reconcile(stored *types.Position, storedRisk *types.RiskState) {
	m.mu.RLock()
	ls, ok := m.lots[stored.ID]
	m.mu.RUnlock()

	if !ok {
		m.OnNewPosition(stored)
		if storedRisk == nil {
			return
		}
		m.mu.RLock()
		ls, ok = m.lots[stored.ID]
		m.mu.RUnlock()
		if !ok {
			return
		}
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	p := ls.pos
	if !p.HasEntry() && stored.HasEntry() {
		p.EntryPrice = stored.EntryPrice
		p.EntryTime = stored.EntryTime
	}

	if stored.TrailingActivated && !p.TrailingActivated {
		p.TrailingActivated = true
		if ls.risk != nil {
			ls.risk.TrailingActivated = true
		}
	}

	if ls.peak != nil {
		ls.peak.Update(stored.PeakPrice)
		p.PeakPrice = ls.peak.Peak()
		if ls.risk != nil {
			ls.risk.PeakPrice = p.PeakPrice
		}
	}

	if stored.UpdatedAt.After(p.UpdatedAt) && p.Status.CanTransitionTo(stored.Status) {
		p.Status = stored.Status
		p.UpdatedAt = stored.UpdatedAt
	}

	if storedRisk != nil && ls.risk != nil && storedRisk.LastUpdate.After(ls.risk.LastUpdate) {
		st := ls.risk
		if !st.CurrentStopLoss.Equal(storedRisk.CurrentStopLoss) {
			st.PreviousStopLoss = st.CurrentStopLoss
			st.CurrentStopLoss = storedRisk.CurrentStopLoss
		}
		if storedRisk.ProtectionActivated {
			st.ProtectionActivated = true
		}
		st.LastUpdate = storedRisk.LastUpdate
		st.Category = storedRisk.Category
		st.Message = storedRisk.Message
	}
}

// GetPosition returns a copy of the cached position.
func (m *Manager) GetPosition(positionID string) (*types.Position, bool) {
	m.mu.RLock()
	ls, ok := m.lots[positionID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.pos.Clone(), true
}

// GetRiskState returns a copy of the cached risk state, if initialized.
func (m *Manager) GetRiskState(positionID string) (*types.RiskState, bool) {
	m.mu.RLock()
	ls, ok := m.lots[positionID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.risk == nil {
		return nil, false
	}
	return ls.risk.Clone(), true
}

// ActivePositions returns copies of all non-terminal lots.
func (m *Manager) ActivePositions() []*types.Position {
	m.mu.RLock()
	states := make([]*lotState, 0, len(m.lots))
	for _, ls := range m.lots {
		states = append(states, ls)
	}
	m.mu.RUnlock()

	var out []*types.Position
	for _, ls := range states {
		ls.mu.Lock()
		if !ls.pos.Status.IsTerminal() {
			out = append(out, ls.pos.Clone())
		}
		ls.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupKey != out[j].GroupKey {
			return out[i].GroupKey < out[j].GroupKey
		}
		return out[i].LotIndex < out[j].LotIndex
	})
	return out
}

// AllPositions returns clones of every tracked lot, terminal ones
// included, sorted by group then lot index.
func (m *Manager) AllPositions() []*types.Position {
	m.mu.RLock()
	states := make([]*lotState, 0, len(m.lots))
	for _, ls := range m.lots {
		states = append(states, ls)
	}
	m.mu.RUnlock()

	out := make([]*types.Position, 0, len(states))
	for _, ls := range states {
		ls.mu.Lock()
		out = append(out, ls.pos.Clone())
		ls.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupKey != out[j].GroupKey {
			return out[i].GroupKey < out[j].GroupKey
		}
		return out[i].LotIndex < out[j].LotIndex
	})
	return out
}

// GroupRealized returns the cumulative realized profit in points for a
// group, counting winners only.
func (m *Manager) GroupRealized(groupKey string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if gs, ok := m.groups[groupKey]; ok {
		return gs.realized
	}
	return decimal.Zero
}

func (m *Manager) isExiting(positionID string) bool {
	m.exitMu.Lock()
	defer m.exitMu.Unlock()
	_, ok := m.exiting[positionID]
	return ok
}

func (m *Manager) beginExit(positionID string) bool {
	m.exitMu.Lock()
	defer m.exitMu.Unlock()
	if _, ok := m.exiting[positionID]; ok {
		return false
	}
	m.exiting[positionID] = struct{}{}
	return true
}

func (m *Manager) endExit(positionID string) {
	m.exitMu.Lock()
	defer m.exitMu.Unlock()
	delete(m.exiting, positionID)
}

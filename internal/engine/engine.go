// Package engine wires the broker's tick and report streams into the
// risk manager, dispatches exit intents to the executor, and exposes
// the operator control surface.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tathienbao/multilot-bot/internal/alerting"
	"github.com/tathienbao/multilot-bot/internal/broker"
	"github.com/tathienbao/multilot-bot/internal/executor"
	"github.com/tathienbao/multilot-bot/internal/exitlock"
	"github.com/tathienbao/multilot-bot/internal/metrics"
	"github.com/tathienbao/multilot-bot/internal/persistence"
	"github.com/tathienbao/multilot-bot/internal/risk"
	"github.com/tathienbao/multilot-bot/internal/signal"
	"github.com/tathienbao/multilot-bot/internal/tracker"
	"github.com/tathienbao/multilot-bot/internal/types"
)

// monitorInterval paces the slow health sweep for lock expiry,
// persistence failures and broker connectivity.
const monitorInterval = 15 * time.Second

// Config holds engine configuration. The risk parameters are stamped
// onto every position at creation and never change afterwards.
type Config struct {
	Product              string
	ActivationPoints     decimal.Decimal
	PullbackRatio        decimal.Decimal
	ProtectiveMultiplier decimal.Decimal
	MaxSlippagePoints    decimal.Decimal
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		Product:              "MES",
		ActivationPoints:     decimal.NewFromInt(15),
		PullbackRatio:        decimal.RequireFromString("0.2"),
		ProtectiveMultiplier: decimal.RequireFromString("0.5"),
		MaxSlippagePoints:    decimal.NewFromInt(10),
	}
}

// Engine coordinates all components for one product.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	broker   broker.Broker
	riskMgr  *risk.Manager
	exec     *executor.Executor
	tracker  *tracker.Tracker
	locks    *exitlock.Manager
	writer   *persistence.Writer
	store    persistence.Store
	detector *signal.Detector // nil disables signal detection
	alerter  alerting.Alerter
	quotes   *QuoteCache
	rec      *metrics.Recorder

	mu      sync.Mutex
	running bool
	entries map[string]string // entry order id -> position id

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates the engine. The executor must already be wired as the
// tracker's listener and must share the same quote cache.
func New(
	cfg Config,
	brk broker.Broker,
	riskMgr *risk.Manager,
	exec *executor.Executor,
	tr *tracker.Tracker,
	locks *exitlock.Manager,
	writer *persistence.Writer,
	store persistence.Store,
	detector *signal.Detector,
	alerter alerting.Alerter,
	quotes *QuoteCache,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		broker:   brk,
		riskMgr:  riskMgr,
		exec:     exec,
		tracker:  tr,
		locks:    locks,
		writer:   writer,
		store:    store,
		detector: detector,
		alerter:  alerter,
		quotes:   quotes,
		rec:      metrics.NewRecorder(),
		entries:  make(map[string]string),
		done:     make(chan struct{}),
	}
}

// Start recovers durable state, subscribes to the tick stream and spawns
// the processing loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	e.logger.Info("starting engine", "product", e.cfg.Product)

	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("state recovery: %w", err)
	}

	if e.writer != nil {
		e.writer.Start()
	}
	e.locks.Start(ctx)

	tickCh, err := e.broker.SubscribeTicks(ctx, e.cfg.Product)
	if err != nil {
		return fmt.Errorf("subscribe ticks: %w", err)
	}

	e.wg.Add(3)
	go e.tickLoop(ctx, tickCh)
	go e.reportLoop(ctx)
	go e.monitorLoop(ctx)

	e.alert(alerting.EventBotStarted, "engine started", "product", e.cfg.Product)
	return nil
}

// recover reloads open groups, positions and risk states from the store
// and primes the risk cache through the monotonic reconciler.
func (e *Engine) recover(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	groups, err := e.store.GetOpenGroups(ctx)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	for _, g := range groups {
		e.riskMgr.OnNewGroup(g)
	}

	positions, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	for _, p := range positions {
		st, err := e.store.GetRiskState(ctx, p.ID)
		if err != nil {
			st = nil
		}
		e.riskMgr.Reconcile(p, st)
	}

	if len(groups) > 0 || len(positions) > 0 {
		e.logger.Info("recovered durable state",
			"groups", len(groups),
			"positions", len(positions),
		)
	}
	return nil
}

func (e *Engine) tickLoop(ctx context.Context, tickCh <-chan types.Tick) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case tick, ok := <-tickCh:
			if !ok {
				e.logger.Warn("tick stream closed")
				return
			}
			e.handleTick(ctx, tick)
		}
	}
}

func (e *Engine) handleTick(ctx context.Context, tick types.Tick) {
	timer := metrics.NewTimer()

	e.quotes.Update(tick)

	if e.detector != nil {
		if g := e.detector.OnTick(tick); g != nil {
			e.openGroup(ctx, g)
		}
	}

	intents := e.riskMgr.OnPriceUpdate(tick)
	for _, intent := range intents {
		e.alert(alerting.EventExitTriggered, "exit triggered",
			"position_id", intent.PositionID,
			"reason", string(intent.Reason),
			"signal_price", intent.SignalPrice.String(),
		)
		e.wg.Add(1)
		go e.dispatchExit(intent)
	}

	e.rec.RecordTick(timer.Elapsed())
}

// openGroup registers a new strategy group and submits one entry order
// per lot. Lots whose entry order cannot be placed are marked FAILED.
func (e *Engine) openGroup(ctx context.Context, g *types.StrategyGroup) {
	e.riskMgr.OnNewGroup(g)
	e.alert(alerting.EventGroupCreated, "strategy group created",
		"group", g.Key(),
		"direction", g.Direction.String(),
		"lots", g.TotalLots,
	)

	now := time.Now()
	for i := 1; i <= g.TotalLots; i++ {
		p := &types.Position{
			ID:                   uuid.New().String(),
			GroupKey:             g.Key(),
			Product:              g.Product,
			LotIndex:             i,
			Direction:            g.Direction,
			Status:               types.PositionStatusPending,
			MaxSlippagePoints:    e.cfg.MaxSlippagePoints,
			ActivationPoints:     e.cfg.ActivationPoints,
			PullbackRatio:        e.cfg.PullbackRatio,
			ProtectiveMultiplier: e.cfg.ProtectiveMultiplier,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		e.riskMgr.OnNewPosition(p)

		if err := e.submitEntry(ctx, p); err != nil {
			e.logger.Error("entry submission failed",
				"position_id", p.ID,
				"lot", i,
				"error", err,
			)
			if ferr := e.riskMgr.OnPositionFailed(p.ID, types.ExitReasonSubmissionFailure); ferr != nil {
				e.logger.Error("failed to mark lot FAILED", "position_id", p.ID, "error", ferr)
			}
		}
	}
}

// submitEntry sends one FOK entry order at the marketable side of the
// book: buy at ASK1 to open long, sell at BID1 to open short.
func (e *Engine) submitEntry(ctx context.Context, p *types.Position) error {
	tick, ok := e.quotes.LastTick(p.Product)
	if !ok {
		return fmt.Errorf("no quote for %s", p.Product)
	}

	var side broker.Side
	var price decimal.Decimal
	if p.Direction == types.DirectionLong {
		side, price = broker.SideBuy, tick.Ask1
	} else {
		side, price = broker.SideSell, tick.Bid1
	}
	if price.IsZero() {
		price = tick.Last
	}
	if price.IsZero() {
		return fmt.Errorf("no usable price for %s", p.Product)
	}

	req := broker.OrderRequest{
		ClientOrderID: uuid.New().String(),
		Product:       p.Product,
		Side:          side,
		Quantity:      1,
		Price:         price,
	}

	ack, err := e.broker.SubmitOrder(ctx, req)
	if err != nil {
		return err
	}

	orderID := ack.OrderID
	if orderID == "" {
		orderID = req.ClientOrderID
	}

	e.mu.Lock()
	e.entries[orderID] = p.ID
	e.mu.Unlock()

	e.logger.Info("entry order submitted",
		"position_id", p.ID,
		"order_id", orderID,
		"side", string(side),
		"price", price,
	)
	return nil
}

func (e *Engine) reportLoop(ctx context.Context) {
	defer e.wg.Done()

	reports := e.broker.OrderReports()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case report, ok := <-reports:
			if !ok {
				e.logger.Warn("report stream closed")
				return
			}
			e.handleReport(report)
		}
	}
}

// monitorLoop watches slow-moving health signals: expired exit lock
// leases, persistence write failures, and broker connectivity.
func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	var lastExpired, lastFailed int64
	connected := e.broker.IsConnected()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			_, _, expired := e.locks.Stats()
			if expired > lastExpired {
				e.alert(alerting.EventLockExpired, "exit lock lease expired",
					"expired_total", expired,
				)
				lastExpired = expired
			}

			if e.writer != nil {
				stats := e.writer.Stats()
				if stats.Failed > lastFailed {
					e.alert(alerting.EventPersistenceStalled, "persistence writes failing",
						"failed_total", stats.Failed,
						"queue_depth", stats.Depth,
					)
					lastFailed = stats.Failed
				}
			}

			if up := e.broker.IsConnected(); up != connected {
				if up {
					e.alert(alerting.EventConnectionRestored, "broker connection restored")
				} else {
					e.alert(alerting.EventConnectionLost, "broker connection lost")
				}
				connected = up
			}
		}
	}
}

func (e *Engine) handleReport(report types.OrderReport) {
	if e.handleEntryReport(report) {
		return
	}
	if !e.tracker.ProcessReport(report) {
		e.logger.Debug("unmatched order report",
			"order_id", report.OrderID,
			"exchange_seq", report.ExchangeSeq,
			"status", report.Status.String(),
		)
	}
}

// handleEntryReport routes reports for outstanding entry orders. Exit
// orders belong to the tracker.
func (e *Engine) handleEntryReport(report types.OrderReport) bool {
	if report.OrderID == "" {
		return false
	}

	e.mu.Lock()
	positionID, ok := e.entries[report.OrderID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	if report.Status.IsFinal() {
		delete(e.entries, report.OrderID)
	}
	e.mu.Unlock()

	switch report.Status {
	case types.OrderStatusFilled:
		if err := e.riskMgr.OnFillConfirmed(positionID, report.FillPrice, report.Timestamp); err != nil {
			e.logger.Error("entry fill not applied",
				"position_id", positionID,
				"error", err,
			)
			return true
		}
		e.alert(alerting.EventEntryFilled, "entry filled",
			"position_id", positionID,
			"fill_price", report.FillPrice.String(),
		)
	case types.OrderStatusCancelled, types.OrderStatusRejected:
		// FOK entry missed; the lot never opened.
		e.logger.Warn("entry order not filled",
			"position_id", positionID,
			"status", report.Status.String(),
		)
		if err := e.riskMgr.OnPositionFailed(positionID, types.ExitReasonSubmissionFailure); err != nil {
			e.logger.Error("failed to mark lot FAILED", "position_id", positionID, "error", err)
		}
	}
	return true
}

// dispatchExit runs one exit attempt. Failures are already applied by
// the executor; a duplicate claim is logged only.
func (e *Engine) dispatchExit(intent types.ExitIntent) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res := e.exec.ExecuteExit(ctx, intent)
	if res.Success {
		return
	}

	if res.ErrorKind == executor.KindDuplicateExit {
		e.logger.Debug("exit already in flight", "position_id", intent.PositionID)
		return
	}
	e.logger.Error("exit attempt failed",
		"position_id", intent.PositionID,
		"kind", string(res.ErrorKind),
		"error", res.Err,
	)
}

// ForceExit triggers a manual exit for a position using the latest quote.
func (e *Engine) ForceExit(ctx context.Context, positionID string) error {
	pos, ok := e.riskMgr.GetPosition(positionID)
	if !ok {
		return fmt.Errorf("force exit %s: %w", positionID, types.ErrStateNotFound)
	}

	tick, ok := e.quotes.LastTick(pos.Product)
	if !ok {
		return fmt.Errorf("force exit %s: no quote for %s", positionID, pos.Product)
	}

	signalPrice := tick.Last
	if signalPrice.IsZero() {
		if pos.Direction == types.DirectionLong {
			signalPrice = tick.Bid1
		} else {
			signalPrice = tick.Ask1
		}
	}

	intent := types.ExitIntent{
		PositionID:  positionID,
		Product:     pos.Product,
		Direction:   pos.Direction,
		Reason:      types.ExitReasonManual,
		Source:      types.TriggerManual,
		TargetPrice: signalPrice,
		SignalPrice: signalPrice,
		Bid1:        tick.Bid1,
		Ask1:        tick.Ask1,
		Timestamp:   time.Now(),
	}

	res := e.exec.ExecuteExit(ctx, intent)
	if !res.Success {
		if res.Err != nil {
			return fmt.Errorf("force exit %s: %w", positionID, res.Err)
		}
		return fmt.Errorf("force exit %s: %s", positionID, res.ErrorKind)
	}
	return nil
}

// EnableChasing turns price-chasing retries on.
func (e *Engine) EnableChasing() { e.exec.EnableChasing() }

// DisableChasing turns price-chasing retries off.
func (e *Engine) DisableChasing() { e.exec.DisableChasing() }

// ChaseEnabled reports whether cancelled exits are chased.
func (e *Engine) ChaseEnabled() bool { return e.exec.ChaseEnabled() }

// ClearAllLocks force-releases every exit lock and local exit claim.
// Operator escape hatch after a broker outage.
func (e *Engine) ClearAllLocks() int {
	n := e.locks.ClearAllLocks()
	for _, p := range e.riskMgr.ActivePositions() {
		e.riskMgr.ClearExiting(p.ID)
	}
	e.logger.Warn("all exit locks cleared", "count", n)
	return n
}

// ClearExitClaim releases one position's exit lock and local claim so a
// stop can fire again.
func (e *Engine) ClearExitClaim(positionID string) {
	e.locks.ClearExit(positionID)
	e.riskMgr.ClearExiting(positionID)
}

// LockSnapshot returns the outstanding exit locks for inspection.
func (e *Engine) LockSnapshot() []exitlock.Lock {
	return e.locks.Snapshot()
}

// Stats is a point-in-time operational snapshot.
type Stats struct {
	ActivePositions int
	InFlightExits   int
	OpenExitOrders  int
	Writer          persistence.Stats
	LocksAcquired   int64
	LocksRejected   int64
	LocksExpired    int64
}

// Snapshot returns current operational counters.
func (e *Engine) Snapshot() Stats {
	acquired, rejected, expired := e.locks.Stats()
	s := Stats{
		ActivePositions: len(e.riskMgr.ActivePositions()),
		InFlightExits:   e.exec.InFlight(),
		OpenExitOrders:  e.tracker.OpenOrders(),
		LocksAcquired:   acquired,
		LocksRejected:   rejected,
		LocksExpired:    expired,
	}
	if e.writer != nil {
		s.Writer = e.writer.Stats()
	}
	return s
}

// RegisterHealthChecks wires the engine's liveness signals into the
// metrics server.
func (e *Engine) RegisterHealthChecks(srv *metrics.Server) {
	srv.RegisterHealthCheck("broker", func() metrics.Check {
		if e.broker.IsConnected() {
			return metrics.Check{Status: "healthy"}
		}
		return metrics.Check{Status: "unhealthy", Message: "broker disconnected"}
	})
	srv.RegisterHealthCheck("persistence", func() metrics.Check {
		if e.writer == nil {
			return metrics.Check{Status: "healthy", Message: "writer disabled"}
		}
		stats := e.writer.Stats()
		if stats.Failed > 0 {
			return metrics.Check{
				Status:  "unhealthy",
				Message: fmt.Sprintf("%d dropped writes", stats.Failed),
			}
		}
		return metrics.Check{Status: "healthy"}
	})
}

// Stop drains the loops, stops the lock janitor and flushes the async
// writer. The broker connection is left to the caller.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.logger.Info("stopping engine")
	close(e.done)
	e.wg.Wait()

	if err := e.broker.UnsubscribeTicks(e.cfg.Product); err != nil {
		e.logger.Warn("tick unsubscribe failed", "error", err)
	}

	e.locks.Stop()

	if e.writer != nil {
		if err := e.writer.Stop(ctx); err != nil {
			e.logger.Error("writer drain failed", "error", err)
		}
	}

	e.sendSessionSummary()
	e.alert(alerting.EventBotStopped, "engine stopped", "product", e.cfg.Product)
	e.logger.Info("engine stopped")
	return nil
}

// sendSessionSummary rolls the session's lot outcomes into one report.
func (e *Engine) sendSessionSummary() {
	positions := e.riskMgr.AllPositions()
	if len(positions) == 0 {
		return
	}

	var (
		lotsClosed, lotsFailed, winning, losing, open int
		realized                                      decimal.Decimal
	)
	groups := make(map[string]struct{})
	for _, p := range positions {
		groups[p.GroupKey] = struct{}{}
		switch p.Status {
		case types.PositionStatusExited:
			lotsClosed++
			realized = realized.Add(p.RealizedPnL)
			if p.RealizedPnL.IsPositive() {
				winning++
			} else {
				losing++
			}
		case types.PositionStatusFailed:
			lotsFailed++
		default:
			open++
		}
	}

	_, _, expired := e.locks.Stats()
	summary := alerting.NewSessionSummary(
		time.Now(), e.cfg.Product,
		len(groups), len(positions), lotsClosed, lotsFailed,
		winning, losing,
		realized,
		int(e.exec.Chases()), int(expired), open,
	)

	e.alert(alerting.EventSessionSummary, "session summary",
		"groups", summary.GroupsOpened,
		"lots_closed", summary.LotsClosed,
		"lots_failed", summary.LotsFailed,
		"win_rate", summary.WinRate.StringFixed(1),
		"realized_points", summary.RealizedPoints.String(),
		"chases", summary.ChaseCount,
		"open_positions", summary.OpenPositions,
		"needs_attention", summary.RequiresAttention(),
	)
}

// IsRunning returns true while the loops are live.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) alert(event alerting.AlertEvent, message string, fields ...any) {
	if e.alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.alerter.Alert(ctx, alerting.EventSeverity(event), message, fields...); err != nil {
		e.logger.Warn("alert delivery failed", "event", string(event), "error", err)
	}
}

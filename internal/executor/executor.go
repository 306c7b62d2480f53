// Package executor turns exit intents into broker orders and drives
// bounded price-chasing retries on cancel reports.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tathienbao/multilot-bot/internal/broker"
	"github.com/tathienbao/multilot-bot/internal/exitlock"
	"github.com/tathienbao/multilot-bot/internal/metrics"
	"github.com/tathienbao/multilot-bot/internal/tracker"
	"github.com/tathienbao/multilot-bot/internal/types"
)

// ErrorKind classifies a failed exit attempt. Decision-path failures are
// typed results, not control-flow errors.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindDuplicateExit      ErrorKind = "duplicate-exit"
	KindMissingEntry       ErrorKind = "missing-entry-price"
	KindSlippageExceeded   ErrorKind = "slippage-exceeded"
	KindMaxRetriesExceeded ErrorKind = "max-retries-exceeded"
	KindSubmissionFailure  ErrorKind = "submission-failure"
)

// ExecutionResult reports the synchronous outcome of an exit attempt.
// Success means the order was accepted; the terminal fill or failure
// arrives asynchronously through the tracker callbacks.
type ExecutionResult struct {
	Success        bool
	OrderID        string
	ExecutionPrice decimal.Decimal
	PnL            decimal.Decimal
	ErrorKind      ErrorKind
	Err            error
}

// Config holds executor configuration.
type Config struct {
	MaxRetries         int
	ChaseDelay         time.Duration
	ChaseEnabled       bool
	RateLimitPerSecond int
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         5,
		ChaseDelay:         0,
		ChaseEnabled:       true,
		RateLimitPerSecond: 10,
	}
}

// PositionSource supplies the cached position for an exit attempt.
// *risk.Manager satisfies it.
type PositionSource interface {
	GetPosition(positionID string) (*types.Position, bool)
}

// QuoteSource supplies the latest quote for chase pricing.
type QuoteSource interface {
	LastTick(product string) (types.Tick, bool)
}

// StateHandler receives terminal position outcomes. *risk.Manager
// satisfies it.
type StateHandler interface {
	OnPositionClosed(positionID string, exitPrice decimal.Decimal, reason types.ExitReason, at time.Time) (decimal.Decimal, error)
	OnPositionFailed(positionID string, reason types.ExitReason) error
}

// exitJob is the in-flight context for one position's exit.
type exitJob struct {
	positionID  string
	product     string
	entryDir    types.Direction
	lotIndex    int
	reason      types.ExitReason
	signalPrice decimal.Decimal
	maxSlippage decimal.Decimal
	tickSize    decimal.Decimal
}

// Executor submits exit orders under the global exit lock and chases
// cancels within the per-lot retry and slippage budgets.
// It implements tracker.Listener.
// Thread-safe for concurrent access.
type Executor struct {
	mu   sync.Mutex
	jobs map[string]*exitJob // position id -> in-flight exit

	cfg     Config
	broker  broker.Broker
	locks   *exitlock.Manager
	tracker *tracker.Tracker
	source  PositionSource
	quotes  QuoteSource
	handler StateHandler
	limiter *rate.Limiter
	chasing atomic.Bool
	chases  atomic.Int64

	rec    *metrics.Recorder
	logger *slog.Logger
}

// New creates an executor. The caller wires it as the tracker's listener.
func New(cfg Config, b broker.Broker, locks *exitlock.Manager, tr *tracker.Tracker, source PositionSource, quotes QuoteSource, handler StateHandler, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = DefaultConfig().RateLimitPerSecond
	}

	e := &Executor{
		jobs:    make(map[string]*exitJob),
		cfg:     cfg,
		broker:  b,
		locks:   locks,
		tracker: tr,
		source:  source,
		quotes:  quotes,
		handler: handler,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond),
		rec:     metrics.NewRecorder(),
		logger:  logger,
	}
	e.chasing.Store(cfg.ChaseEnabled)
	return e
}

// EnableChasing turns price-chasing retries on.
func (e *Executor) EnableChasing() {
	e.chasing.Store(true)
	e.logger.Info("price chasing enabled")
}

// DisableChasing turns price-chasing retries off. Cancelled lots then fail
// immediately instead of resubmitting.
func (e *Executor) DisableChasing() {
	e.chasing.Store(false)
	e.logger.Warn("price chasing disabled")
}

// ChaseEnabled reports whether cancelled exits are chased.
func (e *Executor) ChaseEnabled() bool {
	return e.chasing.Load()
}

// ExecuteExit acquires the position's exit lock and submits the exit
// order. Lock acquisition failure returns a DuplicateExit result with no
// side effects.
func (e *Executor) ExecuteExit(ctx context.Context, intent types.ExitIntent) ExecutionResult {
	if !e.locks.MarkExit(intent.PositionID, intent.Source, intent.Reason, fmt.Sprintf("target %s", intent.TargetPrice)) {
		e.rec.RecordExitResult(string(KindDuplicateExit))
		return ExecutionResult{ErrorKind: KindDuplicateExit, Err: types.ErrDuplicateExit}
	}

	pos, ok := e.source.GetPosition(intent.PositionID)
	if !ok {
		e.locks.ClearExit(intent.PositionID)
		return ExecutionResult{
			ErrorKind: KindSubmissionFailure,
			Err:       fmt.Errorf("exit %s: %w", intent.PositionID, types.ErrStateNotFound),
		}
	}
	if pos.Status.IsTerminal() {
		e.locks.ClearExit(intent.PositionID)
		e.rec.RecordExitResult(string(KindDuplicateExit))
		return ExecutionResult{ErrorKind: KindDuplicateExit, Err: types.ErrDuplicateExit}
	}
	if !pos.HasEntry() {
		e.locks.ClearExit(intent.PositionID)
		e.rec.RecordExitResult(string(KindMissingEntry))
		return ExecutionResult{ErrorKind: KindMissingEntry, Err: types.ErrMissingEntryPrice}
	}

	spec, ok := types.GetInstrumentSpec(pos.Product)
	if !ok {
		e.locks.ClearExit(intent.PositionID)
		return ExecutionResult{
			ErrorKind: KindSubmissionFailure,
			Err:       fmt.Errorf("exit %s: %w", pos.Product, types.ErrInvalidSymbol),
		}
	}

	job := &exitJob{
		positionID:  intent.PositionID,
		product:     pos.Product,
		entryDir:    pos.Direction,
		lotIndex:    pos.LotIndex,
		reason:      intent.Reason,
		signalPrice: intent.SignalPrice,
		maxSlippage: pos.MaxSlippagePoints,
		tickSize:    spec.TickSize,
	}

	e.mu.Lock()
	e.jobs[intent.PositionID] = job
	e.mu.Unlock()

	e.tracker.BeginExit(intent.PositionID, 1, pos.Direction.Opposite(), intent.TargetPrice, e.cfg.MaxRetries)

	price := e.firstPrice(job, intent)
	orderID, err := e.submit(ctx, job, price, 0)
	if err != nil {
		e.abandon(job, types.ExitReasonSubmissionFailure)
		e.rec.RecordExitResult(string(KindSubmissionFailure))
		return ExecutionResult{
			ErrorKind:      KindSubmissionFailure,
			ExecutionPrice: price,
			Err:            err,
		}
	}

	return ExecutionResult{Success: true, OrderID: orderID, ExecutionPrice: price}
}

// firstPrice quotes the initial exit attempt at the marketable side of the
// book: sell at BID1 for long exits, buy at ASK1 for short exits.
func (e *Executor) firstPrice(job *exitJob, intent types.ExitIntent) decimal.Decimal {
	var p decimal.Decimal
	if job.entryDir == types.DirectionLong {
		p = intent.Bid1
	} else {
		p = intent.Ask1
	}
	if p.IsZero() {
		p = intent.SignalPrice
	}
	return p
}

// chasePrice shifts one tick through the latest quote.
func (e *Executor) chasePrice(job *exitJob, report types.OrderReport) decimal.Decimal {
	tick, ok := e.quotes.LastTick(job.product)
	if job.entryDir == types.DirectionLong {
		if ok && !tick.Bid1.IsZero() {
			return tick.Bid1.Sub(job.tickSize)
		}
		return report.Price.Sub(job.tickSize)
	}
	if ok && !tick.Ask1.IsZero() {
		return tick.Ask1.Add(job.tickSize)
	}
	return report.Price.Add(job.tickSize)
}

// submit sends one FOK closing order and registers it with the tracker.
func (e *Executor) submit(ctx context.Context, job *exitJob, price decimal.Decimal, attempt int) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("submit throttle: %w", err)
	}

	req := broker.OrderRequest{
		ClientOrderID: uuid.New().String(),
		Product:       job.product,
		Side:          broker.ExitSide(job.entryDir),
		Quantity:      1,
		Price:         price,
		FillOrKill:    true,
		ClosePosition: true,
	}

	start := time.Now()
	ack, err := e.broker.SubmitOrder(ctx, req)
	e.rec.RecordOrderSubmit(time.Since(start))
	if err != nil {
		return "", fmt.Errorf("submit exit for %s: %w", job.positionID, err)
	}

	orderID := ack.OrderID
	if orderID == "" {
		orderID = req.ClientOrderID
	}

	if err := e.tracker.RegisterExitOrder(job.positionID, orderID, job.lotIndex, job.entryDir.Opposite(), req.Quantity, price, job.product); err != nil {
		return "", err
	}

	if attempt > 0 {
		e.chases.Add(1)
		e.rec.RecordChase()
	}
	e.logger.Info("exit order submitted",
		"position_id", job.positionID,
		"order_id", orderID,
		"price", price,
		"attempt", attempt,
	)
	return orderID, nil
}

// OnExitFilled implements tracker.Listener.
func (e *Executor) OnExitFilled(positionID string, lotIndex int, fillPrice decimal.Decimal, at time.Time) {
	e.mu.Lock()
	job := e.jobs[positionID]
	e.mu.Unlock()

	reason := types.ExitReasonManual
	if job != nil {
		reason = job.reason
	}

	pnl, err := e.handler.OnPositionClosed(positionID, fillPrice, reason, at)
	if err != nil {
		e.logger.Error("failed to apply terminal fill",
			"position_id", positionID,
			"error", err,
		)
		return
	}

	e.logger.Info("exit completed",
		"position_id", positionID,
		"lot", lotIndex,
		"fill_price", fillPrice,
		"pnl_points", pnl,
	)
}

// OnExitCancelled implements tracker.Listener. A cancelled FOK order is
// chased one tick through the book, bounded by the lot's retry budget and
// slippage allowance.
func (e *Executor) OnExitCancelled(positionID string, lotIndex int, report types.OrderReport) {
	e.mu.Lock()
	job := e.jobs[positionID]
	e.mu.Unlock()
	if job == nil {
		e.logger.Warn("cancel report for unknown exit", "position_id", positionID)
		return
	}

	if !e.chasing.Load() {
		e.logger.Warn("chasing disabled, failing lot",
			"position_id", positionID,
			"lot", lotIndex,
		)
		e.failLot(job, lotIndex, KindMaxRetriesExceeded)
		return
	}

	attempt, err := e.tracker.IncrementRetry(positionID, lotIndex)
	if err != nil || attempt >= e.cfg.MaxRetries {
		// The initial order plus chases used up the attempt budget.
		e.rec.RecordExitResult(string(KindMaxRetriesExceeded))
		e.logger.Warn("retry budget exhausted",
			"position_id", positionID,
			"lot", lotIndex,
			"cancellations", attempt,
		)
		e.failLot(job, lotIndex, KindMaxRetriesExceeded)
		return
	}

	price := e.chasePrice(job, report)
	if price.Sub(job.signalPrice).Abs().GreaterThan(job.maxSlippage) {
		e.rec.RecordExitResult(string(KindSlippageExceeded))
		e.logger.Warn("chase abandoned",
			"position_id", positionID,
			"price", price,
			"signal_price", job.signalPrice,
			"max_slippage", job.maxSlippage,
			"error", types.ErrSlippageExceeded,
		)
		e.failLot(job, lotIndex, KindSlippageExceeded)
		return
	}

	// The resubmission leaves the report callback path so a configured
	// chase delay never stalls report delivery.
	go e.chase(job, lotIndex, price, attempt)
}

func (e *Executor) chase(job *exitJob, lotIndex int, price decimal.Decimal, attempt int) {
	if e.cfg.ChaseDelay > 0 {
		time.Sleep(e.cfg.ChaseDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := e.submit(ctx, job, price, attempt); err != nil {
		e.logger.Error("chase submission failed",
			"position_id", job.positionID,
			"attempt", attempt,
			"error", err,
		)
		e.failLot(job, lotIndex, KindSubmissionFailure)
	}
}

// failLot records a terminal failure for a lot. The position stays visible
// in FAILED state for manual intervention.
func (e *Executor) failLot(job *exitJob, lotIndex int, kind ErrorKind) {
	reason := types.ExitReasonFillFailure
	if kind == KindSubmissionFailure {
		reason = types.ExitReasonSubmissionFailure
	}

	if err := e.handler.OnPositionFailed(job.positionID, reason); err != nil {
		e.logger.Error("failed to mark position FAILED",
			"position_id", job.positionID,
			"error", err,
		)
	}
	if err := e.tracker.MarkLotFailed(job.positionID, lotIndex); err != nil {
		e.logger.Error("failed to close exit lot",
			"position_id", job.positionID,
			"lot", lotIndex,
			"error", err,
		)
	}
}

// abandon tears down an exit whose first submission never went out.
func (e *Executor) abandon(job *exitJob, reason types.ExitReason) {
	if err := e.handler.OnPositionFailed(job.positionID, reason); err != nil {
		e.logger.Error("failed to mark position FAILED",
			"position_id", job.positionID,
			"error", err,
		)
	}
	if err := e.tracker.MarkLotFailed(job.positionID, job.lotIndex); err != nil {
		e.logger.Error("failed to close exit lot",
			"position_id", job.positionID,
			"error", err,
		)
	}
	// OnExitComplete clears the lock and drops the job.
}

// OnExitComplete implements tracker.Listener. Every lot reached a terminal
// outcome: release the exit lock and drop the in-flight context.
func (e *Executor) OnExitComplete(positionID string, filled, cancelled int) {
	e.locks.ClearExit(positionID)

	e.mu.Lock()
	delete(e.jobs, positionID)
	e.mu.Unlock()

	e.logger.Info("exit attempt finished",
		"position_id", positionID,
		"filled", filled,
		"cancelled", cancelled,
	)
}

// Chases returns the number of chase orders submitted so far.
func (e *Executor) Chases() int64 {
	return e.chases.Load()
}

// InFlight returns the number of exits awaiting a terminal outcome.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

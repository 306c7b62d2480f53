package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tathienbao/multilot-bot/internal/metrics"
	"github.com/tathienbao/multilot-bot/internal/types"
)

// WriterConfig holds async writer configuration.
type WriterConfig struct {
	QueueCapacity int           // soft bound; beyond it every update coalesces or logs
	WriteRetries  int           // retry budget per durable write
	RetryBackoff  time.Duration // initial backoff, doubled per retry
	WriteTimeout  time.Duration // per-attempt deadline
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueCapacity: 1024,
		WriteRetries:  3,
		RetryBackoff:  50 * time.Millisecond,
		WriteTimeout:  5 * time.Second,
	}
}

// Stats holds writer counters.
type Stats struct {
	Scheduled int64
	Coalesced int64
	Written   int64
	Retried   int64
	Failed    int64
	Dropped   int64
	Depth     int
}

type taskKind int

const (
	taskGroup taskKind = iota
	taskPosition
	taskRiskState
)

type task struct {
	kind     taskKind
	key      string
	group    *types.StrategyGroup
	position *types.Position
	risk     *types.RiskState
}

// Writer applies state-store mutations off the hot path. Every scheduled
// update lands in the in-memory mirror synchronously, so readers get
// read-your-writes consistency, then the durable write is queued behind
// a single consumer loop. Same-key updates coalesce: only the latest
// value per key is pending at any time, which both bounds the queue and
// preserves per-key write order.
type Writer struct {
	cfg      WriterConfig
	store    Store
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu      sync.Mutex
	pending map[string]*task
	order   []string
	closed  bool

	scheduled int64
	coalesced int64
	written   int64
	retried   int64
	failed    int64
	dropped   int64

	mirrorMu   sync.RWMutex
	groups     map[string]*types.StrategyGroup
	positions  map[string]*types.Position
	riskStates map[string]*types.RiskState

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWriter creates a new async persistence writer.
func NewWriter(cfg WriterConfig, store Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultWriterConfig().QueueCapacity
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultWriterConfig().RetryBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriterConfig().WriteTimeout
	}

	return &Writer{
		cfg:        cfg,
		store:      store,
		logger:     logger,
		recorder:   metrics.NewRecorder(),
		pending:    make(map[string]*task),
		groups:     make(map[string]*types.StrategyGroup),
		positions:  make(map[string]*types.Position),
		riskStates: make(map[string]*types.RiskState),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the consumer loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop drains the queue and stops the consumer. Blocks until every
// pending write has been attempted or ctx expires.
func (w *Writer) Stop(ctx context.Context) error {
	w.once.Do(func() { close(w.done) })

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleGroup schedules a durable group update.
func (w *Writer) ScheduleGroup(g *types.StrategyGroup) {
	cp := *g
	w.mirrorMu.Lock()
	w.groups[cp.Key()] = &cp
	w.mirrorMu.Unlock()

	w.enqueue(&task{kind: taskGroup, key: "group:" + cp.Key(), group: &cp})
}

// SchedulePosition schedules a durable position update.
func (w *Writer) SchedulePosition(p *types.Position) {
	cp := p.Clone()
	w.mirrorMu.Lock()
	w.positions[cp.ID] = cp
	w.mirrorMu.Unlock()

	w.enqueue(&task{kind: taskPosition, key: "position:" + cp.ID, position: cp})
}

// ScheduleRiskState schedules a durable risk state update.
func (w *Writer) ScheduleRiskState(st *types.RiskState) {
	cp := *st
	w.mirrorMu.Lock()
	w.riskStates[cp.PositionID] = &cp
	w.mirrorMu.Unlock()

	w.enqueue(&task{kind: taskRiskState, key: "risk:" + cp.PositionID, risk: &cp})
}

// GetCachedPosition reads a position from the mirror, falling through to
// the store when the mirror has no entry (e.g. after restart).
func (w *Writer) GetCachedPosition(ctx context.Context, positionID string) (*types.Position, error) {
	w.mirrorMu.RLock()
	p, ok := w.positions[positionID]
	w.mirrorMu.RUnlock()
	if ok {
		return p.Clone(), nil
	}

	p, err := w.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	w.mirrorMu.Lock()
	w.positions[positionID] = p.Clone()
	w.mirrorMu.Unlock()

	return p, nil
}

// GetCachedRiskState reads a risk state from the mirror, falling through
// to the store when absent.
func (w *Writer) GetCachedRiskState(ctx context.Context, positionID string) (*types.RiskState, error) {
	w.mirrorMu.RLock()
	st, ok := w.riskStates[positionID]
	w.mirrorMu.RUnlock()
	if ok {
		cp := *st
		return &cp, nil
	}

	st, err := w.store.GetRiskState(ctx, positionID)
	if err != nil {
		return nil, err
	}

	w.mirrorMu.Lock()
	cp := *st
	w.riskStates[positionID] = &cp
	w.mirrorMu.Unlock()

	return st, nil
}

// GetCachedGroup reads a group from the mirror, falling through to the
// store when absent.
func (w *Writer) GetCachedGroup(ctx context.Context, tradeDate string, groupNo int) (*types.StrategyGroup, error) {
	key := (&types.StrategyGroup{TradeDate: tradeDate, GroupNo: groupNo}).Key()

	w.mirrorMu.RLock()
	g, ok := w.groups[key]
	w.mirrorMu.RUnlock()
	if ok {
		cp := *g
		return &cp, nil
	}

	g, err := w.store.GetGroup(ctx, tradeDate, groupNo)
	if err != nil {
		return nil, err
	}

	w.mirrorMu.Lock()
	cp := *g
	w.groups[key] = &cp
	w.mirrorMu.Unlock()

	return g, nil
}

// Stats returns writer counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Scheduled: w.scheduled,
		Coalesced: w.coalesced,
		Written:   w.written,
		Retried:   w.retried,
		Failed:    w.failed,
		Dropped:   w.dropped,
		Depth:     len(w.order),
	}
}

// enqueue adds or coalesces a task. Never blocks the producer.
func (w *Writer) enqueue(t *task) {
	w.mu.Lock()
	if w.closed {
		w.dropped++
		w.mu.Unlock()
		w.logger.Warn("state update dropped",
			"key", t.key,
			"err", types.ErrQueueClosed,
		)
		return
	}
	w.scheduled++

	if _, exists := w.pending[t.key]; exists {
		// Same-key update: replace the pending value, keep its
		// position in the FIFO order.
		w.pending[t.key] = t
		w.coalesced++
		w.recorder.RecordCoalesced()
		w.mu.Unlock()
		return
	}

	w.pending[t.key] = t
	w.order = append(w.order, t.key)
	depth := len(w.order)
	w.recorder.RecordQueueDepth(depth)
	w.mu.Unlock()

	if depth > w.cfg.QueueCapacity {
		w.logger.Warn("persistence backlog above capacity",
			"depth", depth,
			"capacity", w.cfg.QueueCapacity,
		)
	}

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Writer) dequeue() (*task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.order) == 0 {
		return nil, false
	}

	key := w.order[0]
	w.order = w.order[1:]
	t := w.pending[key]
	delete(w.pending, key)
	w.recorder.RecordQueueDepth(len(w.order))

	return t, true
}

func (w *Writer) loop() {
	defer w.wg.Done()

	for {
		t, ok := w.dequeue()
		if ok {
			w.apply(t)
			continue
		}

		select {
		case <-w.notify:
		case <-w.done:
			w.drain()
			return
		}
	}
}

// drain flushes whatever is still queued at shutdown.
func (w *Writer) drain() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	for {
		t, ok := w.dequeue()
		if !ok {
			return
		}
		w.apply(t)
	}
}

// apply performs one durable write with bounded retries and backoff.
// Failures are logged and counted; they never propagate to the caller.
func (w *Writer) apply(t *task) {
	backoff := w.cfg.RetryBackoff

	for attempt := 0; ; attempt++ {
		err := w.write(t)
		if err == nil {
			w.mu.Lock()
			w.written++
			w.mu.Unlock()
			w.recorder.RecordWrite()
			return
		}

		if attempt >= w.cfg.WriteRetries {
			w.mu.Lock()
			w.failed++
			w.mu.Unlock()
			w.recorder.RecordWriteFailure()
			w.logger.Error("durable write failed, retry budget exhausted",
				"key", t.key,
				"attempts", attempt+1,
				"err", fmt.Errorf("%w: %v", types.ErrDatabaseWrite, err),
			)
			return
		}

		w.mu.Lock()
		w.retried++
		w.mu.Unlock()
		w.logger.Warn("durable write failed, retrying",
			"key", t.key,
			"attempt", attempt+1,
			"err", err,
		)

		time.Sleep(backoff)
		backoff *= 2
	}
}

func (w *Writer) write(t *task) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()

	switch t.kind {
	case taskGroup:
		return w.store.SaveGroup(ctx, t.group)
	case taskPosition:
		return w.store.SavePosition(ctx, t.position)
	default:
		return w.store.SaveRiskState(ctx, t.risk)
	}
}

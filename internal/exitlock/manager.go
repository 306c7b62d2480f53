// Package exitlock implements the global per-position exit lock.
//
// The lock guarantees at most one in-flight exit attempt per position,
// regardless of which trigger source (trailing stop, initial stop,
// protective stop, manual) evaluated the exit. Leases expire after a
// bounded TTL as a safety valve against lost broker callbacks; an
// expired lease is an anomaly, not normal flow.
package exitlock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tathienbao/multilot-bot/internal/metrics"
	"github.com/tathienbao/multilot-bot/internal/types"
)

// Lock records one outstanding exit attempt.
type Lock struct {
	PositionID string
	Source     types.TriggerSource
	Reason     types.ExitReason
	Detail     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Age returns how long the lock has been held.
func (l Lock) Age(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

// Config holds lock manager configuration.
type Config struct {
	LeaseTTL      time.Duration // lease window for one exit attempt
	SweepInterval time.Duration // janitor interval for expired leases
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:      30 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

// Manager is the single source of truth for "is an exit in flight".
// Thread-safe for concurrent access.
type Manager struct {
	mu    sync.Mutex
	locks map[string]Lock

	cfg    Config
	logger *slog.Logger
	rec    *metrics.Recorder

	// Counters for operational visibility.
	acquired int64
	rejected int64
	expired  int64

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewManager creates a new exit lock manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	return &Manager{
		locks:  make(map[string]Lock),
		cfg:    cfg,
		logger: logger,
		rec:    metrics.NewRecorder(),
		done:   make(chan struct{}),
	}
}

// MarkExit attempts to acquire the exit lock for a position. It is an
// atomic test-and-set: a second caller for the same position within the
// lease window fails and must not submit an order. An expired lease is
// reclaimed in place and logged as an anomaly.
func (m *Manager) MarkExit(positionID string, source types.TriggerSource, reason types.ExitReason, detail string) bool {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.locks[positionID]; ok {
		if now.Before(existing.ExpiresAt) {
			m.rejected++
			m.rec.RecordLockRejected()
			m.logger.Debug("exit lock rejected",
				"position_id", positionID,
				"source", source,
				"held_by", existing.Source,
				"held_for", existing.Age(now),
			)
			return false
		}

		// Lease expired without a terminal callback.
		m.expired++
		m.rec.RecordLockExpired()
		m.logger.Warn("reclaiming expired exit lock",
			"position_id", positionID,
			"held_by", existing.Source,
			"held_for", existing.Age(now),
		)
	}

	m.locks[positionID] = Lock{
		PositionID: positionID,
		Source:     source,
		Reason:     reason,
		Detail:     detail,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.cfg.LeaseTTL),
	}
	m.acquired++
	m.rec.RecordLockAcquired()

	return true
}

// CheckExitInProgress returns the current lock for a position, if any.
// Expired leases are not reported as in progress.
func (m *Manager) CheckExitInProgress(positionID string) (Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[positionID]
	if !ok {
		return Lock{}, false
	}
	if !time.Now().Before(lock.ExpiresAt) {
		return Lock{}, false
	}
	return lock, true
}

// ClearExit releases the lock for a position. Called on terminal
// fill/cancel-exhaustion. Clearing an absent lock is a no-op.
func (m *Manager) ClearExit(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, positionID)
}

// ClearExpiredLocks removes locks older than maxAge and returns the
// positions that were reclaimed.
func (m *Manager) ClearExpiredLocks(maxAge time.Duration) []string {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var reclaimed []string
	for id, lock := range m.locks {
		if lock.Age(now) >= maxAge {
			delete(m.locks, id)
			m.expired++
			m.rec.RecordLockExpired()
			reclaimed = append(reclaimed, id)
			m.logger.Warn("cleared expired exit lock",
				"position_id", id,
				"source", lock.Source,
				"age", lock.Age(now),
			)
		}
	}

	return reclaimed
}

// ClearAllLocks force-releases every lock. Operational escape hatch.
func (m *Manager) ClearAllLocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.locks)
	m.locks = make(map[string]Lock)
	if n > 0 {
		m.logger.Warn("force-cleared all exit locks", "count", n)
	}
	return n
}

// Snapshot returns a copy of all held locks for inspection.
func (m *Manager) Snapshot() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Lock, 0, len(m.locks))
	for _, lock := range m.locks {
		out = append(out, lock)
	}
	return out
}

// Stats returns acquisition counters.
func (m *Manager) Stats() (acquired, rejected, expired int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.rejected, m.expired
}

// Start launches the expiry janitor. Safe to call once.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.ClearExpiredLocks(m.cfg.LeaseTTL)
		}
	}
}

// Stop shuts down the janitor and waits for it to finish.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

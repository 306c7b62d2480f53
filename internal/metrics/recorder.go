package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordTick records one processed tick and its evaluation latency.
func (r *Recorder) RecordTick(elapsed time.Duration) {
	TicksProcessed.Inc()
	TickLatency.Observe(elapsed.Seconds())
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordExitTriggered records an exit intent by reason.
func (r *Recorder) RecordExitTriggered(reason string) {
	ExitsTriggered.WithLabelValues(reason).Inc()
}

// RecordExitResult records a terminal exit outcome.
func (r *Recorder) RecordExitResult(result string) {
	ExitResults.WithLabelValues(result).Inc()
}

// RecordChase records a price-chasing resubmission.
func (r *Recorder) RecordChase() {
	ChaseAttempts.Inc()
}

// RecordOrderSubmit records broker submission latency.
func (r *Recorder) RecordOrderSubmit(elapsed time.Duration) {
	OrderSubmitLatency.Observe(elapsed.Seconds())
}

// RecordLockAcquired records an exit lock acquisition.
func (r *Recorder) RecordLockAcquired() {
	LockAcquired.Inc()
}

// RecordLockRejected records a duplicate exit attempt.
func (r *Recorder) RecordLockRejected() {
	LockRejected.Inc()
}

// RecordLockExpired records a reclaimed lease.
func (r *Recorder) RecordLockExpired() {
	LockExpired.Inc()
}

// RecordPositionsOpen records the size of the risk cache.
func (r *Recorder) RecordPositionsOpen(n int) {
	PositionsOpen.Set(float64(n))
}

// RecordQueueDepth records the persistence backlog.
func (r *Recorder) RecordQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

// RecordCoalesced records a merged same-key update.
func (r *Recorder) RecordCoalesced() {
	WritesCoalesced.Inc()
}

// RecordWrite records a completed durable write.
func (r *Recorder) RecordWrite() {
	WritesCompleted.Inc()
}

// RecordWriteFailure records a write that exhausted its retries.
func (r *Recorder) RecordWriteFailure() {
	WriteFailures.Inc()
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordRealizedPnL accumulates realized PnL in points.
func (r *Recorder) RecordRealizedPnL(points decimal.Decimal) {
	RealizedPnL.Add(points.InexactFloat64())
}

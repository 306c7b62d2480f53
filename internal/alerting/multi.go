package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// MultiAlerter fans an alert out to every configured sink in parallel.
// One slow or failing sink must not hold back the others, so each runs
// in its own goroutine and the failures are joined afterwards.
type MultiAlerter struct {
	mu     sync.RWMutex
	sinks  []Alerter
	logger *slog.Logger
}

func NewMultiAlerter(logger *slog.Logger, sinks ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{sinks: sinks, logger: logger}
}

func (m *MultiAlerter) Name() string { return "multi" }

// AddAlerter registers another sink.
func (m *MultiAlerter) AddAlerter(a Alerter) {
	m.mu.Lock()
	m.sinks = append(m.sinks, a)
	m.mu.Unlock()
}

// Alert delivers to every sink and returns the joined failures, nil
// when all sinks accepted the alert.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	sinks := append([]Alerter(nil), m.sinks...)
	m.mu.RUnlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, sink := range sinks {
		wg.Add(1)
		go func(a Alerter) {
			defer wg.Done()
			if err := a.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Error("alert sink failed",
					"sink", a.Name(),
					"severity", severity.String(),
					"error", err,
				)
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(sink)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// AlertEvent delivers an alert using the severity mapped to the event.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	return m.Alert(ctx, EventSeverity(event), message, fields...)
}

package alerting

import (
	"context"
	"strings"
	"sync"
)

// MockAlert is one alert recorded by the mock sink.
type MockAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// MockAlerter records alerts in memory so tests can assert on them.
// It also serves as the no-op sink when alerting is disabled.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
}

func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

func (m *MockAlerter) Name() string { return "mock" }

func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.mu.Lock()
	m.alerts = append(m.alerts, MockAlert{Severity: severity, Message: message, Fields: fields})
	m.mu.Unlock()
	return nil
}

// Alerts returns a copy of everything recorded so far.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockAlert(nil), m.alerts...)
}

func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

func (m *MockAlerter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
}

// HasAlertContaining reports whether any recorded message contains substr.
func (m *MockAlerter) HasAlertContaining(substr string) bool {
	return m.find(func(a MockAlert) bool { return strings.Contains(a.Message, substr) })
}

// HasAlertWithSeverity reports whether any recorded alert carries the severity.
func (m *MockAlerter) HasAlertWithSeverity(severity Severity) bool {
	return m.find(func(a MockAlert) bool { return a.Severity == severity })
}

// LastAlert returns the most recent alert, nil when none were recorded.
func (m *MockAlerter) LastAlert() *MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return nil
	}
	cp := m.alerts[len(m.alerts)-1]
	return &cp
}

func (m *MockAlerter) find(match func(MockAlert) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if match(a) {
			return true
		}
	}
	return false
}

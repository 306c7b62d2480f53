// Package alerting delivers operational notifications for the exit
// management bot. FAILED positions and expired exit locks require a
// human to flatten or reconcile at the broker, so those events are
// escalated above routine trade notifications.
package alerting

import (
	"context"
	"fmt"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for routine trade notifications.
	SeverityInfo Severity = iota
	// SeverityWarning is for degraded but self-recovering conditions.
	SeverityWarning
	// SeverityHigh is for conditions needing prompt attention.
	SeverityHigh
	// SeverityCritical is for positions requiring manual intervention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// FormatFields converts variadic key-value pairs to a bullet list.
func FormatFields(fields ...any) string {
	if len(fields) == 0 {
		return ""
	}

	result := ""
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		value := fields[i+1]
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("• %s: %v", key, value)
	}
	return result
}

// AlertEvent represents a pre-defined alert event type. The config's
// alerting.events list filters by these names.
type AlertEvent string

const (
	// EventGroupCreated is sent when a new strategy group is registered.
	EventGroupCreated AlertEvent = "group_created"
	// EventEntryFilled is sent when a lot's entry fill is confirmed.
	EventEntryFilled AlertEvent = "entry_filled"
	// EventExitTriggered is sent when a stop fires and an exit begins.
	EventExitTriggered AlertEvent = "exit_triggered"
	// EventPositionClosed is sent when an exit order fills.
	EventPositionClosed AlertEvent = "position_closed"
	// EventPositionFailed is sent when a lot enters FAILED state and
	// must be flattened manually at the broker.
	EventPositionFailed AlertEvent = "position_failed"
	// EventChaseExhausted is sent when a lot's retry budget runs out.
	EventChaseExhausted AlertEvent = "chase_exhausted"
	// EventLockExpired is sent when an exit lock lease expires without
	// a terminal order report.
	EventLockExpired AlertEvent = "lock_expired"
	// EventPersistenceStalled is sent when the async writer falls behind.
	EventPersistenceStalled AlertEvent = "persistence_stalled"
	// EventConnectionLost is sent when the broker connection drops.
	EventConnectionLost AlertEvent = "connection_lost"
	// EventConnectionRestored is sent when the broker connection returns.
	EventConnectionRestored AlertEvent = "connection_restored"
	// EventSessionSummary is sent for the end-of-session report.
	EventSessionSummary AlertEvent = "session_summary"
	// EventBotStarted is sent when the bot starts.
	EventBotStarted AlertEvent = "bot_started"
	// EventBotStopped is sent when the bot stops.
	EventBotStopped AlertEvent = "bot_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventPositionFailed:
		return SeverityCritical
	case EventChaseExhausted, EventLockExpired:
		return SeverityHigh
	case EventPersistenceStalled, EventConnectionLost:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

package events

import "time"

// Event enumerates audit topics inside the execution core.
type Event string

const (
	EventSignalExecuted     Event = "signal.executed"
	EventSignalSkipped      Event = "signal.skipped"
	EventSignalError        Event = "signal.error"
	EventOrderUnconfirmed   Event = "order.unconfirmed"
	EventPositionOpened     Event = "position.opened"
	EventPositionProtected  Event = "position.protected"
	EventProtectionFailed   Event = "position.protection_failed"
	EventPositionClosed     Event = "position.closed"
	EventReconciled         Event = "reconcile.completed"
	EventReconcileRequested Event = "reconcile.requested"
)

// AuditTopics are persisted by the audit writer.
var AuditTopics = []Event{
	EventSignalExecuted, EventSignalSkipped, EventSignalError, EventOrderUnconfirmed,
	EventPositionOpened, EventPositionProtected, EventProtectionFailed, EventPositionClosed,
	EventReconciled,
}

// Message is what subscribers receive.
type Message struct {
	Topic   Event
	At      time.Time
	Payload any
}

// Audit is the common payload for state transitions.
type Audit struct {
	Exchange string         `json:"exchange,omitempty"`
	Symbol   string         `json:"symbol,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

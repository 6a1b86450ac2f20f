// Package monitor counts execution events and raises alerts for the ones an
// operator must look at.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"execution-core/internal/events"
)

// alertTopics need an operator.
var alertTopics = map[events.Event]bool{
	events.EventSignalError:      true,
	events.EventOrderUnconfirmed: true,
	events.EventProtectionFailed: true,
}

// Monitor watches events, updates metrics and emits alerts.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Sink    AlertSink
}

// Start consumes audit events until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	if m.Sink == nil {
		m.Sink = LogSink{}
	}
	m.Metrics.SetBusDropped(m.Bus.Dropped)
	stream, unsub := m.Bus.Subscribe(256, events.AuditTopics...)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(msg)
			}
		}
	}()
}

func (m *Monitor) handle(msg events.Message) {
	audit, _ := msg.Payload.(events.Audit)
	switch msg.Topic {
	case events.EventSignalExecuted:
		m.Metrics.IncrementExecuted()
		m.recordLatency(audit)
	case events.EventSignalSkipped:
		m.Metrics.IncrementSkipped()
	case events.EventSignalError:
		m.Metrics.IncrementSignalErrors()
		m.recordLatency(audit)
	case events.EventOrderUnconfirmed:
		m.Metrics.IncrementUnconfirmed()
	case events.EventPositionOpened:
		m.Metrics.IncrementOpened()
	case events.EventPositionClosed:
		m.Metrics.IncrementClosed()
	case events.EventProtectionFailed:
		m.Metrics.IncrementProtectionFailures()
	case events.EventReconciled:
		m.Metrics.IncrementReconciliations()
	}
	if alertTopics[msg.Topic] {
		if err := m.Sink.Send(formatAlert(msg.At, msg.Topic, audit)); err != nil {
			log.Printf("❌ monitor: alert delivery failed: %v", err)
		}
	}
}

func (m *Monitor) recordLatency(a events.Audit) {
	switch v := a.Fields["latency_ms"].(type) {
	case int64:
		m.Metrics.EntryLatency.Record(float64(v))
	case float64:
		m.Metrics.EntryLatency.Record(v)
	}
}

func formatAlert(at time.Time, topic events.Event, a events.Audit) string {
	msg := fmt.Sprintf("[%s] %s %s %s", at.UTC().Format(time.RFC3339), topic, a.Exchange, a.Symbol)
	if a.Detail != "" {
		msg += ": " + a.Detail
	}
	return msg
}

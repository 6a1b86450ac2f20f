package scheduler

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"execution-core/internal/protection"
	"execution-core/internal/reconciliation"
)

type countingReconciler struct {
	calls   atomic.Int32
	execute atomic.Bool
}

func (c *countingReconciler) Reconcile(_ context.Context, execute bool) ([]reconciliation.Report, error) {
	c.calls.Add(1)
	c.execute.Store(execute)
	return []reconciliation.Report{{Exchange: "binance", HasDiffs: true}}, nil
}

type countingMonitor struct{ calls atomic.Int32 }

func (c *countingMonitor) Monitor(context.Context) (protection.MonitorStats, error) {
	c.calls.Add(1)
	return protection.MonitorStats{}, nil
}

type countingJanitor struct{ calls atomic.Int32 }

func (c *countingJanitor) ClearOldEntries() int {
	c.calls.Add(1)
	return 1
}

func TestSchedulerRunsJobs(t *testing.T) {
	rec, mon, jan := &countingReconciler{}, &countingMonitor{}, &countingJanitor{}
	s, err := New(Config{
		ReconcileSchedule: "* * * * * *",
		ReconcileExecute:  true,
		MonitorSchedule:   "* * * * * *",
		JanitorSchedule:   "* * * * * *",
	}, rec, mon, jan)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Jobs(); !reflect.DeepEqual(got, []string{"guard-janitor", "protection-monitor", "reconcile"}) {
		t.Fatalf("jobs=%v", got)
	}

	s.Start()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec.calls.Load() > 0 && mon.calls.Load() > 0 && jan.calls.Load() > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()

	if rec.calls.Load() == 0 || mon.calls.Load() == 0 || jan.calls.Load() == 0 {
		t.Fatalf("calls reconcile=%d monitor=%d janitor=%d, expected all > 0", rec.calls.Load(), mon.calls.Load(), jan.calls.Load())
	}
	if !rec.execute.Load() {
		t.Fatalf("reconcile ran as dry run, expected execute")
	}
}

func TestSchedulerConfig(t *testing.T) {
	s, err := New(Config{MonitorSchedule: "*/30 * * * * *"}, &countingReconciler{}, &countingMonitor{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Jobs(); !reflect.DeepEqual(got, []string{"protection-monitor"}) {
		t.Fatalf("jobs=%v, expected only the monitor", got)
	}

	if _, err := New(Config{ReconcileSchedule: "every five minutes"}, &countingReconciler{}, nil, nil); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}

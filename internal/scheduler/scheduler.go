// Package scheduler runs the periodic maintenance jobs of the core on cron
// schedules (six fields, seconds first).
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"execution-core/internal/protection"
	"execution-core/internal/reconciliation"
)

// Reconciler diffs local and exchange positions.
type Reconciler interface {
	Reconcile(ctx context.Context, execute bool) ([]reconciliation.Report, error)
}

// Monitor walks open positions and keeps them protected.
type Monitor interface {
	Monitor(ctx context.Context) (protection.MonitorStats, error)
}

// Janitor drops expired guard entries.
type Janitor interface {
	ClearOldEntries() int
}

// Config selects the jobs and their schedules. An empty schedule disables
// the job.
type Config struct {
	ReconcileSchedule string
	ReconcileExecute  bool
	MonitorSchedule   string
	JanitorSchedule   string
	JobTimeout        time.Duration
}

// Scheduler manages scheduled tasks
type Scheduler struct {
	cron    *cron.Cron
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

// New registers the jobs whose collaborator and schedule are both set.
func New(cfg Config, rec Reconciler, mon Monitor, jan Janitor) (*Scheduler, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	logger := cron.PrintfLogger(log.Default())
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}

	if rec != nil {
		if err := s.add("reconcile", cfg.ReconcileSchedule, func(ctx context.Context) {
			reports, err := rec.Reconcile(ctx, cfg.ReconcileExecute)
			if err != nil {
				log.Printf("ERROR: [CRON] reconcile: %v", err)
			}
			for _, r := range reports {
				if r.HasDiffs {
					log.Printf("[CRON] reconcile %s: add=%v remove=%v update=%v synced=%d dry_run=%v",
						r.Exchange, r.ToAdd, r.ToRemove, r.ToUpdate, r.SyncedCount, r.DryRun)
				}
			}
		}); err != nil {
			cancel()
			return nil, err
		}
	}
	if mon != nil {
		if err := s.add("protection-monitor", cfg.MonitorSchedule, func(ctx context.Context) {
			if _, err := mon.Monitor(ctx); err != nil {
				log.Printf("ERROR: [CRON] protection monitor: %v", err)
			}
		}); err != nil {
			cancel()
			return nil, err
		}
	}
	if jan != nil {
		if err := s.add("guard-janitor", cfg.JanitorSchedule, func(context.Context) {
			if n := jan.ClearOldEntries(); n > 0 {
				log.Printf("[CRON] guard: cleared %d expired entries", n)
			}
		}); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, job func(ctx context.Context)) error {
	if spec == "" {
		return nil
	}
	id, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
		defer cancel()
		job(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.entries[name] = id
	return nil
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("[OK] Scheduler started: %v", s.Jobs())
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	log.Println("Stopping scheduler...")
	s.cancel()
	<-s.cron.Stop().Done()
	log.Println("[OK] Scheduler stopped")
}

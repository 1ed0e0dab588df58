// Package reconcile runs the daemon-wide periodic sweep that SPEC_FULL.md
// §11 keeps from the teacher's internal/cronjob dependency surface
// (robfig/cron/v3) after dropping internal/cronjob's own indexed/parallel
// job-group machinery: a single scheduled function, not a tree of
// independently-scheduled process jobs. It is a safety net underneath the
// Timer Service's own per-slave timers (spec.md §4.1), not a replacement
// for them — it catches records a crashed or skipped timer callback left
// behind.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/dataprovider/slaved/internal/registry"
	"github.com/dataprovider/slaved/internal/slave"
	"github.com/dataprovider/slaved/internal/supervisor"
)

// Sweeper periodically scans the registry for slaves stuck in a state the
// normal timer-driven lifecycle should already have moved on from, and
// nudges them — grounded on the teacher's internal/cronjob.CronJob, which
// wraps a *cron.Cron the same way.
type Sweeper struct {
	mu        sync.RWMutex
	reg       *registry.Registry
	sup       *supervisor.Supervisor
	scheduler *cron.Cron
	entryID   cron.EntryID
	running   bool

	lastRun   int
	lastFound int
}

// New constructs a Sweeper. Nothing is scheduled until Start is called
// with a robfig/cron expression.
func New(reg *registry.Registry, sup *supervisor.Supervisor) *Sweeper {
	return &Sweeper{reg: reg, sup: sup, scheduler: cron.New()}
}

// Start schedules the sweep. Calling Start twice returns an error.
func (s *Sweeper) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("reconcile: already started")
	}
	entryID, err := s.scheduler.AddFunc(schedule, s.sweepOnce)
	if err != nil {
		return fmt.Errorf("reconcile: bad schedule %q: %w", schedule, err)
	}
	s.entryID = entryID
	s.running = true
	s.scheduler.Start()
	slog.Info("reconcile: sweep scheduled", "schedule", schedule)
	return nil
}

// Stop cancels the scheduled sweep. Safe to call on an unstarted Sweeper.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.scheduler.Stop()
	<-ctx.Done()
	s.running = false
	slog.Info("reconcile: sweep stopped")
}

// SweepNow runs one sweep synchronously. The admin API has no route for
// it; tests call it directly.
func (s *Sweeper) SweepNow() {
	s.sweepOnce()
}

// sweepOnce looks for slaves whose pid went away without a matching
// Deactivated call ever landing (the only way this should legitimately
// happen is a crashed launcher goroutine) and force-completes their
// termination so the registry doesn't pin a dead record forever.
func (s *Sweeper) sweepOnce() {
	all := s.reg.All()
	found := 0
	for _, sl := range all {
		if isStuckTerminating(sl) {
			found++
			slog.Warn("reconcile: forcing stuck terminate to completion", "slave", sl.Name())
			s.sup.Deactivated(context.Background(), sl)
		}
	}
	s.mu.Lock()
	s.lastRun++
	s.lastFound = found
	s.mu.Unlock()
}

// isStuckTerminating reports a slave that has been told to terminate but
// carries no pid to wait on — Deactivate already handles the no-pid case
// synchronously, so in steady operation this is never true; it only fires
// if a bug elsewhere left the state machine half-finished.
func isStuckTerminating(sl *slave.Slave) bool {
	return sl.State() == slave.StateRequestedTerminate && sl.PID() == slave.NonePID
}

// Stats reports the sweep's own run count and the slaves found wedged on
// its most recent pass. The admin API does not expose it.
type Stats struct {
	Runs         int
	LastRunFound int
}

func (s *Sweeper) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Runs: s.lastRun, LastRunFound: s.lastFound}
}

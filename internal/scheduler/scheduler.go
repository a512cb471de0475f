// Package scheduler is the in-process job runner: periodic jobs with
// non-reentrant execution, fire-and-forget one-shots, per-signal single
// flight and a watchdog that revives stalled periodic jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc is the unit of scheduled work.
type JobFunc func(ctx context.Context)

type periodicJob struct {
	name  string
	every time.Duration
	fn    JobFunc

	// runMu guarantees at most one concurrent execution; a tick that finds
	// the previous run still going is skipped, not queued.
	runMu sync.Mutex

	mu        sync.Mutex
	lastStart time.Time
	lastDone  time.Time
	runs      int64
}

func (j *periodicJob) markStart(now time.Time) {
	j.mu.Lock()
	j.lastStart = now
	j.runs++
	j.mu.Unlock()
}

func (j *periodicJob) markDone(now time.Time) {
	j.mu.Lock()
	j.lastDone = now
	j.mu.Unlock()
}

func (j *periodicJob) snapshot() (lastStart, lastDone time.Time, runs int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastStart, j.lastDone, j.runs
}

// Scheduler hosts all background work. Register jobs before Start; Stop
// waits for in-flight runs to finish.
type Scheduler struct {
	log zerolog.Logger

	mu        sync.Mutex
	jobs      map[string]*periodicJob
	order     []string
	active    map[int64]struct{} // signal ids with a running one-shot
	started   bool
	startedAt time.Time

	watchdogEvery time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:           logger.With().Str("component", "scheduler").Logger(),
		jobs:          make(map[string]*periodicJob),
		active:        make(map[int64]struct{}),
		watchdogEvery: 30 * time.Second,
		stopChan:      make(chan struct{}),
	}
}

// SetWatchdogInterval overrides the watchdog cadence. Call before Start.
func (s *Scheduler) SetWatchdogInterval(d time.Duration) {
	if d > 0 {
		s.watchdogEvery = d
	}
}

// RegisterPeriodic adds a named periodic job. Returns an error after Start
// or on a duplicate name.
func (s *Scheduler) RegisterPeriodic(name string, every time.Duration, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("failed to register %s: scheduler already started", name)
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("failed to register %s: duplicate job name", name)
	}
	s.jobs[name] = &periodicJob{name: name, every: every, fn: fn}
	s.order = append(s.order, name)
	return nil
}

// Start launches one ticker goroutine per registered job plus the watchdog.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.startedAt = time.Now()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, name := range names {
		job := s.jobs[name]
		s.wg.Add(1)
		go s.runPeriodic(ctx, job)
	}

	s.wg.Add(1)
	go s.runWatchdog(ctx)

	s.log.Info().Int("jobs", len(names)).Msg("scheduler started")
}

// Stop signals all loops and waits for them.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runPeriodic(ctx context.Context, job *periodicJob) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.executeJob(ctx, job)
		}
	}
}

// executeJob runs the job once, skipping if the previous run is still active.
func (s *Scheduler) executeJob(ctx context.Context, job *periodicJob) {
	if !job.runMu.TryLock() {
		s.log.Warn().Str("job", job.name).Msg("previous run still active, skipping tick")
		return
	}
	defer job.runMu.Unlock()

	job.markStart(time.Now())
	defer job.markDone(time.Now())
	s.safeRun(ctx, job.name, job.fn)
}

// ScheduleOnce fires a named job after delay. Delivery is at-least-once;
// callers are expected to be idempotent.
func (s *Scheduler) ScheduleOnce(ctx context.Context, name string, delay time.Duration, fn JobFunc) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		s.safeRun(ctx, name, fn)
	}()
}

// RunSignalJob runs fn for a signal id with at most one active task per id.
// Returns false when a task for the id is already in flight.
func (s *Scheduler) RunSignalJob(ctx context.Context, name string, signalID int64, fn JobFunc) bool {
	s.mu.Lock()
	if _, busy := s.active[signalID]; busy {
		s.mu.Unlock()
		s.log.Debug().Str("job", name).Int64("signal_id", signalID).Msg("signal task already active")
		return false
	}
	s.active[signalID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, signalID)
			s.mu.Unlock()
		}()
		s.safeRun(ctx, name, fn)
	}()
	return true
}

// ForceRun triggers a registered periodic job immediately, honoring its
// non-reentrancy. Returns false for an unknown job.
func (s *Scheduler) ForceRun(ctx context.Context, name string) bool {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(ctx, job)
	}()
	return true
}

// runWatchdog revives periodic jobs whose last completion is further back
// than three periods. A goroutine cannot be killed, so a run stuck beyond
// that horizon is logged and a fresh run is attempted once the lock frees.
func (s *Scheduler) runWatchdog(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.watchdogEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkJobs(ctx)
		}
	}
}

func (s *Scheduler) checkJobs(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	startedAt := s.startedAt
	s.mu.Unlock()

	for _, name := range names {
		job := s.jobs[name]
		lastStart, lastDone, runs := job.snapshot()
		horizon := 3 * job.every

		if runs > 0 && lastDone.Before(lastStart) && now.Sub(lastStart) > horizon {
			s.log.Error().Str("job", name).Time("started", lastStart).Msg("job run appears stuck")
			continue
		}
		stalled := now.Sub(lastDone) > horizon
		if runs == 0 {
			stalled = now.Sub(startedAt) > horizon
		}
		if stalled {
			s.log.Warn().Str("job", name).Msg("job stalled, forcing a run")
			s.wg.Add(1)
			go func(j *periodicJob) {
				defer s.wg.Done()
				s.executeJob(ctx, j)
			}(job)
		}
	}
}

// safeRun isolates panics so one job cannot take down the process.
func (s *Scheduler) safeRun(ctx context.Context, name string, fn JobFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job", name).Interface("panic", r).Msg("job panicked")
		}
	}()
	start := time.Now()
	fn(ctx)
	s.log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
}

// Package polling watches outstanding generation jobs until they reach a
// terminal status or run out of wall-clock budget.
package polling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/reelsmith/reelsmith/plugin/generation"
)

// TerminalUpdate is the single terminal notification delivered per watched
// job.
type TerminalUpdate struct {
	JobID  string
	Status generation.JobStatus
	// Timeout marks a synthetic failure from the wall-clock cutoff rather
	// than a status reported by the backend.
	Timeout bool
}

// Config holds the scheduler settings.
type Config struct {
	// Interval is the fixed delay between a poll response and the next
	// poll. A slow backend naturally spaces calls out.
	Interval time.Duration
	// Timeout is the wall-clock budget per job. When exceeded the
	// scheduler synthesizes a failed status with a timeout error.
	Timeout time.Duration
	// MaxConcurrent caps in-flight poll calls across all jobs.
	MaxConcurrent int64
}

type watch struct {
	cancel context.CancelFunc
}

// Scheduler polls each registered job independently and concurrently,
// multiplexed over a bounded semaphore so session count never translates
// into unbounded backend pressure.
type Scheduler struct {
	client generation.Client
	config Config
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*watch

	// now and sleep are injectable for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates a scheduler polling through the given client.
func NewScheduler(client generation.Client, config Config) *Scheduler {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 16
	}
	return &Scheduler{
		client: client,
		config: config,
		sem:    semaphore.NewWeighted(config.MaxConcurrent),
		logger: slog.Default(),
		jobs:   make(map[string]*watch),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// SetClock overrides the scheduler's clock and sleeper. Test hook.
func (s *Scheduler) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	s.now = now
	s.sleep = sleep
}

// Watch starts polling the job and delivers exactly one terminal update to
// notify, unless the watch is cancelled first. Watching an already-watched
// job ID is a no-op.
func (s *Scheduler) Watch(jobID string, handle generation.JobHandle, notify func(TerminalUpdate)) {
	s.mu.Lock()
	if _, exists := s.jobs[jobID]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.jobs[jobID] = &watch{cancel: cancel}
	s.mu.Unlock()

	go s.run(ctx, jobID, handle, notify)
}

// Cancel stops future polls for the job. A poll already in flight completes
// but its result is discarded.
func (s *Scheduler) Cancel(jobID string) {
	s.mu.Lock()
	w, ok := s.jobs[jobID]
	if ok {
		delete(s.jobs, jobID)
	}
	s.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Watching reports whether the job is currently being polled.
func (s *Scheduler) Watching(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

func (s *Scheduler) run(ctx context.Context, jobID string, handle generation.JobHandle, notify func(TerminalUpdate)) {
	deadline := s.now().Add(s.config.Timeout)

	finish := func(status generation.JobStatus, timedOut bool) {
		s.mu.Lock()
		_, active := s.jobs[jobID]
		delete(s.jobs, jobID)
		s.mu.Unlock()
		// A cancelled watch never notifies: its result is discarded even
		// when the poll response raced the cancellation.
		if active && ctx.Err() == nil {
			notify(TerminalUpdate{JobID: jobID, Status: status, Timeout: timedOut})
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if !s.now().Before(deadline) {
			finish(generation.JobStatus{
				State: generation.JobStateFailed,
				Error: "polling timed out",
			}, true)
			return
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		status, err := s.client.PollJob(ctx, handle)
		s.sem.Release(1)

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			// Poll errors are not terminal: the job may still be running.
			// Keep polling until the wall-clock budget runs out.
			s.logger.Warn("poll failed", "job_id", jobID, "error", err)
		} else if status.State.IsTerminal() {
			finish(*status, false)
			return
		}

		if err := s.sleep(ctx, s.config.Interval); err != nil {
			return
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package scheduler runs named jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harunnryd/kotoba/internal/concurrency"
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
)

const (
	DefaultTickInterval    = time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Job is a unit of scheduled work. Schedule uses the standard five-field cron syntax.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type entry struct {
	job      Job
	schedule cron.Schedule
	next     time.Time
	inFlight bool
	runs     int
}

// Scheduler checks its jobs on every tick and starts those that are due. A job still running
// from its previous fire is skipped, not queued.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	ticker  *time.Ticker

	tickInterval    time.Duration
	shutdownTimeout time.Duration
	now             func() time.Time
}

func New(tickInterval, shutdownTimeout time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Scheduler{
		entries:         make(map[string]*entry),
		tickInterval:    tickInterval,
		shutdownTimeout: shutdownTimeout,
		now:             time.Now,
	}
}

// Add registers a job. Names are unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return kotobaErrors.Validation("job name is empty")
	}
	if job.Run == nil {
		return kotobaErrors.Validation(fmt.Sprintf("job %s has no run function", job.Name))
	}
	schedule, err := cron.ParseStandard(job.Schedule)
	if err != nil {
		return kotobaErrors.WrapWithCategory(err, "invalid cron schedule "+job.Schedule, kotobaErrors.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return kotobaErrors.Validation(fmt.Sprintf("job %s already registered", job.Name))
	}
	s.entries[job.Name] = &entry{job: job, schedule: schedule, next: schedule.Next(s.now())}
	return nil
}

// Next reports when a job fires next.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// Runs reports how many times a job has been started.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		return e.runs
	}
	return 0
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.ticker = time.NewTicker(s.tickInterval)
	jobs := len(s.entries)
	s.mu.Unlock()

	go s.run()

	slog.Info("Scheduler started", "jobs", jobs)
	return nil
}

// Stop halts ticking, cancels running jobs and waits for them up to the shutdown timeout.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.ticker.Stop()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Scheduler stopped gracefully")
		return nil
	case <-time.After(s.shutdownTimeout):
		slog.Warn("Scheduler shutdown timeout, force stopping")
		return kotobaErrors.Internal("shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.ticker.C:
			s.onTick(s.ctx)
		case <-s.ctx.Done():
			slog.Debug("Scheduler run loop stopped")
			return
		}
	}
}

func (s *Scheduler) onTick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		e.next = e.schedule.Next(now)
		if e.inFlight {
			slog.Warn("Skipping job; previous run still in flight", "job", e.job.Name)
			continue
		}
		e.inFlight = true
		e.runs++
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.execute(ctx, e)
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) {
	s.wg.Add(1)
	finish := func() {
		s.mu.Lock()
		e.inFlight = false
		s.mu.Unlock()
		s.wg.Done()
	}

	concurrency.SafeGo(func() {
		defer finish()
		start := time.Now()
		if err := e.job.Run(ctx); err != nil {
			slog.Error("Scheduled job failed", "job", e.job.Name, "error", err, "duration", time.Since(start))
			return
		}
		slog.Info("Scheduled job finished", "job", e.job.Name, "duration", time.Since(start))
	}, func(r interface{}) {
		slog.Error("Scheduled job panicked", "job", e.job.Name, "panic", r)
	})
}

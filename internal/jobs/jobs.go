// Package jobs runs named background jobs with at most one instance of each
// name in flight, on fixed intervals or on demand.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/observability"
)

// Job names used by the engine.
const (
	QualitySweep   = "quality-sweep"
	LifecycleSweep = "lifecycle-sweep"
	Consolidation  = "consolidation"
	EmbedMissing   = "embed-missing"
)

// Func is one job body. The result is returned to on-demand callers.
type Func func(ctx context.Context) (any, error)

// Runner enforces single flight per job name. Different names run
// concurrently; a second call for a running name is rejected, not queued.
type Runner struct {
	mu      sync.Mutex
	running map[string]bool

	logger  *zap.Logger
	metrics *observability.Collector
}

// NewRunner creates a runner. Nil logger or metrics fall back to no-ops.
func NewRunner(logger *zap.Logger, metrics *observability.Collector) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewCollector("memcore")
	}
	return &Runner{running: make(map[string]bool), logger: logger, metrics: metrics}
}

// Running reports whether name is in flight.
func (r *Runner) Running(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[name]
}

// Run executes fn under name. Returns Conflict if name is already running.
func (r *Runner) Run(ctx context.Context, name string, fn Func) (any, error) {
	r.mu.Lock()
	if r.running[name] {
		r.mu.Unlock()
		r.metrics.JobRuns.WithLabelValues(name, "rejected").Inc()
		return nil, errs.Conflict(name, "job %s is already running", name)
	}
	r.running[name] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.running, name)
		r.mu.Unlock()
	}()

	start := time.Now()
	res, err := fn(ctx)
	r.metrics.JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.JobRuns.WithLabelValues(name, "error").Inc()
		return res, err
	}
	r.metrics.JobRuns.WithLabelValues(name, "ok").Inc()
	return res, nil
}

type job struct {
	name     string
	fn       Func
	interval time.Duration
	reset    chan time.Duration
}

// Scheduler fires registered jobs on their intervals through a Runner.
type Scheduler struct {
	runner *Runner
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler over runner.
func NewScheduler(runner *Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{runner: runner, logger: logger, jobs: make(map[string]*job)}
}

// Register adds a job. A zero interval never fires on its own; the job can
// still be triggered. Registering after Start is an error.
func (s *Scheduler) Register(name string, interval time.Duration, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("register %s: scheduler already started", name)
	}
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("register %s: duplicate job", name)
	}
	s.jobs[name] = &job{name: name, fn: fn, interval: interval, reset: make(chan time.Duration, 1)}
	return nil
}

// Names lists registered jobs, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start launches one ticker goroutine per job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j, j.interval)
	}
}

// Stop cancels running jobs and waits for the loops to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Trigger runs name now and returns its result, then restarts the job's
// ticker. Conflict if it is already running; Validation if no such job
// exists.
func (s *Scheduler) Trigger(ctx context.Context, name string) (any, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, errs.Validation("run_job", "unknown job %q", name)
	}
	res, err := s.runner.Run(ctx, name, j.fn)
	if errs.IsConflict(err) {
		return nil, err
	}
	// the next scheduled run is a full interval after this one
	s.mu.Lock()
	j.rearm(j.interval)
	s.mu.Unlock()
	return res, err
}

// SetInterval changes a job's interval. The ticker restarts from now.
func (s *Scheduler) SetInterval(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		j.interval = d
		j.rearm(d)
	}
}

// rearm hands the loop a new interval, keeping only the newest pending value.
func (j *job) rearm(d time.Duration) {
	for {
		select {
		case j.reset <- d:
			return
		default:
		}
		select {
		case <-j.reset:
		default:
		}
	}
}

func (s *Scheduler) loop(ctx context.Context, j *job, interval time.Duration) {
	defer s.wg.Done()

	var ticker *time.Ticker
	var tick <-chan time.Time
	arm := func(d time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}
	arm(interval)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-tick:
			if _, err := s.runner.Run(ctx, j.name, j.fn); err != nil {
				if errs.IsConflict(err) {
					s.logger.Debug("scheduled job skipped, already running", zap.String("job", j.name))
					continue
				}
				s.logger.Warn("scheduled job failed", zap.String("job", j.name), zap.Error(err))
			}
		case d := <-j.reset:
			arm(d)
		case <-ctx.Done():
			return
		}
	}
}

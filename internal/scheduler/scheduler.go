// Package scheduler runs the periodic maintenance jobs of the pool services:
// the lifecycle sweep that closes or cancels expired pools and the randomness
// expiry that cancels raffles whose draw never arrived.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
	"github.com/R3E-Network/escrow_pools/internal/metrics"
	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

const (
	JobLifecycle  = "lifecycle_sweep"
	JobRandomness = "randomness_expiry"
)

var (
	ErrUnknownJob   = svcerrors.New(svcerrors.CodeNotFound, "unknown scheduler job")
	ErrDuplicateJob = svcerrors.New(svcerrors.CodeInvalidConfiguration, "scheduler job already registered")
)

// Sweeper applies the time-based lifecycle to a set of pools.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Expirer cancels raffles whose randomness request went stale.
type Expirer interface {
	ExpireRandomness(ctx context.Context) (int, error)
}

// JobFunc is one unit of periodic work. It returns how many pools it changed.
type JobFunc func(ctx context.Context) (int, error)

type job struct {
	name  string
	spec  string
	run   JobFunc
	entry cron.EntryID
}

// Scheduler wraps a cron runner. Overlapping runs of the same job are skipped
// and a panicking job is recovered and logged.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	log     *logger.Logger
	jobs    map[string]*job
	timeout time.Duration
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a stopped scheduler. timeout bounds each run; zero disables
// the bound.
func New(log *logger.Logger, timeout time.Duration) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     log,
		jobs:    make(map[string]*job),
		timeout: timeout,
	}
}

// Add registers fn under name with a cron spec such as "@every 1m" or
// "*/5 * * * *".
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if fn == nil {
		return fmt.Errorf("job %s: nil func", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return ErrDuplicateJob.WithDetails("job", name)
	}
	j := &job{name: name, spec: spec, run: fn}
	id, err := s.cron.AddFunc(spec, func() {
		if _, err := s.execute(s.baseContext(), j); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).WithField("job", j.name).Warn("scheduled job failed")
		}
	})
	if err != nil {
		return svcerrors.Wrap(svcerrors.CodeInvalidConfiguration, fmt.Sprintf("job %s: bad schedule %q", name, spec), err)
	}
	j.entry = id
	s.jobs[name] = j
	s.log.WithField("job", name).WithField("spec", spec).Info("scheduler job registered")
	return nil
}

// AddLifecycleSweep registers the lifecycle sweep over every sweeper.
func (s *Scheduler) AddLifecycleSweep(spec string, sweepers ...Sweeper) error {
	return s.Add(JobLifecycle, spec, func(ctx context.Context) (int, error) {
		total := 0
		var errs []error
		for _, sw := range sweepers {
			n, err := sw.Sweep(ctx)
			total += n
			if err != nil {
				errs = append(errs, err)
			}
		}
		return total, errors.Join(errs...)
	})
}

// AddRandomnessExpiry registers the stale-randomness job.
func (s *Scheduler) AddRandomnessExpiry(spec string, e Expirer) error {
	return s.Add(JobRandomness, spec, e.ExpireRandomness)
}

// Run executes job name now, outside its schedule.
func (s *Scheduler) Run(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, ErrUnknownJob.WithDetails("job", name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) execute(ctx context.Context, j *job) (int, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	n, err := j.run(ctx)
	metrics.RecordSweep(j.name, time.Since(start))

	entry := s.log.WithField("job", j.name).WithField("changed", n)
	if err != nil {
		return n, err
	}
	if n > 0 {
		entry.Info("scheduler job changed pools")
	} else {
		entry.Debug("scheduler job ran")
	}
	return n, nil
}

// Jobs returns the registered job names with their next run time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = s.cron.Entry(j.entry).Next
	}
	return out
}

// Names returns the registered job names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins running jobs on their schedules. It is idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron.Start()
	s.log.WithField("jobs", len(s.jobs)).Info("scheduler started")
}

// Stop halts the schedule, cancels in-flight runs and waits for them to
// return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(pairs(keysAndValues)).Error(msg)
}

func pairs(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}

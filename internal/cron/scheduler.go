package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrUnknownJob is returned by RunNow for a name that was never registered.
	ErrUnknownJob = errors.New("cron: unknown job")
	// ErrJobBusy is returned by RunNow when the job is already running.
	ErrJobBusy = errors.New("cron: job already running")
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a job schedule expression.
func ParseSchedule(expr string) error {
	_, err := parser.Parse(expr)
	return err
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Logger *slog.Logger
	// OnResult, if set, observes every finished run, scheduled or not.
	OnResult func(job string, elapsed time.Duration, err error)
}

// slot is a registered job. busy keeps a job from overlapping itself.
type slot struct {
	job   Job
	when  cron.Schedule
	busy  atomic.Bool
	entry cron.EntryID
}

// Scheduler runs jobs on their cron schedules. A job never runs
// concurrently with itself: a tick that arrives while the previous run is
// still in flight is skipped. A panicking job is logged and the scheduler
// keeps going.
type Scheduler struct {
	cfg    SchedulerConfig
	logger *slog.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	order  []string
	runner *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler returns an idle scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "cron"),
		slots:  make(map[string]*slot),
	}
}

// RegisterJob adds j. Its schedule is parsed here, so a bad expression is
// reported at registration. Jobs registered after Start are scheduled
// immediately.
func (s *Scheduler) RegisterJob(j Job) error {
	when, err := parser.Parse(j.Schedule())
	if err != nil {
		return fmt.Errorf("cron: job %q: schedule %q: %w", j.Name(), j.Schedule(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.slots[j.Name()]; dup {
		return fmt.Errorf("cron: job %q registered twice", j.Name())
	}
	sl := &slot{job: j, when: when}
	s.slots[j.Name()] = sl
	s.order = append(s.order, j.Name())
	if s.runner != nil {
		s.schedule(sl)
	}
	return nil
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

// Next returns when the named job fires next. It is zero before Start.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[name]
	if !ok || s.runner == nil {
		return time.Time{}
	}
	return s.runner.Entry(sl.entry).Next
}

// Start begins firing jobs. It implements core.Starter.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return errors.New("cron: scheduler already started")
	}

	log := cronLogger{s.logger}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.runner = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log)),
	)
	for _, name := range s.order {
		s.schedule(s.slots[name])
	}
	s.runner.Start()
	s.logger.Info("scheduler started", "jobs", len(s.order))
	return nil
}

func (s *Scheduler) schedule(sl *slot) {
	sl.entry = s.runner.Schedule(sl.when, cron.FuncJob(func() {
		if errors.Is(s.run(s.ctx, sl), ErrJobBusy) {
			s.logger.Warn("job still running, tick skipped", "job", sl.job.Name())
		}
	}))
}

func (s *Scheduler) run(ctx context.Context, sl *slot) error {
	if !sl.busy.CompareAndSwap(false, true) {
		return ErrJobBusy
	}
	defer sl.busy.Store(false)

	name := sl.job.Name()
	start := time.Now()
	err := sl.job.Run(ctx)
	elapsed := time.Since(start)
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(name, elapsed, err)
	}
	if err != nil {
		s.logger.Error("job failed", "job", name, "duration", elapsed, "error", err)
		return err
	}
	s.logger.Debug("job completed", "job", name, "duration", elapsed)
	return nil
}

// RunNow runs the named job on the caller's goroutine. It works before
// Start and honors the no-overlap rule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	sl, ok := s.slots[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, sl)
}

// Stop cancels running jobs and waits for them to return, or for ctx.
// It implements core.Stopper.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	runner, cancel := s.runner, s.cancel
	s.mu.Unlock()
	if runner == nil {
		return nil
	}
	cancel()
	select {
	case <-runner.Stop().Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron: waiting for jobs: %w", ctx.Err())
	}
}

// cronLogger routes the library's own messages to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug(msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, "error", err)...)
}

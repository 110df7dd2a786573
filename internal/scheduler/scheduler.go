// Package scheduler runs cron jobs with retries, timeouts and an execution
// history.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	// ErrTimeout is returned when an attempt exceeds its policy timeout.
	ErrTimeout = errors.New("job timed out")

	// ErrSkipped is returned by a job that chose not to run, for example
	// because a sync is already in progress. Skips are never retried.
	ErrSkipped = errors.New("job skipped")

	ErrUnknownJob = errors.New("unknown job")
)

// JobFunc runs one attempt and returns the number of records processed.
type JobFunc func(ctx context.Context) (int64, error)

// Job is a named cron entry.
type Job struct {
	Name   string
	Spec   string
	Policy Policy
	Run    JobFunc
	// HealthThreshold is the expected maximum gap between runs.
	HealthThreshold time.Duration
}

// Recorder receives one call per attempt.
type Recorder interface {
	JobExecuted(job, status string, elapsed time.Duration)
}

type entry struct {
	job     Job
	id      cron.EntryID
	running bool
}

// Scheduler owns the cron runner and the execution history.
type Scheduler struct {
	cron     *cron.Cron
	history  *history
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	started bool
}

type Option func(*Scheduler)

func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

func WithHistoryLimit(n int) Option {
	return func(s *Scheduler) { s.history = newHistory(n) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))
	s := &Scheduler{
		history: newHistory(defaultHistoryLimit),
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{logger.Sugar()}),
		cron.WithChain(cron.Recover(cronLogger{logger.Sugar()})),
	)
	return s
}

// Register adds a job to the cron runner. Overlapping runs of the same job
// are skipped.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job name and function are required")
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("job %s: invalid cron spec %q: %w", job.Name, job.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	e := &entry{job: job}
	id, err := s.cron.AddFunc(job.Spec, func() { s.fire(job.Name) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	e.id = id
	s.entries[job.Name] = e
	s.order = append(s.order, job.Name)
	s.logger.Info("job registered", zap.String("job", job.Name), zap.String("spec", job.Spec))
	return nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with jobs still running")
	}
}

func (s *Scheduler) fire(name string) {
	if _, err := s.RunNow(context.Background(), name); err != nil && !errors.Is(err, ErrSkipped) {
		s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
	}
}

// RunNow executes a registered job with its policy. A job already running
// is skipped.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if e.running {
		s.mu.Unlock()
		s.logger.Info("job still running, skipping", zap.String("job", name))
		return 0, ErrSkipped
	}
	e.running = true
	job := e.job
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		e.running = false
		s.mu.Unlock()
	}()
	return s.ExecuteWithRetry(ctx, job.Name, job.Spec, job.Run, job.Policy)
}

// ExecuteWithRetry runs fn up to MaxRetries+1 times, each attempt bounded by
// the policy timeout and recorded in the history.
func (s *Scheduler) ExecuteWithRetry(ctx context.Context, jobName, cronSpec string, fn JobFunc, p Policy) (int64, error) {
	var lastErr error
	for attempt := 1; attempt <= p.MaxRetries+1; attempt++ {
		records, err := s.attempt(ctx, jobName, cronSpec, attempt, fn, p.Timeout)
		if err == nil {
			if attempt > 1 {
				s.logger.Info("job succeeded after retries", zap.String("job", jobName), zap.Int("retries", attempt-1))
			}
			return records, nil
		}
		lastErr = err
		if errors.Is(err, ErrSkipped) || ctx.Err() != nil {
			return 0, err
		}
		if attempt > p.MaxRetries {
			break
		}
		if !p.retryable(err) {
			s.logger.Info("error not retryable", zap.String("job", jobName), zap.Error(err))
			break
		}

		delay := p.Delay(attempt - 1)
		s.logger.Warn("job attempt failed, retrying",
			zap.String("job", jobName),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := s.sleep(ctx, delay); err != nil {
			return 0, err
		}
	}
	s.logger.Error("job failed", zap.String("job", jobName), zap.Int("retries", p.MaxRetries), zap.Error(lastErr))
	return 0, lastErr
}

type result struct {
	records int64
	err     error
}

func (s *Scheduler) attempt(ctx context.Context, jobName, cronSpec string, n int, fn JobFunc, timeout time.Duration) (int64, error) {
	exec := Execution{
		ID:        uuid.NewString(),
		Job:       jobName,
		CronSpec:  cronSpec,
		Attempt:   n,
		StartedAt: s.now(),
		Status:    StatusRunning,
	}

	runCtx := ctx
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan result, 1)
	go func() {
		records, err := fn(runCtx)
		done <- result{records, err}
	}()

	var res result
	select {
	case res = <-done:
		if res.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.err = fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, res.err)
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			res.err = ctx.Err()
		} else {
			res.err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
	}

	exec.FinishedAt = s.now()
	exec.Duration = exec.FinishedAt.Sub(exec.StartedAt)
	exec.Records = res.records
	switch {
	case res.err == nil:
		exec.Status = StatusSuccess
	case errors.Is(res.err, ErrSkipped):
		exec.Status = StatusSkipped
		exec.Records = 0
	default:
		exec.Status = StatusFailed
		exec.Error = res.err.Error()
	}
	s.history.add(exec)
	if s.recorder != nil {
		s.recorder.JobExecuted(jobName, exec.Status, exec.Duration)
	}
	return res.records, res.err
}

// Executions returns the recorded attempts of a job, oldest first.
func (s *Scheduler) Executions(jobName string) []Execution {
	return s.history.list(jobName)
}

// PerformanceStats aggregates the history of one job.
func (s *Scheduler) PerformanceStats(jobName string) (PerformanceStats, error) {
	s.mu.Lock()
	_, ok := s.entries[jobName]
	s.mu.Unlock()
	execs := s.history.list(jobName)
	if !ok && len(execs) == 0 {
		return PerformanceStats{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}
	return computeStats(jobName, execs, s.now()), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

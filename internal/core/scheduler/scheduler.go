package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
)

// JobFunc is a periodic engine cycle such as a queue flush or cache sweep
type JobFunc func(ctx context.Context) error

// Job describes a registered cycle
type Job struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	EntryID  cron.EntryID  `json:"-"`
	Timeout  time.Duration `json:"timeout"`
	NextRun  time.Time     `json:"next_run"`
	LastRun  *time.Time    `json:"last_run,omitempty"`
	LastErr  string        `json:"last_error,omitempty"`
	RunCount int64         `json:"run_count"`
}

// Scheduler runs engine cycles on cron schedules with second precision
type Scheduler struct {
	cron     *cron.Cron
	jobs     map[string]*Job
	timezone *time.Location
	logger   *logrus.Logger
	mu       sync.RWMutex
	running  bool
}

// New creates a scheduler; overlapping runs of the same job are skipped
func New(cfg config.SchedulerConfig, logger *logrus.Logger) *Scheduler {
	timezone := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		tz, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.WithError(err).Warnf("Invalid timezone %s, using local time", cfg.Timezone)
		} else {
			timezone = tz
		}
	}

	cronLogger := cron.VerbosePrintfLogger(logger.WithField("component", "scheduler"))

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithSeconds(),
			cron.WithChain(
				cron.SkipIfStillRunning(cronLogger),
				cron.Recover(cronLogger),
			),
		),
		jobs:     make(map[string]*Job),
		timezone: timezone,
		logger:   logger,
	}
}

// Register adds a named cycle; an empty spec leaves the job unscheduled
func (s *Scheduler) Register(name, spec string, timeout time.Duration, fn JobFunc) error {
	if spec == "" {
		return nil
	}
	if fn == nil {
		return fmt.Errorf("job %s has no function", name)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	job := &Job{Name: name, Spec: spec, Timeout: timeout}
	entryID, err := s.cron.AddFunc(spec, func() { s.run(job, fn) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	job.EntryID = entryID
	s.jobs[name] = job

	s.logger.WithFields(logrus.Fields{
		"job":  name,
		"spec": spec,
	}).Debug("Job registered")

	return nil
}

// Start begins running scheduled jobs
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.cron.Start()
	s.running = true
	s.logger.WithField("jobs", len(s.jobs)).Info("Scheduler started")
	return nil
}

// Stop halts the scheduler and waits for running jobs, bounded by ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Timeout waiting for scheduled jobs to complete")
		return ctx.Err()
	}
}

// Jobs returns a snapshot of registered jobs ordered by name
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshot := *job
		if entry := s.cron.Entry(job.EntryID); entry.ID != 0 {
			snapshot.NextRun = entry.Next
		}
		jobs = append(jobs, snapshot)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// RunNow executes a registered job synchronously
func (s *Scheduler) RunNow(name string, fn JobFunc) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.run(job, fn)
}

func (s *Scheduler) run(job *Job, fn JobFunc) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), job.Timeout)
	defer cancel()

	err := fn(ctx)

	s.mu.Lock()
	job.RunCount++
	job.LastRun = &start
	job.LastErr = ""
	if err != nil {
		job.LastErr = err.Error()
	}
	s.mu.Unlock()

	fields := logrus.Fields{"job": job.Name, "duration": time.Since(start)}
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Warn("Scheduled job failed")
	} else {
		s.logger.WithFields(fields).Debug("Scheduled job completed")
	}
	return err
}

// Package scheduler runs named periodic jobs on cron schedules and tracks
// their health so a monitor can restart jobs that keep failing.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calsync/internal/log"
	"calsync/internal/metrics"
)

// JobFunc is one run of a job. A returned error counts toward the job's
// consecutive error count.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	spec    string
	fn      JobFunc
	timeout time.Duration
	entry   cron.EntryID

	running     bool
	cancel      context.CancelFunc
	consecutive int
	restarts    int
	lastRun     time.Time
	lastSuccess time.Time
	lastError   string
}

// JobHealth is a snapshot of one job's run history.
type JobHealth struct {
	Name              string    `json:"name"`
	Schedule          string    `json:"schedule"`
	Running           bool      `json:"running"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Restarts          int       `json:"restarts"`
	LastRun           time.Time `json:"last_run,omitempty"`
	LastSuccess       time.Time `json:"last_success,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	Next              time.Time `json:"next,omitempty"`
}

type Scheduler struct {
	cron *cron.Cron
	rec  metrics.Recorder
	now  func() time.Time

	mu   sync.Mutex
	base context.Context
	jobs map[string]*job
}

func New(rec metrics.Recorder) *Scheduler {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Scheduler{
		cron: cron.New(),
		rec:  rec,
		now:  time.Now,
		base: context.Background(),
		jobs: make(map[string]*job),
	}
}

// Add registers fn under name. timeout bounds each run; zero means none.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn, timeout: timeout}
	if err := s.schedule(j); err != nil {
		return err
	}
	s.jobs[name] = j
	return nil
}

// schedule registers j with cron. Caller holds s.mu.
func (s *Scheduler) schedule(j *job) error {
	id, err := s.cron.AddFunc(j.spec, func() { s.run(j.name) })
	if err != nil {
		return fmt.Errorf("schedule %q (%s): %w", j.name, j.spec, err)
	}
	j.entry = id
	return nil
}

// Start begins firing jobs. Runs derive their context from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.cron.Start()
	appLog.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop stops firing and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a job synchronously outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(name)
}

func (s *Scheduler) run(name string) (err error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown job %q", name)
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if j.timeout > 0 {
		ctx, cancel = context.WithTimeout(s.base, j.timeout)
	} else {
		ctx, cancel = context.WithCancel(s.base)
	}
	j.running = true
	j.cancel = cancel
	j.lastRun = s.now()
	fn := j.fn
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
		cancel()
		s.finish(j, err)
	}()
	return fn(ctx)
}

func (s *Scheduler) finish(j *job, err error) {
	s.mu.Lock()
	j.running = false
	j.cancel = nil
	if err != nil {
		j.consecutive++
		j.lastError = err.Error()
	} else {
		j.consecutive = 0
		j.lastError = ""
		j.lastSuccess = s.now()
	}
	consecutive := j.consecutive
	s.mu.Unlock()

	s.rec.RecordJobRun(j.name, err == nil)
	if err != nil {
		appLog.Error("scheduled job failed", err, "job", j.name, "consecutive_errors", consecutive)
	}
}

// Restart cancels a running instance and re-registers the job with a clean
// error count.
func (s *Scheduler) Restart(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	if j.cancel != nil {
		j.cancel()
	}
	s.cron.Remove(j.entry)
	if err := s.schedule(j); err != nil {
		return err
	}
	j.consecutive = 0
	j.restarts++
	appLog.Warn("scheduled job restarted", "job", name, "restarts", j.restarts)
	return nil
}

// Health reports every job, sorted by name.
func (s *Scheduler) Health() []JobHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobHealth, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobHealth{
			Name:              j.name,
			Schedule:          j.spec,
			Running:           j.running,
			ConsecutiveErrors: j.consecutive,
			Restarts:          j.restarts,
			LastRun:           j.lastRun,
			LastSuccess:       j.lastSuccess,
			LastError:         j.lastError,
			Next:              s.cron.Entry(j.entry).Next,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

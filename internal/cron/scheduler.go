// Package cron runs the gateway's periodic maintenance jobs.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/wagate/internal/bus"
	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/metrics"
)

// Job is a named periodic task. Schedule is a standard 5-field cron
// expression or a descriptor such as "@every 5m".
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// JobStatus reports a job's history.
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	Runs      int64      `json:"runs"`
	Failures  int64      `json:"failures"`
	LastError string     `json:"lastError,omitempty"`
}

type jobState struct {
	job     Job
	entry   cronlib.EntryID
	lastRun time.Time
	runs    int64
	fails   int64
	lastErr string
}

// Scheduler wraps robfig/cron with run bookkeeping.
type Scheduler struct {
	cron *cronlib.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*jobState
}

// cronLogger adapts the cron library's logger to ours.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	L_debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	L_error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// New creates a scheduler. Jobs that are still running when their next
// tick arrives are skipped, and panics are recovered.
func New() *Scheduler {
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cronlib.New(
			cronlib.WithLogger(logger),
			cronlib.WithChain(cronlib.Recover(logger), cronlib.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*jobState),
	}
}

// Add schedules job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("cron: job needs a name and a function")
	}
	sched, err := cronlib.ParseStandard(job.Schedule)
	if err != nil {
		return fmt.Errorf("cron: invalid schedule %q for %s: %w", job.Schedule, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("cron: job %s already scheduled", job.Name)
	}
	st := &jobState{job: job}
	st.entry = s.cron.Schedule(sched, cronlib.FuncJob(func() { s.run(st) }))
	s.jobs[job.Name] = st

	L_debug("cron: job scheduled", "job", job.Name, "schedule", job.Schedule)
	return nil
}

func (s *Scheduler) run(st *jobState) {
	start := time.Now()
	err := st.job.Run(s.ctx)
	metrics.MetricSince("cron", st.job.Name, start)

	s.mu.Lock()
	st.lastRun = start
	st.runs++
	if err != nil {
		st.fails++
		st.lastErr = err.Error()
	} else {
		st.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		metrics.MetricFail("cron", st.job.Name+"/result")
		L_warn("cron: job failed", "job", st.job.Name, "error", err)
		return
	}
	metrics.MetricSuccess("cron", st.job.Name+"/result")
}

// RunNow runs the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	st, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: no job named %s", name)
	}
	s.run(st)
	return nil
}

// Status lists the jobs sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, st := range s.jobs {
		js := JobStatus{
			Name:      st.job.Name,
			Schedule:  st.job.Schedule,
			Runs:      st.runs,
			Failures:  st.fails,
			LastError: st.lastErr,
		}
		if next := s.cron.Entry(st.entry).Next; !next.IsZero() {
			js.NextRun = &next
		}
		if !st.lastRun.IsZero() {
			last := st.lastRun
			js.LastRun = &last
		}
		out = append(out, js)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running jobs and registers the cron bus commands.
func (s *Scheduler) Start() {
	bus.RegisterCommand("cron", "status", func(bus.Command) bus.CommandResult {
		return bus.CommandResult{Success: true, Data: s.Status()}
	})
	bus.RegisterCommand("cron", "run", func(cmd bus.Command) bus.CommandResult {
		name, _ := cmd.Payload.(string)
		if err := s.RunNow(name); err != nil {
			return bus.CommandResult{Error: err, Message: err.Error()}
		}
		return bus.CommandResult{Success: true, Message: "ran " + name}
	})
	s.cron.Start()
	L_info("cron: started", "jobs", len(s.jobs))
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	bus.UnregisterComponent("cron")
	L_debug("cron: stopped")
}

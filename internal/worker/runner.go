package worker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/portal28/academy/internal/pkg/distlock"
	"github.com/portal28/academy/internal/pkg/logger"
)

// =============================================================================
// PERIODIC JOB RUNNER
// =============================================================================
// Runs each registered job on its own ticker. Every tick takes a distributed
// lock named after the job so overlapping processes skip instead of doing
// the same work twice. The jobs themselves stay correct without the lock.

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// LockTTL bounds how long a crashed holder blocks other processes.
	// Defaults to twice the interval.
	LockTTL time.Duration
	Run     func(ctx context.Context) error
}

// JobStats counts a job's ticks.
type JobStats struct {
	Runs    int64     `json:"runs"`
	Skipped int64     `json:"skipped"`
	Errors  int64     `json:"errors"`
	LastRun time.Time `json:"last_run"`
}

type jobState struct {
	job     Job
	runs    int64
	skipped int64
	errors  int64
	lastRun atomic.Value // time.Time
}

// Runner schedules jobs until stopped.
type Runner struct {
	db          *sql.DB
	redisClient *redis.Client // optional; nil falls back to PG advisory locks
	workerID    string
	log         *logger.Logger

	jobs []*jobState

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewRunner creates a runner. Either db or redisClient must be set for
// locking; redisClient wins when both are.
func NewRunner(db *sql.DB, redisClient *redis.Client) *Runner {
	id := fmt.Sprintf("worker-%s-%d", getHostname(), time.Now().UnixNano()%10000)
	return &Runner{
		db:          db,
		redisClient: redisClient,
		workerID:    id,
		log:         logger.With("component", "runner", "worker_id", id),
	}
}

// Add registers a job. Jobs added after Start are ignored until restart.
func (r *Runner) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run func")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	if job.LockTTL <= 0 {
		job.LockTTL = 2 * job.Interval
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, js := range r.jobs {
		if js.job.Name == job.Name {
			return fmt.Errorf("job %s already registered", job.Name)
		}
	}
	r.jobs = append(r.jobs, &jobState{job: job})
	return nil
}

// Start launches one loop per job. Each job also runs once immediately.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runner already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	jobs := append([]*jobState(nil), r.jobs...)
	r.mu.Unlock()

	r.log.Info("starting", "jobs", len(jobs))
	for _, js := range jobs {
		r.wg.Add(1)
		go r.loop(js)
	}
	return nil
}

// Stop cancels in-flight ticks and waits for every loop to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.Info("stopping")
	r.cancel()
	r.wg.Wait()
	for name, s := range r.Stats() {
		r.log.Info("job totals", "job", name, "runs", s.Runs, "skipped", s.Skipped, "errors", s.Errors)
	}
}

func (r *Runner) loop(js *jobState) {
	defer r.wg.Done()

	r.tick(r.ctx, js)

	ticker := time.NewTicker(js.job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.tick(r.ctx, js)
		}
	}
}

// RunNow runs a registered job once under its lock. ran is false when
// another process holds the lock.
func (r *Runner) RunNow(ctx context.Context, name string) (bool, error) {
	js := r.find(name)
	if js == nil {
		return false, fmt.Errorf("unknown job %s", name)
	}
	return r.tick(ctx, js)
}

func (r *Runner) find(name string) *jobState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, js := range r.jobs {
		if js.job.Name == name {
			return js
		}
	}
	return nil
}

func (r *Runner) tick(ctx context.Context, js *jobState) (bool, error) {
	log := r.log.With("job", js.job.Name)
	lock := distlock.NewLock(r.redisClient, r.db, "job:"+js.job.Name, js.job.LockTTL)

	start := time.Now()
	ran, err := distlock.WithLock(ctx, lock, js.job.Run)
	if !ran && err == nil {
		atomic.AddInt64(&js.skipped, 1)
		log.Debug("lock held elsewhere, skipping tick")
		return false, nil
	}
	if ran {
		atomic.AddInt64(&js.runs, 1)
		js.lastRun.Store(start)
	}
	if err != nil {
		atomic.AddInt64(&js.errors, 1)
		log.Error("job failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		return ran, err
	}
	log.Debug("job finished", "duration_ms", time.Since(start).Milliseconds())
	return true, nil
}

// Stats returns per-job counters.
func (r *Runner) Stats() map[string]JobStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]JobStats, len(r.jobs))
	for _, js := range r.jobs {
		s := JobStats{
			Runs:    atomic.LoadInt64(&js.runs),
			Skipped: atomic.LoadInt64(&js.skipped),
			Errors:  atomic.LoadInt64(&js.errors),
		}
		if t, ok := js.lastRun.Load().(time.Time); ok {
			s.LastRun = t
		}
		out[js.job.Name] = s
	}
	return out
}

func getHostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "portal28-worker"
	}
	return host
}

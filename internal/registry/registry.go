// Package registry tracks in-flight and recently finished download jobs.
// One worker goroutine mutates a job; any number of pollers read it. All
// access happens under a single mutex so pollers always see a consistent
// snapshot (counters and status never observed mid-update).
package registry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"spotify-downloader/internal/domain"
)

// Retention is how long terminal jobs stay visible to pollers before the
// sweeper evicts them.
const Retention = 30 * time.Minute

type Registry struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*domain.Job
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		jobs:   make(map[int64]*domain.Job),
		logger: logger,
	}
}

// Create allocates a monotonically increasing job ID and stores the job in
// the starting state.
func (r *Registry) Create(reference, quality, destDir string, policy domain.Engine) *domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	job := &domain.Job{
		ID:        r.nextID,
		Reference: reference,
		Quality:   quality,
		DestDir:   destDir,
		Policy:    policy,
		Status:    domain.JobStatusStarting,
		CreatedAt: time.Now(),
	}
	r.jobs[job.ID] = job
	return job
}

// Get returns a snapshot copy of the job, or false if unknown.
func (r *Registry) Get(id int64) (domain.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return snapshot(job), true
}

// List returns snapshot copies of all known jobs.
func (r *Registry) List() []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, snapshot(job))
	}
	return out
}

// Mutate runs fn on the job under the registry lock. Terminal jobs are left
// untouched: once completed or failed no further field mutation occurs.
func (r *Registry) Mutate(id int64, fn func(*domain.Job)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return false
	}
	fn(job)
	if job.Status.IsTerminal() && job.FinishedAt.IsZero() {
		job.FinishedAt = time.Now()
	}
	return true
}

// Sweep removes terminal jobs older than the retention window.
func (r *Registry) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, job := range r.jobs {
		if job.Status.IsTerminal() && !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// RunSweeper periodically evicts expired terminal jobs until done is closed.
func (r *Registry) RunSweeper(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := r.Sweep(Retention); n > 0 {
				r.logger.Debugf("swept %d finished jobs", n)
			}
		}
	}
}

func snapshot(job *domain.Job) domain.Job {
	cp := *job
	cp.Log = append([]string(nil), job.Log...)
	cp.FailedTracks = append([]domain.Track(nil), job.FailedTracks...)
	return cp
}

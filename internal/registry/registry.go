// Package registry holds the in-memory job table. Entries live for the process lifetime
// unless Prune is called; nothing is persisted.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mediagrab/internal/models"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicate         = errors.New("job already registered")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Registry is a concurrency-safe id -> job map. Reads return copies, so callers never
// observe a job mid-update.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

func New() *Registry {
	return &Registry{jobs: make(map[string]*models.Job)}
}

func (r *Registry) Insert(job models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	stored := job.Clone()
	r.jobs[job.ID] = &stored
	return nil
}

func (r *Registry) Get(id string) (models.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return job.Clone(), true
}

// List returns every job newest first. An empty status matches all jobs.
func (r *Registry) List(status models.JobStatus) []models.Job {
	r.mu.RLock()
	jobs := make([]models.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if status != "" && j.Status != status {
			continue
		}
		jobs = append(jobs, j.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

// Update applies fn to a copy of the job and stores it atomically. The change is rejected
// with ErrInvalidTransition when it would move the status backwards or out of a terminal
// state, or alter the job's identity. The stored result is returned.
func (r *Registry) Update(id string, fn func(*models.Job)) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := current.Clone()
	fn(&next)

	if next.ID != current.ID {
		return current.Clone(), fmt.Errorf("%w: id is immutable", ErrInvalidTransition)
	}
	if !current.Status.CanTransitionTo(next.Status) {
		return current.Clone(), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
	}

	*current = next
	return next.Clone(), nil
}

// Prune removes terminal jobs created before cutoff and returns them.
func (r *Registry) Prune(cutoff time.Time) []models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []models.Job
	for id, job := range r.jobs {
		if job.Status.IsTerminal() && job.CreatedAt.Before(cutoff) {
			removed = append(removed, job.Clone())
			delete(r.jobs, id)
		}
	}
	return removed
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

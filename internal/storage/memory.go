package storage

import (
	"context"
	"sync"
	"time"

	"github.com/you/etlq/internal/domain"
)

// MemoryStore is the default in-process Store. The mutex guards only the map
// access; it is never held across handler execution, so cross-job
// parallelism is preserved.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

func NewMemory() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*domain.Job)}
}

func (s *MemoryStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.DedupeKey != "" {
		for _, j := range s.jobs {
			if j.Queue == job.Queue && j.DedupeKey == job.DedupeKey && !j.Status.Terminal() {
				return ErrDuplicateDedupe
			}
		}
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) MarkRunning(_ context.Context, id string, now time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != domain.Pending {
		return nil, ErrNotPending
	}
	if j.AvailableAt.After(now) {
		return nil, ErrNotDue
	}
	j.Status = domain.Running
	started := now
	j.StartedAt = &started
	j.UpdatedAt = now
	return j.Clone(), nil
}

func (s *MemoryStore) MarkSucceeded(_ context.Context, id string, result []byte, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != domain.Running {
		return false, nil
	}
	j.Status = domain.Succeeded
	j.Result = append([]byte(nil), result...)
	j.LastError = ""
	finished := now
	j.FinishedAt = &finished
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) MarkRetry(_ context.Context, id string, errMsg string, availableAt time.Time, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != domain.Running {
		return false, nil
	}
	j.Status = domain.Pending
	j.Attempt++
	j.LastError = truncateError(errMsg)
	j.AvailableAt = availableAt
	j.StartedAt = nil
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) MarkDead(_ context.Context, id string, errMsg string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status.Terminal() {
		return false, nil
	}
	j.Status = domain.Dead
	j.LastError = truncateError(errMsg)
	finished := now
	j.FinishedAt = &finished
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) RequeueStale(_ context.Context, staleBefore time.Time, now time.Time) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.Running && j.StartedAt != nil && j.StartedAt.Before(staleBefore) {
			j.Status = domain.Pending
			j.StartedAt = nil
			j.AvailableAt = now
			j.UpdatedAt = now
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) FindOverduePending(_ context.Context, overdueBefore time.Time) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.Pending && j.AvailableAt.Before(overdueBefore) {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) FindActiveByDedupeKey(_ context.Context, queue domain.QueueName, key string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *domain.Job
	for _, j := range s.jobs {
		if j.Queue != queue || j.DedupeKey != key || j.Status.Terminal() {
			continue
		}
		if newest == nil || j.EnqueuedAt.After(newest.EnqueuedAt) {
			newest = j
		}
	}
	if newest == nil {
		return nil, nil
	}
	return newest.Clone(), nil
}

func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &Stats{}
	for _, j := range s.jobs {
		switch j.Status {
		case domain.Pending:
			st.Pending++
		case domain.Running:
			st.Running++
		case domain.Succeeded:
			st.Succeeded++
		case domain.Failed:
			st.Failed++
		case domain.Dead:
			st.Dead++
		}
	}
	return st, nil
}

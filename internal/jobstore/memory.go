package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/levitate/musicgen/internal/model"
)

// MemoryStore keeps jobs in process memory. Jobs do not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*model.GenerationJob
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.GenerationJob)}
}

// Create saves a new job
func (s *MemoryStore) Create(_ context.Context, job *model.GenerationJob) error {
	c, err := clone(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs[job.ID] = c
	s.mu.Unlock()
	return nil
}

// Get returns a copy of a job
func (s *MemoryStore) Get(_ context.Context, jobID string) (*model.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
	}
	return clone(job)
}

// Update applies fn to a copy and stores it when fn succeeds
func (s *MemoryStore) Update(_ context.Context, jobID string, fn func(*model.GenerationJob) error) (*model.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
	}
	job, err := clone(current)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	s.jobs[jobID] = job
	return clone(job)
}

// ListByAsset returns the job ids of an asset
func (s *MemoryStore) ListByAsset(_ context.Context, assetID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, job := range s.jobs {
		if job.SourceAssetID == assetID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// List returns all jobs ordered by creation time
func (s *MemoryStore) List(_ context.Context) ([]*model.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*model.GenerationJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		c, err := clone(job)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, c)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// Delete removes a job
func (s *MemoryStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
	return nil
}

// clone deep-copies a job so callers never share state with the store.
func clone(job *model.GenerationJob) (*model.GenerationJob, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	var c model.GenerationJob
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &c, nil
}

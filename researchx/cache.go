package researchx

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 1024

// CachedStore keeps recently seen finished jobs in memory. Finished jobs
// never change, so a cached copy is always current and repeated reads of
// them skip the database.
type CachedStore struct {
	Store
	finished *lru.Cache[string, *Job]
}

func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, *Job](size)
	if err != nil {
		return nil, fmt.Errorf("create job cache: %w", err)
	}
	return &CachedStore{Store: inner, finished: c}, nil
}

func (s *CachedStore) Get(ctx context.Context, ownerID, jobID string) (*Job, error) {
	if job, ok := s.finished.Get(jobID); ok {
		if job.OwnerID != ownerID {
			return nil, ErrForbidden
		}
		return copyJob(job), nil
	}
	job, err := s.Store.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	s.remember(job)
	return job, nil
}

func (s *CachedStore) CreateTerminal(ctx context.Context, job *Job) error {
	if err := s.Store.CreateTerminal(ctx, job); err != nil {
		return err
	}
	s.remember(job)
	return nil
}

func (s *CachedStore) Update(ctx context.Context, ownerID, jobID string, patch JobPatch) (*Job, error) {
	job, err := s.Store.Update(ctx, ownerID, jobID, patch)
	if err != nil {
		return nil, err
	}
	s.remember(job)
	return job, nil
}

// Len is the number of cached jobs.
func (s *CachedStore) Len() int { return s.finished.Len() }

func (s *CachedStore) remember(job *Job) {
	if job != nil && job.OwnerID != "" && job.Status.Terminal() {
		s.finished.Add(job.ID, copyJob(job))
	}
}

// copyJob copies the top-level struct; nested values are shared and must be
// treated as read-only.
func copyJob(job *Job) *Job {
	cp := *job
	return &cp
}

package queue

import (
	"context"
	"time"

	"lingo-gateway/internal/model"
	"lingo-gateway/internal/store"
)

const (
	jobKeyPrefix = "job:"

	// jobRetention bounds how long finished (and abandoned) job records stay
	// readable through the status endpoint.
	jobRetention = 7 * 24 * time.Hour
)

func JobKey(id string) string {
	return jobKeyPrefix + id
}

// Store persists job records. Only the producer creates a job; after that the
// worker is the sole writer.
type Store struct {
	kv *store.KV
}

func NewStore(kv *store.KV) *Store {
	return &Store{kv: kv}
}

func (s *Store) Create(ctx context.Context, job *model.Job) error {
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	return s.kv.Set(ctx, JobKey(job.ID), job, jobRetention)
}

// Get returns the job record, or nil when the id is unknown (or the record
// aged out).
func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	ok, err := s.kv.Get(ctx, JobKey(id), &job)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &job, nil
}

// Save re-persists the record; the retention window restarts on every write.
func (s *Store) Save(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = time.Now()
	return s.kv.Set(ctx, JobKey(job.ID), job, jobRetention)
}

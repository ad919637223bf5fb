package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lingo-gateway/internal/model"
	"lingo-gateway/internal/repository"
	"lingo-gateway/internal/util"
)

var (
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrNoOperations  = errors.New("batch contains no operations")
)

// Publisher is the transport the producer hands envelopes to.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Service is the producer side of the dispatch queue: it gates enqueues on
// the tenant's quota, persists the job record, and publishes a lightweight
// envelope for the worker. Jobs are keyed by tenant so one tenant's
// operations stay ordered.
type Service struct {
	jobs  *Store
	quota *repository.QuotaLedger
	pub   Publisher
}

func NewService(jobs *Store, quota *repository.QuotaLedger, pub Publisher) *Service {
	return &Service{jobs: jobs, quota: quota, pub: pub}
}

// EnqueueSingle queues one mutation. Returns the job id.
func (s *Service) EnqueueSingle(ctx context.Context, orgID string, status model.CredentialStatus, op model.Operation) (string, error) {
	return s.enqueue(ctx, orgID, status, model.JobKindSingle, []model.Operation{op})
}

// EnqueueBatch queues an ordered list of mutations as one job.
func (s *Service) EnqueueBatch(ctx context.Context, orgID string, status model.CredentialStatus, ops []model.Operation) (string, error) {
	if len(ops) == 0 {
		return "", ErrNoOperations
	}
	return s.enqueue(ctx, orgID, status, model.JobKindBatch, ops)
}

func (s *Service) enqueue(ctx context.Context, orgID string, status model.CredentialStatus, kind model.JobKind, ops []model.Operation) (string, error) {
	for _, op := range ops {
		if !op.Action.Valid() {
			return "", fmt.Errorf("invalid operation action %q", op.Action)
		}
	}

	ok, err := s.quota.CheckQuota(ctx, orgID, status, int64(len(ops)))
	if err != nil {
		return "", fmt.Errorf("quota check: %w", err)
	}
	if !ok {
		return "", ErrQuotaExceeded
	}

	job := &model.Job{
		ID:         util.New(),
		OrgID:      orgID,
		Kind:       kind,
		Operations: ops,
		State:      model.JobStateQueued,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	env, err := json.Marshal(model.JobEnvelope{JobID: job.ID, OrgID: orgID})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	if err := s.pub.Publish(ctx, orgID, env); err != nil {
		return "", fmt.Errorf("publish job: %w", err)
	}
	return job.ID, nil
}

// Status is the view served by the job status endpoint.
type Status struct {
	ID           string           `json:"id,omitempty"`
	Kind         model.JobKind    `json:"kind,omitempty"`
	State        model.JobState   `json:"state"`
	Progress     float64          `json:"progress"`
	Result       *model.JobResult `json:"result,omitempty"`
	FailedReason string           `json:"failed_reason,omitempty"`
}

// JobStatus reports a job's current state; unknown ids come back as
// not_found rather than an error.
func (s *Service) JobStatus(ctx context.Context, id string) (Status, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if job == nil {
		return Status{State: model.JobStateNotFound}, nil
	}
	return Status{
		ID:           job.ID,
		Kind:         job.Kind,
		State:        job.State,
		Progress:     job.Progress,
		Result:       job.Result,
		FailedReason: job.FailedReason,
	}, nil
}

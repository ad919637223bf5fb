package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lingo-gateway/internal/kafka"
	"lingo-gateway/internal/metrics"
	"lingo-gateway/internal/model"
	"lingo-gateway/internal/queue"
	"lingo-gateway/internal/repository"

	"go.uber.org/zap"
)

// MetafieldAPI is the upstream mutation surface the worker drives.
type MetafieldAPI interface {
	CreateMetafield(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error)
	UpdateMetafield(ctx context.Context, token, metafieldID string, body json.RawMessage) (json.RawMessage, error)
	DeleteMetafield(ctx context.Context, token, metafieldID string) (json.RawMessage, error)
}

// TokenRefresher lets the worker converge on the same lazy-refresh path the
// request guard uses.
type TokenRefresher interface {
	Refresh(ctx context.Context, orgID, refreshToken string) (string, error)
}

// Dispatcher:
// - fetches job envelopes from Kafka,
// - applies the job's mutations against the upstream API one at a time,
// - charges quota per successful operation (idempotently journaled),
// - records outcomes in the ClickHouse operation log.
//
// Jobs are processed strictly sequentially and operations inside a job are
// spaced by a fixed delay; the upstream enforces a per-second rate limit.
type Dispatcher struct {
	// Dependencies
	Consumer  *kafka.Consumer
	Jobs      *queue.Store
	Creds     *repository.CredentialsRepository
	Quota     *repository.QuotaLedger
	Ledger    repository.LedgerRepository
	OpLog     repository.OperationLogRepository
	API       MetafieldAPI
	Refresher TokenRefresher
	Log       *zap.Logger

	// Behavior
	MaxAttempts int           // whole-job retries before terminal failure
	OpDelay     time.Duration // pause between operations inside a job
	ExpirySkew  time.Duration // refresh the token when it expires within this window
}

// NewDispatcher builds a worker with sane defaults.
func NewDispatcher(
	consumer *kafka.Consumer,
	jobs *queue.Store,
	creds *repository.CredentialsRepository,
	quota *repository.QuotaLedger,
	ledger repository.LedgerRepository,
	oplog repository.OperationLogRepository,
	api MetafieldAPI,
	refresher TokenRefresher,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		Consumer:    consumer,
		Jobs:        jobs,
		Creds:       creds,
		Quota:       quota,
		Ledger:      ledger,
		OpLog:       oplog,
		API:         api,
		Refresher:   refresher,
		Log:         log,
		MaxAttempts: 3,
		OpDelay:     500 * time.Millisecond,
		ExpirySkew:  30 * time.Minute,
	}
}

// Run consumes and processes jobs until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
	if d.OpDelay <= 0 {
		d.OpDelay = 500 * time.Millisecond
	}

	for {
		m, err := d.Consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.Log.Warn("kafka fetch", zap.Error(err))
			time.Sleep(200 * time.Millisecond)
			continue
		}

		d.processOne(ctx, m)

		// Always commit: job state (including failure) lives in the store,
		// so redelivery would only repeat work the markers already cover.
		if err := d.Consumer.Commit(ctx, m); err != nil {
			d.Log.Warn("kafka commit", zap.Error(err))
		}
	}
}

func (d *Dispatcher) processOne(ctx context.Context, m kafka.Message) {
	var env model.JobEnvelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.JobID == "" {
		d.Log.Warn("bad job envelope, skipping", zap.Error(err))
		return
	}

	job, err := d.Jobs.Get(ctx, env.JobID)
	if err != nil {
		d.Log.Error("load job", zap.String("job_id", env.JobID), zap.Error(err))
		return
	}
	if job == nil {
		d.Log.Warn("envelope for unknown job", zap.String("job_id", env.JobID))
		return
	}
	if job.State == model.JobStateCompleted || job.State == model.JobStateFailed {
		// redelivered terminal job
		return
	}

	log := d.Log.With(zap.String("job_id", job.ID), zap.String("orgid", job.OrgID), zap.String("kind", job.Kind.String()))
	log.Info("processing job", zap.Int("operations", len(job.Operations)))

	token, ok := d.accessToken(ctx, job.OrgID, log)
	if !ok {
		d.failJob(ctx, job, "no credential for tenant", log)
		return
	}

	job.State = model.JobStateActive
	if err := d.Jobs.Save(ctx, job); err != nil {
		log.Error("save job state", zap.Error(err))
		return
	}

	var lastErr error
	for job.Attempts < d.MaxAttempts {
		job.Attempts++
		lastErr = d.runJob(ctx, job, token, log)
		if lastErr == nil {
			d.completeJob(ctx, job, log)
			return
		}
		if ctx.Err() != nil {
			// interrupted mid-run; markers let a restart resume
			return
		}
		log.Warn("job attempt failed", zap.Int("attempt", job.Attempts), zap.Error(lastErr))
	}

	d.failJob(ctx, job, lastErr.Error(), log)
}

// accessToken loads the tenant credential and lazily refreshes a token that
// is missing an expiry or about to expire. Refresh failure falls back to the
// stored token; the upstream call will surface a real auth error if it is
// truly dead.
func (d *Dispatcher) accessToken(ctx context.Context, orgID string, log *zap.Logger) (string, bool) {
	cred, err := d.Creds.Get(ctx, orgID)
	if err != nil {
		log.Error("load credential", zap.Error(err))
		return "", false
	}
	if cred == nil || cred.AccessToken == "" {
		return "", false
	}

	if cred.NeedsRefresh(time.Now(), d.ExpirySkew) && cred.RefreshToken != "" {
		if fresh, err := d.Refresher.Refresh(ctx, orgID, cred.RefreshToken); err == nil {
			return fresh, true
		} else {
			log.Warn("lazy refresh failed, using stored token", zap.Error(err))
		}
	}
	return cred.AccessToken, true
}

// runJob applies the job's operations in order, skipping those a previous
// attempt already completed. The first failure aborts the attempt.
func (d *Dispatcher) runJob(ctx context.Context, job *model.Job, token string, log *zap.Logger) error {
	total := len(job.Operations)

	for i := range job.Operations {
		op := &job.Operations[i]
		if op.Done {
			continue
		}

		job.Progress = float64(i) / float64(total) * 100
		if err := d.Jobs.Save(ctx, job); err != nil {
			return fmt.Errorf("save progress: %w", err)
		}

		result, err := d.apply(ctx, token, *op)
		if err != nil {
			d.logOperation(ctx, job, *op, false, err.Error())
			return fmt.Errorf("operation %d/%d (%s): %w", i+1, total, op.Action, err)
		}

		op.Done = true
		if job.Result == nil {
			job.Result = &model.JobResult{}
		}
		job.Result.Results = append(job.Result.Results, model.OperationResult{
			Action:  op.Action,
			Success: true,
			Result:  result,
		})

		if err := d.charge(ctx, job, i); err != nil {
			// billing hiccups must not undo an applied mutation
			log.Error("charge quota", zap.Int("op", i), zap.Error(err))
		}
		d.logOperation(ctx, job, *op, true, "")

		if err := d.Jobs.Save(ctx, job); err != nil {
			return fmt.Errorf("save completion marker: %w", err)
		}

		if i < total-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.OpDelay):
			}
		}
	}
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, token string, op model.Operation) (json.RawMessage, error) {
	switch op.Action {
	case model.OpCreate:
		return d.API.CreateMetafield(ctx, token, op.Body)
	case model.OpUpdate:
		return d.API.UpdateMetafield(ctx, token, op.TargetID, op.Body)
	case model.OpDelete:
		return d.API.DeleteMetafield(ctx, token, op.TargetID)
	default:
		return nil, fmt.Errorf("unknown action: %s", op.Action)
	}
}

// charge advances the tenant's usage counter and journals the charge with an
// idempotency key derived from (job, operation index), so a re-run of a
// completed operation can never double-bill.
func (d *Dispatcher) charge(ctx context.Context, job *model.Job, opIndex int) error {
	idem := fmt.Sprintf("charge-%s-%d", job.ID, opIndex)
	exists, err := d.Ledger.ExistsByIdem(ctx, idem)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := d.Quota.UseQuota(ctx, job.OrgID, 1); err != nil {
		return err
	}
	return d.Ledger.InsertCharge(ctx, job.OrgID, 1, job.ID, idem)
}

func (d *Dispatcher) logOperation(ctx context.Context, job *model.Job, op model.Operation, success bool, errMsg string) {
	var ok uint8
	if success {
		ok = 1
	}
	row := model.OperationLog{
		JobID:     job.ID,
		OrgID:     job.OrgID,
		Action:    op.Action,
		TargetID:  op.TargetID,
		Success:   ok,
		Error:     errMsg,
		CreatedAt: time.Now(),
	}
	if err := d.OpLog.InsertBatch(ctx, []model.OperationLog{row}); err != nil {
		d.Log.Warn("operation log insert", zap.Error(err))
	}
}

func (d *Dispatcher) completeJob(ctx context.Context, job *model.Job, log *zap.Logger) {
	job.State = model.JobStateCompleted
	job.Progress = 100
	if job.Result == nil {
		job.Result = &model.JobResult{}
	}
	job.Result.Success = true
	job.Result.TotalProcessed = len(job.Result.Results)
	job.Result.CompletedAt = time.Now()

	if err := d.Jobs.Save(ctx, job); err != nil {
		log.Error("save completed job", zap.Error(err))
		return
	}
	metrics.JobsTotal.WithLabelValues(job.Kind.String(), "completed").Inc()
	log.Info("job completed", zap.Int("processed", job.Result.TotalProcessed))
}

func (d *Dispatcher) failJob(ctx context.Context, job *model.Job, reason string, log *zap.Logger) {
	job.State = model.JobStateFailed
	job.FailedReason = reason

	if err := d.Jobs.Save(ctx, job); err != nil {
		log.Error("save failed job", zap.Error(err))
		return
	}
	metrics.JobsTotal.WithLabelValues(job.Kind.String(), "failed").Inc()
	log.Warn("job failed", zap.String("reason", reason), zap.Int("attempts", job.Attempts))
}

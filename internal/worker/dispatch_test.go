package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"lingo-gateway/internal/kafka"
	"lingo-gateway/internal/model"
	"lingo-gateway/internal/queue"
	"lingo-gateway/internal/repository"
	"lingo-gateway/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAPI struct {
	mu       sync.Mutex
	applied  []string // "<action>:<target>"
	failOn   map[string]error
	failOnce map[string]error
}

func (f *fakeAPI) record(action model.OpAction, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(action) + ":" + target
	if err, ok := f.failOn[key]; ok {
		return err
	}
	if err, ok := f.failOnce[key]; ok {
		delete(f.failOnce, key)
		return err
	}
	f.applied = append(f.applied, key)
	return nil
}

func (f *fakeAPI) CreateMetafield(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	if err := f.record(model.OpCreate, ""); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"id":"mf-new"}`), nil
}

func (f *fakeAPI) UpdateMetafield(ctx context.Context, token, metafieldID string, body json.RawMessage) (json.RawMessage, error) {
	if err := f.record(model.OpUpdate, metafieldID); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"id":"` + metafieldID + `"}`), nil
}

func (f *fakeAPI) DeleteMetafield(ctx context.Context, token, metafieldID string) (json.RawMessage, error) {
	if err := f.record(model.OpDelete, metafieldID); err != nil {
		return nil, err
	}
	return json.RawMessage(`{}`), nil
}

type fakeWorkerRefresher struct {
	token string
	err   error
	calls int
}

func (f *fakeWorkerRefresher) Refresh(ctx context.Context, orgID, refreshToken string) (string, error) {
	f.calls++
	return f.token, f.err
}

type memLedger struct {
	mu   sync.Mutex
	rows map[string]bool
}

func newMemLedger() *memLedger { return &memLedger{rows: map[string]bool{}} }

func (l *memLedger) ExistsByIdem(ctx context.Context, idem string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows[idem], nil
}

func (l *memLedger) InsertCharge(ctx context.Context, orgID string, units int64, jobID, idem string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows[idem] = true
	return nil
}

func (l *memLedger) InsertReset(ctx context.Context, orgID string, idem string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows[idem] = true
	return nil
}

type memOpLog struct {
	mu   sync.Mutex
	rows []model.OperationLog
}

func (l *memOpLog) InsertBatch(ctx context.Context, rows []model.OperationLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, rows...)
	return nil
}

func (l *memOpLog) ListByTenant(ctx context.Context, orgID string, action model.OpAction, limit, offset int) ([]model.OperationLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.OperationLog
	for _, r := range l.rows {
		if r.OrgID == orgID {
			out = append(out, r)
		}
	}
	return out, nil
}

type dispatchFixture struct {
	d      *Dispatcher
	jobs   *queue.Store
	creds  *repository.CredentialsRepository
	quota  *repository.QuotaLedger
	ledger *memLedger
	oplog  *memOpLog
	api    *fakeAPI
	ref    *fakeWorkerRefresher
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	kv := store.New(rdb)
	f := &dispatchFixture{
		jobs:   queue.NewStore(kv),
		creds:  repository.NewCredentialsRepository(kv, 0),
		quota:  repository.NewQuotaLedger(rdb, 100, 10000),
		ledger: newMemLedger(),
		oplog:  &memOpLog{},
		api:    &fakeAPI{failOn: map[string]error{}},
		ref:    &fakeWorkerRefresher{token: "refreshed-token"},
	}
	f.d = NewDispatcher(nil, f.jobs, f.creds, f.quota, f.ledger, f.oplog, f.api, f.ref, zap.NewNop())
	f.d.OpDelay = time.Millisecond
	return f
}

func (f *dispatchFixture) seedCredential(t *testing.T, orgID string, tokenExpiresAt int64) {
	t.Helper()
	_, err := f.creds.Merge(context.Background(), orgID, func(cur *model.TenantCredential) *model.TenantCredential {
		return &model.TenantCredential{
			OrgID:          orgID,
			AccessToken:    "stored-token",
			RefreshToken:   "rt",
			TokenExpiresAt: tokenExpiresAt,
			Status:         model.StatusActive,
		}
	})
	require.NoError(t, err)
}

func (f *dispatchFixture) seedJob(t *testing.T, orgID string, ops ...model.Operation) *model.Job {
	t.Helper()
	kind := model.JobKindSingle
	if len(ops) > 1 {
		kind = model.JobKindBatch
	}
	job := &model.Job{
		ID:         "job-1",
		OrgID:      orgID,
		Kind:       kind,
		Operations: ops,
		State:      model.JobStateQueued,
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return job
}

func envelope(t *testing.T, jobID, orgID string) kafka.Message {
	t.Helper()
	v, err := json.Marshal(model.JobEnvelope{JobID: jobID, OrgID: orgID})
	require.NoError(t, err)
	return kafka.Message{Value: v}
}

func TestDispatcher_CompletesBatch(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	farFuture := time.Now().Add(24 * time.Hour).UnixMilli()
	f.seedCredential(t, "org-1", farFuture)
	f.seedJob(t, "org-1",
		model.Operation{Action: model.OpCreate, Body: []byte(`{}`)},
		model.Operation{Action: model.OpUpdate, TargetID: "mf-1", Body: []byte(`{}`)},
		model.Operation{Action: model.OpDelete, TargetID: "mf-2"},
	)

	f.d.processOne(ctx, envelope(t, "job-1", "org-1"))

	job, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, job.State)
	assert.Equal(t, float64(100), job.Progress)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.Success)
	assert.Equal(t, 3, job.Result.TotalProcessed)

	assert.Equal(t, []string{"create:", "update:mf-1", "delete:mf-2"}, f.api.applied)

	// one charge per operation
	quota, err := f.quota.GetQuota(ctx, "org-1", model.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, int64(3), quota.Used)

	// fresh token: no refresh needed
	assert.Zero(t, f.ref.calls)

	assert.Len(t, f.oplog.rows, 3)
}

func TestDispatcher_FailedOperationFailsJob(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	f.seedCredential(t, "org-1", time.Now().Add(24*time.Hour).UnixMilli())
	f.api.failOn["update:mf-bad"] = errors.New("422 from upstream")
	f.seedJob(t, "org-1",
		model.Operation{Action: model.OpCreate, Body: []byte(`{}`)},
		model.Operation{Action: model.OpUpdate, TargetID: "mf-bad", Body: []byte(`{}`)},
		model.Operation{Action: model.OpDelete, TargetID: "mf-2"},
	)

	f.d.processOne(ctx, envelope(t, "job-1", "org-1"))

	job, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Contains(t, job.FailedReason, "422")
	assert.Equal(t, f.d.MaxAttempts, job.Attempts)

	// op 1 was applied exactly once despite the retries; its marker held
	created := 0
	for _, a := range f.api.applied {
		if a == "create:" {
			created++
		}
	}
	assert.Equal(t, 1, created)

	// op 3 never ran: the attempt aborts at the first failure
	assert.NotContains(t, f.api.applied, "delete:mf-2")

	// only the applied operation was billed
	quota, err := f.quota.GetQuota(ctx, "org-1", model.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), quota.Used)
}

func TestDispatcher_RetryAfterTransientFailure(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	f.seedCredential(t, "org-1", time.Now().Add(24*time.Hour).UnixMilli())

	// fail the second op on the first attempt only
	f.api.failOnce = map[string]error{"update:mf-1": errors.New("timeout")}
	f.seedJob(t, "org-1",
		model.Operation{Action: model.OpCreate, Body: []byte(`{}`)},
		model.Operation{Action: model.OpUpdate, TargetID: "mf-1", Body: []byte(`{}`)},
	)

	f.d.processOne(ctx, envelope(t, "job-1", "org-1"))

	job, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, job.State)

	// first op applied once, never replayed
	created := 0
	for _, a := range f.api.applied {
		if a == "create:" {
			created++
		}
	}
	assert.Equal(t, 1, created)

	// charged once per distinct operation
	quota, err := f.quota.GetQuota(ctx, "org-1", model.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, int64(2), quota.Used)
}

func TestDispatcher_NoCredentialFailsJob(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	f.seedJob(t, "org-ghost", model.Operation{Action: model.OpDelete, TargetID: "x"})

	f.d.processOne(ctx, envelope(t, "job-1", "org-ghost"))

	job, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Equal(t, "no credential for tenant", job.FailedReason)
	assert.Empty(t, f.api.applied)
}

func TestDispatcher_ExpiringTokenRefreshed(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	// expires in 10 minutes, inside the 30-minute skew
	f.seedCredential(t, "org-1", time.Now().Add(10*time.Minute).UnixMilli())
	f.seedJob(t, "org-1", model.Operation{Action: model.OpDelete, TargetID: "x"})

	f.d.processOne(ctx, envelope(t, "job-1", "org-1"))

	assert.Equal(t, 1, f.ref.calls)
	job, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, job.State)
}

func TestDispatcher_RefreshFailureFallsBack(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	f.ref.err = errors.New("token endpoint down")
	f.seedCredential(t, "org-1", time.Now().Add(10*time.Minute).UnixMilli())
	f.seedJob(t, "org-1", model.Operation{Action: model.OpDelete, TargetID: "x"})

	f.d.processOne(ctx, envelope(t, "job-1", "org-1"))

	// stored token still works; the job completes
	job, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, job.State)
}

func TestDispatcher_SkipsTerminalJob(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	f.seedCredential(t, "org-1", time.Now().Add(24*time.Hour).UnixMilli())
	job := f.seedJob(t, "org-1", model.Operation{Action: model.OpDelete, TargetID: "x"})
	job.State = model.JobStateCompleted
	require.NoError(t, f.jobs.Save(ctx, job))

	f.d.processOne(ctx, envelope(t, "job-1", "org-1"))

	assert.Empty(t, f.api.applied)
}

func TestDispatcher_BadEnvelopeIgnored(t *testing.T) {
	f := newDispatchFixture(t)

	f.d.processOne(context.Background(), kafka.Message{Value: []byte(`garbage`)})
	f.d.processOne(context.Background(), kafka.Message{Value: []byte(`{}`)})

	assert.Empty(t, f.api.applied)
}

func TestDispatcher_UnknownJobIgnored(t *testing.T) {
	f := newDispatchFixture(t)

	f.d.processOne(context.Background(), envelope(t, "nope", "org-1"))
	assert.Empty(t, f.api.applied)
}

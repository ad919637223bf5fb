package repository

import (
	"context"
	"errors"
	"strconv"

	"lingo-gateway/internal/model"

	"github.com/redis/go-redis/v9"
)

const quotaKeyPrefix = "quota:"

func QuotaKey(orgID string) string {
	return quotaKeyPrefix + orgID
}

// Quota is the view returned to callers: what was consumed, what is left,
// and the tier ceiling.
type Quota struct {
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
	Max       int64 `json:"max"`
}

// QuotaLedger tracks chargeable operations per tenant. The used-count is a
// plain redis counter advanced with INCRBY, so concurrent charges never lose
// an increment. Counters carry no TTL: they persist until an administrative
// reset.
type QuotaLedger struct {
	rdb      *redis.Client
	trialMax int64
	paidMax  int64
}

func NewQuotaLedger(rdb *redis.Client, trialMax, paidMax int64) *QuotaLedger {
	return &QuotaLedger{rdb: rdb, trialMax: trialMax, paidMax: paidMax}
}

// MaxFor returns the tier ceiling for a tenant status. Only a tenant with an
// active paid subscription gets the paid allotment.
func (q *QuotaLedger) MaxFor(status model.CredentialStatus) int64 {
	if status == model.StatusActive {
		return q.paidMax
	}
	return q.trialMax
}

func (q *QuotaLedger) used(ctx context.Context, orgID string) (int64, error) {
	raw, err := q.rdb.Get(ctx, QuotaKey(orgID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// GetQuota reports usage against the ceiling for the tenant's tier.
func (q *QuotaLedger) GetQuota(ctx context.Context, orgID string, status model.CredentialStatus) (Quota, error) {
	used, err := q.used(ctx, orgID)
	if err != nil {
		return Quota{}, err
	}
	max := q.MaxFor(status)
	remaining := max - used
	if remaining < 0 {
		remaining = 0
	}
	return Quota{Used: used, Remaining: remaining, Max: max}, nil
}

// CheckQuota reports whether n more chargeable operations fit.
func (q *QuotaLedger) CheckQuota(ctx context.Context, orgID string, status model.CredentialStatus, n int64) (bool, error) {
	quota, err := q.GetQuota(ctx, orgID, status)
	if err != nil {
		return false, err
	}
	return quota.Remaining >= n, nil
}

// UseQuota charges n operations and returns the new used-count. Callers must
// invoke it exactly once per successful chargeable operation.
func (q *QuotaLedger) UseQuota(ctx context.Context, orgID string, n int64) (int64, error) {
	return q.rdb.IncrBy(ctx, QuotaKey(orgID), n).Result()
}

// Reset clears the counter. Administrative use only.
func (q *QuotaLedger) Reset(ctx context.Context, orgID string) error {
	return q.rdb.Del(ctx, QuotaKey(orgID)).Err()
}

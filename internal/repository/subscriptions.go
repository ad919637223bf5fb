package repository

import (
	"context"
	"time"

	"lingo-gateway/internal/model"
	"lingo-gateway/internal/store"
)

const subscriptionKeyPrefix = "subscription:"

func SubscriptionKey(orgID string) string {
	return subscriptionKeyPrefix + orgID
}

// SubscriptionsRepository keeps the TTL-bound active-subscription markers.
// The record's TTL equals the time remaining on the subscription, so an
// expired subscription disappears without any cleanup pass.
type SubscriptionsRepository struct {
	kv *store.KV
}

func NewSubscriptionsRepository(kv *store.KV) *SubscriptionsRepository {
	return &SubscriptionsRepository{kv: kv}
}

// Save writes the marker with ttl = time until the subscription lapses.
// A non-positive ttl means the window is already over; the marker is
// deleted instead of written.
func (r *SubscriptionsRepository) Save(ctx context.Context, rec model.SubscriptionRecord, ttl time.Duration) error {
	if ttl <= 0 {
		_, err := r.kv.Delete(ctx, SubscriptionKey(rec.OrgID))
		return err
	}
	return r.kv.Set(ctx, SubscriptionKey(rec.OrgID), rec, ttl)
}

// Get returns the marker, or nil when the tenant has no live subscription.
func (r *SubscriptionsRepository) Get(ctx context.Context, orgID string) (*model.SubscriptionRecord, error) {
	var rec model.SubscriptionRecord
	ok, err := r.kv.Get(ctx, SubscriptionKey(orgID), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *SubscriptionsRepository) Delete(ctx context.Context, orgID string) error {
	_, err := r.kv.Delete(ctx, SubscriptionKey(orgID))
	return err
}

// Exists is the authoritative "currently active" check, independent of the
// status field on the credential record.
func (r *SubscriptionsRepository) Exists(ctx context.Context, orgID string) (bool, error) {
	return r.kv.Exists(ctx, SubscriptionKey(orgID))
}

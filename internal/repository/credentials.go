package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"lingo-gateway/internal/model"
	"lingo-gateway/internal/store"

	"github.com/redis/go-redis/v9"
)

const (
	credentialKeyPrefix = "credential:"

	// CredentialPattern enumerates every tenant credential key.
	CredentialPattern = credentialKeyPrefix + "*"

	// merge conflicts are transient; a handful of retries is plenty for the
	// write rates involved here.
	mergeRetries = 5
)

var ErrCredentialNotFound = errors.New("credential not found")
var ErrMergeConflict = errors.New("credential merge conflict")

func CredentialKey(orgID string) string {
	return credentialKeyPrefix + orgID
}

// OrgIDFromKey recovers the tenant id from a scanned credential key.
func OrgIDFromKey(key string) string {
	return strings.TrimPrefix(key, credentialKeyPrefix)
}

// CredentialsRepository persists TenantCredential records. Every write
// refreshes the fixed storage TTL, so untouched tenants age out on their own.
// Merges go through a WATCH transaction: two concurrent writers (lazy refresh
// on a request vs the sweep) cannot silently clobber each other.
type CredentialsRepository struct {
	kv  *store.KV
	ttl time.Duration
}

func NewCredentialsRepository(kv *store.KV, ttl time.Duration) *CredentialsRepository {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &CredentialsRepository{kv: kv, ttl: ttl}
}

// Get returns the credential for orgID, or nil when none is stored.
func (r *CredentialsRepository) Get(ctx context.Context, orgID string) (*model.TenantCredential, error) {
	var cred model.TenantCredential
	ok, err := r.kv.Get(ctx, CredentialKey(orgID), &cred)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

// Exists reports whether a credential record is stored for orgID.
func (r *CredentialsRepository) Exists(ctx context.Context, orgID string) (bool, error) {
	return r.kv.Exists(ctx, CredentialKey(orgID))
}

// ScanOrgIDs lists every tenant that currently has a credential record.
func (r *CredentialsRepository) ScanOrgIDs(ctx context.Context) ([]string, error) {
	keys, err := r.kv.ScanKeys(ctx, CredentialPattern)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, OrgIDFromKey(k))
	}
	return ids, nil
}

// Merge loads the current record (cur is nil when absent), applies the merge
// function and persists its result under the storage TTL. The whole
// read-modify-write runs under WATCH and is retried on conflict.
func (r *CredentialsRepository) Merge(ctx context.Context, orgID string, merge func(cur *model.TenantCredential) *model.TenantCredential) (*model.TenantCredential, error) {
	key := CredentialKey(orgID)
	rdb := r.kv.Client()

	var merged *model.TenantCredential
	txn := func(tx *redis.Tx) error {
		var cur *model.TenantCredential
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			cur = nil
		case err != nil:
			return err
		default:
			cur = &model.TenantCredential{}
			if err := json.Unmarshal(raw, cur); err != nil {
				return err
			}
		}

		next := merge(cur)
		if next == nil {
			merged = cur
			return nil // nothing to write
		}
		if cur != nil {
			next.Version = cur.Version + 1
		} else {
			next.Version = 1
		}

		out, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		merged = next
		return nil
	}

	for i := 0; i < mergeRetries; i++ {
		err := rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return merged, nil
	}
	return nil, ErrMergeConflict
}

// Update is Merge restricted to existing records; it fails with
// ErrCredentialNotFound instead of creating one.
func (r *CredentialsRepository) Update(ctx context.Context, orgID string, apply func(cred *model.TenantCredential)) (*model.TenantCredential, error) {
	var missing bool
	cred, err := r.Merge(ctx, orgID, func(cur *model.TenantCredential) *model.TenantCredential {
		if cur == nil {
			missing = true
			return nil
		}
		apply(cur)
		return cur
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, ErrCredentialNotFound
	}
	return cred, nil
}

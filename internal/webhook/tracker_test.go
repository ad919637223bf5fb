package webhook

import (
	"context"
	"fmt"
	"testing"
	"time"

	"lingo-gateway/internal/model"
	"lingo-gateway/internal/repository"
	"lingo-gateway/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker(t *testing.T) (*Tracker, *repository.CredentialsRepository, *repository.SubscriptionsRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	kv := store.New(rdb)
	creds := repository.NewCredentialsRepository(kv, 0)
	subs := repository.NewSubscriptionsRepository(kv)
	return NewTracker(creds, subs, "hook-secret", zap.NewNop()), creds, subs, mr
}

func seedInstalled(t *testing.T, creds *repository.CredentialsRepository, orgID string) {
	t.Helper()
	_, err := creds.Merge(context.Background(), orgID, func(cur *model.TenantCredential) *model.TenantCredential {
		return &model.TenantCredential{OrgID: orgID, Status: model.StatusTrial}
	})
	require.NoError(t, err)
}

func TestTracker_VerifyChallenge(t *testing.T) {
	tracker, _, _, _ := newTestTracker(t)

	got, err := tracker.VerifyChallenge("subscribe", "abc123", "hook-secret")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)

	_, err = tracker.VerifyChallenge("subscribe", "abc123", "wrong")
	assert.ErrorIs(t, err, ErrInvalidSecret)

	// plain GET without handshake params is not a challenge
	got, err = tracker.VerifyChallenge("", "", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTracker_ActivationWritesMarker(t *testing.T) {
	tracker, creds, subs, mr := newTestTracker(t)
	ctx := context.Background()

	seedInstalled(t, creds, "org-1")

	expiresAt := time.Now().Add(30 * 24 * time.Hour)
	body := fmt.Sprintf(`{"status":"active","expired_at":%q}`, expiresAt.Format(time.RFC3339))

	require.NoError(t, tracker.HandleEvent(ctx, TopicSubscriptionUpdate, "org-1", []byte(body)))

	cred, err := creds.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, cred.Status)

	rec, err := subs.Get(ctx, "org-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "active", rec.Status)

	// marker TTL tracks the remaining subscription window
	ttl := mr.TTL(repository.SubscriptionKey("org-1"))
	assert.InDelta(t, 30*24*time.Hour, ttl, float64(time.Minute))
}

func TestTracker_CancellationDeletesMarker(t *testing.T) {
	tracker, creds, subs, _ := newTestTracker(t)
	ctx := context.Background()

	seedInstalled(t, creds, "org-1")

	activeBody := fmt.Sprintf(`{"status":"active","expired_at":%q}`, time.Now().Add(time.Hour).Format(time.RFC3339))
	require.NoError(t, tracker.HandleEvent(ctx, TopicSubscriptionUpdate, "org-1", []byte(activeBody)))

	cancelBody := fmt.Sprintf(`{"status":"cancelled","expired_at":%q}`, time.Now().Format(time.RFC3339))
	require.NoError(t, tracker.HandleEvent(ctx, TopicSubscriptionUpdate, "org-1", []byte(cancelBody)))

	cred, err := creds.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cred.Status)

	rec, err := subs.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestTracker_CancellationWithoutExpiredAt(t *testing.T) {
	tracker, creds, subs, _ := newTestTracker(t)
	ctx := context.Background()

	seedInstalled(t, creds, "org-1")

	expiresAt := time.Now().Add(30 * 24 * time.Hour)
	activeBody := fmt.Sprintf(`{"status":"active","expired_at":%q}`, expiresAt.Format(time.RFC3339))
	require.NoError(t, tracker.HandleEvent(ctx, TopicSubscriptionUpdate, "org-1", []byte(activeBody)))

	// deactivation delivered without expired_at must still take effect
	require.NoError(t, tracker.HandleEvent(ctx, TopicSubscriptionUpdate, "org-1", []byte(`{"status":"cancelled"}`)))

	cred, err := creds.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cred.Status)
	// the window from the activation event is kept, not zeroed
	assert.Equal(t, expiresAt.UnixMilli(), cred.SubscriptionExpiresAt)

	ok, err := subs.Exists(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTracker_ActivationWithoutExpiredAt(t *testing.T) {
	tracker, creds, subs, _ := newTestTracker(t)
	ctx := context.Background()

	seedInstalled(t, creds, "org-1")

	// without a window there is no TTL to write: status lands, marker does not
	err := tracker.HandleEvent(ctx, TopicSubscriptionUpdate, "org-1", []byte(`{"status":"active"}`))
	assert.Error(t, err)

	cred, gerr := creds.Get(ctx, "org-1")
	require.NoError(t, gerr)
	assert.Equal(t, model.StatusActive, cred.Status)

	ok, gerr := subs.Exists(ctx, "org-1")
	require.NoError(t, gerr)
	assert.False(t, ok)
}

func TestTracker_EventForUninstalledTenant(t *testing.T) {
	tracker, _, subs, _ := newTestTracker(t)
	ctx := context.Background()

	// no credential record: the marker is still maintained
	body := fmt.Sprintf(`{"status":"active","expired_at":%q}`, time.Now().Add(time.Hour).Format(time.RFC3339))
	require.NoError(t, tracker.HandleEvent(ctx, TopicSubscriptionUpdate, "org-ghost", []byte(body)))

	ok, err := subs.Exists(ctx, "org-ghost")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTracker_UnixMillisExpiredAt(t *testing.T) {
	tracker, creds, _, _ := newTestTracker(t)
	ctx := context.Background()

	seedInstalled(t, creds, "org-1")

	expiresAt := time.Now().Add(time.Hour).UnixMilli()
	body := fmt.Sprintf(`{"status":"active","expired_at":%d}`, expiresAt)
	require.NoError(t, tracker.HandleEvent(ctx, TopicSubscriptionUpdate, "org-1", []byte(body)))

	cred, err := creds.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, expiresAt, cred.SubscriptionExpiresAt)
}

func TestTracker_UnknownTopicIgnored(t *testing.T) {
	tracker, _, _, _ := newTestTracker(t)

	err := tracker.HandleEvent(context.Background(), "orders/create", "org-1", []byte(`{}`))
	assert.NoError(t, err)
}

func TestTracker_MalformedBody(t *testing.T) {
	tracker, creds, _, _ := newTestTracker(t)

	seedInstalled(t, creds, "org-1")
	err := tracker.HandleEvent(context.Background(), TopicSubscriptionUpdate, "org-1", []byte(`not-json`))
	assert.Error(t, err)
}

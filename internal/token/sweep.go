package token

import (
	"context"
	"time"

	"lingo-gateway/internal/metrics"
	"lingo-gateway/internal/model"
	"lingo-gateway/internal/repository"
	"lingo-gateway/internal/util"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sweepLockKey = "lock:refresh_sweep"

// releaseScript deletes the lease only if this instance still owns it, so a
// slow sweep that outlived its TTL cannot release a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Refresher is the slice of the lifecycle manager the sweep needs.
type Refresher interface {
	Refresh(ctx context.Context, orgID, refreshToken string) (string, error)
}

// SweepStats summarizes one sweep run.
type SweepStats struct {
	Scanned   int
	Refreshed int
	Failed    int
	Skipped   int
	// SkippedRun is true when another sweep held the lease and this
	// invocation did nothing.
	SkippedRun bool
}

// Sweep walks every credential record and proactively refreshes tokens for
// tenants that are still commercially live. Tenants are processed strictly
// one at a time with a fixed pause in between; the upstream token endpoint
// rate-limits per second. A redis TTL lease keeps the sweep single-flight
// across instances.
type Sweep struct {
	creds       *repository.CredentialsRepository
	rdb         *redis.Client
	refresher   Refresher
	tenantDelay time.Duration
	lockTTL     time.Duration
	log         *zap.Logger
}

func NewSweep(
	creds *repository.CredentialsRepository,
	rdb *redis.Client,
	refresher Refresher,
	tenantDelay, lockTTL time.Duration,
	log *zap.Logger,
) *Sweep {
	if tenantDelay <= 0 {
		tenantDelay = 500 * time.Millisecond
	}
	if lockTTL <= 0 {
		lockTTL = 15 * time.Minute
	}
	return &Sweep{
		creds:       creds,
		rdb:         rdb,
		refresher:   refresher,
		tenantDelay: tenantDelay,
		lockTTL:     lockTTL,
		log:         log,
	}
}

// Run executes one sweep. Per-tenant failures are counted, never fatal; the
// lease is always released on the way out.
func (s *Sweep) Run(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	lease := util.New()
	ok, err := s.rdb.SetNX(ctx, sweepLockKey, lease, s.lockTTL).Result()
	if err != nil {
		return stats, err
	}
	if !ok {
		s.log.Warn("refresh sweep already running, skipping")
		stats.SkippedRun = true
		return stats, nil
	}
	defer func() {
		// release must survive ctx cancellation
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(relCtx, s.rdb, []string{sweepLockKey}, lease).Err(); err != nil {
			s.log.Error("release sweep lease", zap.Error(err))
		}
	}()

	s.log.Info("refresh sweep started")

	orgIDs, err := s.creds.ScanOrgIDs(ctx)
	if err != nil {
		return stats, err
	}

	now := time.Now()
	for i, orgID := range orgIDs {
		if i > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(s.tenantDelay):
			}
		}
		stats.Scanned++
		s.sweepOne(ctx, orgID, now, &stats)
	}

	s.log.Info("refresh sweep finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("refreshed", stats.Refreshed),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

func (s *Sweep) sweepOne(ctx context.Context, orgID string, now time.Time, stats *SweepStats) {
	cred, err := s.creds.Get(ctx, orgID)
	if err != nil {
		stats.Failed++
		s.log.Warn("sweep: load credential", zap.String("orgid", orgID), zap.Error(err))
		return
	}
	if cred == nil {
		stats.Skipped++
		return
	}
	if cred.Status == model.StatusUnactive || cred.Status == model.StatusCancelled {
		stats.Skipped++
		return
	}
	if cred.SubscriptionLapsed(now) {
		stats.Skipped++
		return
	}

	if _, err := s.refresher.Refresh(ctx, orgID, cred.RefreshToken); err != nil {
		stats.Failed++
		metrics.RefreshTotal.WithLabelValues("sweep", "failed").Inc()
		s.log.Warn("sweep: refresh failed", zap.String("orgid", orgID), zap.Error(err))
		return
	}
	stats.Refreshed++
	metrics.RefreshTotal.WithLabelValues("sweep", "ok").Inc()
}

package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"lingo-gateway/internal/config"
	"lingo-gateway/internal/http/middleware"
	"lingo-gateway/internal/logger"
	"lingo-gateway/internal/metrics"
	"lingo-gateway/internal/platform"
	"lingo-gateway/internal/queue"
	"lingo-gateway/internal/repository"
	"lingo-gateway/internal/store"
	"lingo-gateway/internal/token"
	"lingo-gateway/internal/webhook"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// upstream webhook delivery headers
const (
	headerWebhookTopic = "x-platform-topic"
	headerWebhookOrgID = "x-platform-org-id"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, clickhouseDB *sqlx.DB, rds *redis.Client, pub queue.Publisher) *Server {
	// repos (Redis)
	kv := store.New(rds)
	credsRepo := repository.NewCredentialsRepository(kv, cfg.Platform.CredentialTTL)
	subsRepo := repository.NewSubscriptionsRepository(kv)
	quotaRepo := repository.NewQuotaLedger(rds, cfg.Quota.TrialMax, cfg.Quota.PaidMax)
	jobsStore := queue.NewStore(kv)

	// repos (ClickHouse)
	oplogRepo := repository.NewOperationLogRepository(clickhouseDB)

	// services
	apiClient := platform.NewClient(cfg.Platform)
	tokenMgr := token.NewManager(credsRepo, subsRepo, apiClient, cfg.Quota.TrialMax, logger.Log)
	tracker := webhook.NewTracker(credsRepo, subsRepo, cfg.Webhook.Secret, logger.Log)
	queueSvc := queue.NewService(jobsStore, quotaRepo, pub)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// install flow (no tenant guard: the tenant has no session yet)
	e.GET("/auth/login", loginHandler(tokenMgr))
	e.GET("/auth/callback", installCallbackHandler(tokenMgr))

	// webhooks (authenticated by the shared secret, not by session)
	e.GET("/webhooks/subscription", webhookVerifyHandler(tracker))
	e.POST("/webhooks/subscription", webhookEventHandler(tracker, headerWebhookTopic, headerWebhookOrgID))

	// middlewares
	guardMW := middleware.TenantGuard(credsRepo, tokenMgr)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		DefaultRPS:     cfg.RateLimit.RPS,
		Burst:          cfg.RateLimit.Burst,
		KeyPrefix:      "rl:org:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", guardMW, rlMW)
	v1.GET("/quota", quotaHandler(quotaRepo))
	v1.GET("/trial", trialHandler(credsRepo))
	v1.POST("/jobs", enqueueSingleHandler(queueSvc))
	v1.POST("/jobs/batch", enqueueBatchHandler(queueSvc))
	v1.GET("/jobs/:id", jobStatusHandler(queueSvc))
	v1.GET("/reports/operations", operationReportHandler(oplogRepo))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lingo-gateway/internal/config"
	"lingo-gateway/internal/db"
	httpSrv "lingo-gateway/internal/http"
	"lingo-gateway/internal/kafka"
	"lingo-gateway/internal/logger"
	"lingo-gateway/internal/platform"
	"lingo-gateway/internal/repository"
	"lingo-gateway/internal/store"
	"lingo-gateway/internal/token"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server and the daily refresh sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.LogLevel)

		redisClient, err := db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
			DSN:             cfg.ClickHouse.DSN,
			MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
			PingTimeout:     cfg.ClickHouse.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Jobs.Topic)
		defer func() { _ = producer.Close() }()

		server := httpSrv.NewServer(cfg, chDB, redisClient, producer)

		// proactive refresh sweep, scheduled in-process
		kv := store.New(redisClient)
		credsRepo := repository.NewCredentialsRepository(kv, cfg.Platform.CredentialTTL)
		subsRepo := repository.NewSubscriptionsRepository(kv)
		apiClient := platform.NewClient(cfg.Platform)
		tokenMgr := token.NewManager(credsRepo, subsRepo, apiClient, cfg.Quota.TrialMax, logger.Log)
		sweep := token.NewSweep(credsRepo, redisClient, tokenMgr, cfg.Sweep.TenantDelay, cfg.Sweep.LockTTL, logger.Log)

		sched := cron.New()
		if _, err := sched.AddFunc(cfg.Sweep.Schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Sweep.LockTTL)
			defer cancel()
			if _, err := sweep.Run(ctx); err != nil {
				log.Printf("refresh sweep: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", cfg.Sweep.Schedule, err)
		}
		sched.Start()
		defer sched.Stop()

		errCh := make(chan error, 1)
		go func() {
			log.Printf("starting http on %s", cfg.HTTP.Addr)
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Printf("signal received: %s, shutting down...", sig)
		case err := <-errCh:
			if err != nil {
				log.Printf("http server exited: %v", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}

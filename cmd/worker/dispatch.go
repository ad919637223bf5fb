package worker

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
	"lingo-gateway/internal/kafka"
	"lingo-gateway/internal/logger"
	"lingo-gateway/internal/metrics"
	"lingo-gateway/internal/platform"
	"lingo-gateway/internal/queue"
	"lingo-gateway/internal/repository"
	"lingo-gateway/internal/store"
	"lingo-gateway/internal/token"
	"lingo-gateway/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run the job dispatch worker",
	RunE:  runDispatch,
}

func runDispatch(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.LogLevel)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) connections
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

	mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer mysqlDB.Close()

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

	// 3) repositories and services
	kv := store.New(redisClient)
	credsRepo := repository.NewCredentialsRepository(kv, cfg.Platform.CredentialTTL)
	subsRepo := repository.NewSubscriptionsRepository(kv)
	quotaRepo := repository.NewQuotaLedger(redisClient, cfg.Quota.TrialMax, cfg.Quota.PaidMax)
	ledgerRepo := repository.NewLedgerRepository(mysqlDB)
	oplogRepo := repository.NewOperationLogRepository(chDB)
	jobsStore := queue.NewStore(kv)

	apiClient := platform.NewClient(cfg.Platform)
	tokenMgr := token.NewManager(credsRepo, subsRepo, apiClient, cfg.Quota.TrialMax, logger.Log)

	// 4) kafka consumer
	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "lingogw-dispatch"
	}
	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Jobs.Topic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	d := worker.NewDispatcher(
		consumer,
		jobsStore,
		credsRepo,
		quotaRepo,
		ledgerRepo,
		oplogRepo,
		apiClient,
		tokenMgr,
		logger.Log,
	)

	// tune knobs
	if cfg.Jobs.MaxAttempts > 0 {
		d.MaxAttempts = cfg.Jobs.MaxAttempts
	}
	if cfg.Jobs.OperationDelay > 0 {
		d.OpDelay = cfg.Jobs.OperationDelay
	}

	// 5) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf(">> dispatch worker started topic=%s group=%s maxAttempts=%d opDelay=%s",
		cfg.Jobs.Topic, groupID, d.MaxAttempts, d.OpDelay)

	return d.Run(ctx)
}

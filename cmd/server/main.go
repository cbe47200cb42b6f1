package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gymops/gymsync/internal/config"
	"github.com/gymops/gymsync/internal/logger"
	"github.com/gymops/gymsync/internal/model"
	"github.com/gymops/gymsync/internal/repo"
	"github.com/gymops/gymsync/internal/service"
	httptransport "github.com/gymops/gymsync/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Member{},
		&model.Membership{},
		&model.Attendance{},
		&model.AttendanceSettings{},
		&model.OutboxEvent{},
		&model.ProcessedEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer for the processed-event reporting feed
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo & services
	repository := repo.NewRepository(gdb, rdb, kw, cfg.Attendance, log)
	ingest := service.NewIngestService(repository, cfg.Sync.BranchID, log)
	attendance := service.NewAttendanceService(repository, cfg.Sync.DeviceID, cfg.Sync.GymID, log)

	// 7. gin router
	router := httptransport.NewRouter(ingest, attendance, repository, cfg.Sync, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("gymsync-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

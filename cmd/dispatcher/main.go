package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gymops/gymsync/internal/config"
	"github.com/gymops/gymsync/internal/dispatch"
	"github.com/gymops/gymsync/internal/logger"
	"github.com/gymops/gymsync/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	// the dispatcher only touches the outbox table; no redis or kafka here
	repository := repo.NewRepository(gdb, nil, nil, cfg.Attendance, log)
	client := dispatch.NewClient(cfg.Sync.PushURL, cfg.Sync.SecretHeader, cfg.Sync.SharedSecret, cfg.Sync.RequestTimeout())
	dispatcher := dispatch.NewDispatcher(
		repository,
		client,
		cfg.Sync.DeviceID,
		cfg.Sync.GymID,
		cfg.Sync.BatchSize,
		cfg.Sync.PollInterval(),
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("gymsync-dispatcher started")
	dispatcher.Run(ctx)
}

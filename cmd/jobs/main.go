package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claritycare/triage-orchestrator/internal/config"
	"github.com/claritycare/triage-orchestrator/internal/jobs"
	"github.com/claritycare/triage-orchestrator/internal/store"
)

const dbPingTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	err = pool.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Fatalf("ping db: %v", err)
	}

	jobs.NewRunner(jobs.RunnerOptions{
		Store:          store.New(pool),
		AuditRetention: cfg.AuditRetention,
	}).Start(ctx)

	log.Printf("event=jobs_worker_started audit_retention=%s", cfg.AuditRetention)
	<-ctx.Done()
	log.Printf("event=jobs_worker_stopping")
}

package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claritycare/triage-orchestrator/internal/api"
	"github.com/claritycare/triage-orchestrator/internal/config"
	"github.com/claritycare/triage-orchestrator/internal/jobs"
	"github.com/claritycare/triage-orchestrator/internal/lifecycle"
	"github.com/claritycare/triage-orchestrator/internal/matcher"
	"github.com/claritycare/triage-orchestrator/internal/notify"
	"github.com/claritycare/triage-orchestrator/internal/presence"
	"github.com/claritycare/triage-orchestrator/internal/relay"
	"github.com/claritycare/triage-orchestrator/internal/store"
	"github.com/claritycare/triage-orchestrator/internal/ws"
)

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

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.New(pool)
	audit := store.NewAudit(st)

	registry := presence.NewRegistry()
	hub := ws.NewHub()

	rel := relay.New(hub, registry, cfg.SignalBufferTTL)
	controller := lifecycle.NewController(rel, registry, hub, audit, cfg.NegotiationTimeout)
	registry.SubscribeDisconnect(controller.HandleDisconnect)

	var notifier notify.Notifier = notify.NewFakeNotifier()
	if cfg.EmergencySMSEnabled && cfg.NotifyProvider == "sns" {
		snsNotifier, err := notify.NewSNSNotifier(ctx, notify.SNSNotifierOptions{
			Region:   cfg.SNSRegion,
			SenderID: cfg.SNSSenderID,
		})
		if err != nil {
			log.Fatalf("init sns notifier: %v", err)
		}
		notifier = snsNotifier
	}

	m := matcher.New(registry, hub, controller, audit, notifier, cfg.BroadcastTimeout, cfg.ReescalationLimit)

	gateway := ws.NewGateway(hub, registry, controller, rel)

	handler := api.NewRouter(cfg, api.Deps{
		Escalations:  m,
		Sessions:     controller,
		Signals:      rel,
		Availability: registry,
		Store:        st,
		WSHandler:    gateway,
	})

	// The signal buffer and terminal records live in this process, so
	// their sweeps run here rather than in the jobs binary.
	jobs.NewRunner(jobs.RunnerOptions{
		Signals:  rel,
		Requests: jobs.TerminalSweepFunc(m.SweepTerminal),
		Sessions: jobs.TerminalSweepFunc(controller.SweepEnded),
	}).Start(ctx)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("triage-orchestrator listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

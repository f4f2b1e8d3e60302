package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"techaura-fulfillment/internal/config"
	"techaura-fulfillment/internal/lease"
	"techaura-fulfillment/internal/logging"
	"techaura-fulfillment/internal/queue"
	"techaura-fulfillment/internal/recovery"
	"techaura-fulfillment/internal/store"
	"techaura-fulfillment/internal/telemetry"
	"techaura-fulfillment/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	cache := queue.NewDepthCache(cfg)

	// Repair state left behind by the previous process before taking work.
	reconciler := recovery.New(st, cache, cfg.MaxAttempts, log)
	if res := reconciler.Run(ctx); !res.Success {
		log.Fatal().Strs("errors", res.Errors).Msg("startup reconciliation failed, store unreachable")
	}
	if cfg.ReconcileInterval > 0 {
		go reconciler.Start(ctx, cfg.ReconcileInterval)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "worker"
		}
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}

	leases := lease.NewManager(st, cfg.MaxAttempts, log)
	runner := worker.NewRunner(leases, workerID, cfg.LeaseDuration, cfg.WorkerPollInterval, log)

	if cfg.MediaS3Bucket != "" {
		copyHandler, err := worker.NewCopyHandler(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("init copy handler")
		}
		runner.RegisterHandler("copy", copyHandler.Handle)
	}
	runner.RegisterHandler("label", worker.NewLabelHandler(cfg).Handle)
	runner.RegisterHandler("verify", worker.NewVerifyHandler(cfg.DeviceMountDir).Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Str("worker", workerID).Dur("lease", cfg.LeaseDuration).
		Int("max_attempts", cfg.MaxAttempts).Msg("worker started")
	if err := runner.Run(ctx); err != nil {
		log.Info().Err(err).Msg("worker stopped")
	}
}

package main

import (
	"DPIHub/internal/api"
	"DPIHub/internal/capture"
	"DPIHub/internal/config"
	"DPIHub/internal/dpi"
	"DPIHub/internal/events"
	"DPIHub/internal/jobs"
	"DPIHub/internal/logging"
	"DPIHub/internal/metrics"
	"DPIHub/internal/sched"
	"DPIHub/internal/session"
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logging.New("info").Fatalf("Failed to load config: %v", err)
	}

	log := logging.New(cfg.LogLevel)
	defer log.Sync()
	log.Infof("Starting dpihub-server (api=%s, metrics=%s, store=%s)",
		cfg.API.ListenAddr, cfg.API.MetricsAddr, cfg.Scheduler.Store)

	// Session registry with its expiry sweeper.
	reg := session.NewRegistry(cfg.Sessions, log)
	reg.Start()

	// Optional NATS lifecycle-event publisher. A nil publisher is a no-op,
	// so the rest of the wiring does not care whether NATS is configured.
	var pub *events.Publisher
	if cfg.Events.NATSURL != "" {
		pub, err = events.NewPublisher(cfg.Events, log)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
	}

	ctrl := capture.NewController(cfg.Capture, reg, capture.NewExecSpawner(), log)
	agg := dpi.NewAggregator(reg, log)

	// Optional ClickHouse snapshot store.
	var writer api.SnapshotWriter
	if cfg.Storage.ClickHouse.Enabled {
		ch, err := dpi.NewClickHouseWriter(cfg.Storage.ClickHouse, log)
		if err != nil {
			log.Fatalf("Failed to connect to ClickHouse: %v", err)
		}
		defer ch.Close()
		writer = ch
	}

	// Scheduler and its per-class job stores.
	scheduler := sched.New(cfg.Scheduler, pub, log)
	storeFor := func(class sched.Class) (sched.Store, error) {
		qc := cfg.Scheduler.Queues[string(class)]
		if cfg.Scheduler.Store == "redis" {
			return sched.NewRedisStore(context.Background(), cfg.Scheduler.RedisAddr, class, qc.KeepCompleted, qc.KeepFailed)
		}
		return sched.NewMemoryStore(qc.KeepCompleted, qc.KeepFailed), nil
	}
	runners := jobs.New(ctrl, reg, jobs.NewScriptRunner(cfg.Runtime, log), log)
	if err := runners.RegisterAll(scheduler, storeFor); err != nil {
		log.Fatalf("Failed to register job queues: %v", err)
	}
	scheduler.Start()

	go metrics.Serve(cfg.API.MetricsAddr, log)

	srv := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: api.NewServer(reg, ctrl, agg, scheduler, writer, log).Router(),
	}
	go func() {
		log.Infof("API server listening on %s", cfg.API.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("API server shutdown: %v", err)
	}
	scheduler.Stop()
	if err := ctrl.Stop(); err != nil {
		log.Warnf("Failed to stop capture run: %v", err)
	}
	reg.Stop()
	pub.Close()
	log.Info("Shutdown complete.")
}

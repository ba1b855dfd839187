package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/api"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/bacnet"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/buildinfo"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/cache"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/collect"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/config"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/connectivity"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/errring"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/guard"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/mirror"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/outbox"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/remote"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/store"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/supervisor"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/upload"
)

func main() {
	log.Printf("syncmcp %s (%s, built %s) starting",
		buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	// 1. Load and validate configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if cfg.APIToken != "" && config.IsWeakToken(cfg.APIToken) {
		log.Printf("WARNING: SYNCMCP_API_TOKEN is weak; use a longer random token")
	}

	// 2. Database pool and schema
	db, err := store.Open(cfg.DatabaseURL, cfg.DBPoolSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	configRepo := store.NewConfigRepo(db)
	readingRepo := store.NewReadingRepo(db)

	// rows stuck in_flight mean a previous process died mid-upload
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if n, err := readingRepo.RevertInFlight(startupCtx); err != nil {
		log.Printf("[main] in_flight recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("[main] reverted %d in_flight readings to pending", n)
	}
	cancelStartup()

	// 3. Caches (empty until the first sync on a fresh install)
	registerCache := cache.NewRegisterCache(configRepo)
	meterCache := cache.NewMeterCache(configRepo, registerCache)
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	if err := registerCache.Reload(loadCtx); err != nil {
		log.Printf("[main] initial register cache load failed: %v", err)
	}
	if err := meterCache.Reload(loadCtx); err != nil {
		log.Printf("[main] initial meter cache load failed: %v", err)
	}
	cancelLoad()

	// 4. Components
	errs := errring.NewRegistry(errring.DefaultCapacity)

	bacnetClient, err := bacnet.NewUDPClient(bacnet.Options{
		ConnectTimeout: cfg.BACnetConnectTimeout,
		ReadTimeout:    cfg.BACnetReadTimeout,
		PoolSize:       cfg.BACnetPoolSize,
		LocalAddress:   cfg.BACnetLocalAddress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer bacnetClient.Close()

	remoteClient := remote.NewClient(cfg.ClientAPIURL, cfg.ClientAPIKey, cfg.UploadTimeout)
	monitor := connectivity.NewMonitor(remoteClient, cfg.ConnectivityInterval)

	writer, err := outbox.NewWriter(readingRepo, errs, cfg.InsertBatchSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	intake := outbox.NewIntake(writer, errs, cfg.PendingHighWater)

	// the supervisor serializes cycles through its own guards; the
	// components carry separate ones guarding direct use
	guards := map[string]*guard.Guard{
		"collect": guard.New(),
		"upload":  guard.New(),
		"sync":    guard.New(),
	}

	sizes := collect.NewBatchSizeManager(cfg.MinBatch, cfg.BatchReductionFactor, cfg.BatchGrowthWindow)
	collector := collect.NewRunner(bacnetClient, meterCache, sizes, intake,
		guard.New(), cfg.MaxConcurrentMeters, cfg.CycleDeadline)
	collector.SetErrorSink(errs)
	uploader := upload.NewManager(readingRepo, remoteClient, monitor, errs,
		guard.New(), cfg.UploadBatchSize, cfg.MaxRetries, cfg.UploadDeadline)
	syncer := mirror.NewAgent(remoteClient, configRepo, registerCache, meterCache,
		errs, guard.New())

	// 5. Start background services
	monitor.Start()
	intake.Start()

	sup := supervisor.New(supervisor.Config{
		CollectionInterval: cfg.CollectionInterval,
		UploadInterval:     cfg.UploadInterval,
		SyncInterval:       cfg.SyncInterval,
		CollectionSchedule: cfg.CollectionSchedule,
		UploadSchedule:     cfg.UploadSchedule,
		SyncSchedule:       cfg.SyncSchedule,
		EdgeTriggerMin:     cfg.EdgeTriggerMin,
		ShutdownGrace:      cfg.ShutdownGrace,
	}, collector, uploader, syncer, monitor, readingRepo, guards)
	sup.Start()

	// 6. Control API
	srv := api.NewServer(cfg.ListenAddress, cfg.APIPort, cfg.APIToken,
		int64(cfg.APIMaxBodyBytes), sup, db, configRepo, errs)
	go func() {
		log.Printf("[main] control API listening on %s:%d", cfg.ListenAddress, cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("control API error: %v", err)
		}
	}()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("[main] received signal %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] control API shutdown error: %v", err)
	}

	sup.Stop()
	intake.Stop()
	monitor.Stop()
	log.Printf("[main] stopped")
}

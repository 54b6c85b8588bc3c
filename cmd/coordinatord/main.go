package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roundnews/MoneroWebCoordinator/internal/api"
	"github.com/roundnews/MoneroWebCoordinator/internal/config"
	"github.com/roundnews/MoneroWebCoordinator/internal/coord"
	"github.com/roundnews/MoneroWebCoordinator/internal/forward"
	"github.com/roundnews/MoneroWebCoordinator/internal/metrics"
	"github.com/roundnews/MoneroWebCoordinator/internal/nonce"
	"github.com/roundnews/MoneroWebCoordinator/internal/rpc"
	"github.com/roundnews/MoneroWebCoordinator/internal/session"
	"github.com/roundnews/MoneroWebCoordinator/internal/template"
	"github.com/roundnews/MoneroWebCoordinator/internal/validate"
	"github.com/roundnews/MoneroWebCoordinator/internal/ws"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if cfg.Metrics.Enable {
		prom, err := metrics.NewPromRecorder("coordinator")
		if err != nil {
			log.Fatalf("init metrics: %v", err)
		}
		metrics.Default = prom
	}

	daemon, err := rpc.New(cfg.Monerod.RPCURL, cfg.RPCTimeout())
	if err != nil {
		log.Fatalf("init daemon rpc: %v", err)
	}

	store := template.NewStore(daemon, template.Options{
		WalletAddress:   cfg.Monerod.WalletAddress,
		ReserveSize:     cfg.Monerod.ReserveSize,
		RefreshInterval: cfg.RefreshInterval(),
		StaleGrace:      cfg.StaleGrace(),
		MaxFailures:     cfg.Jobs.MaxRefreshFailures,
	})

	alloc := nonce.NewAllocator(cfg.Jobs.SliceWidth, cfg.Jobs.MinSliceWidth)

	registry := session.NewRegistry(session.Limits{
		MaxConnections:    cfg.Server.MaxConnections,
		MaxPerIP:          cfg.Server.MaxConnsPerIP,
		MessagesPerSecond: cfg.Limits.MessagesPerSecond,
		SharesPerMinute:   cfg.Limits.SharesPerMinute,
		SubmitsPerMinute:  cfg.Limits.SubmitsPerMinute,
		StrikeLimit:       cfg.Limits.StrikeLimit,
		IdleTimeout:       cfg.IdleTimeout(),
	}, alloc.Release, nil)

	validator := validate.NewValidator(nil, cfg.StaleGrace())

	forwarder := forward.New(daemon, forward.Options{
		Retries:     3,
		Backoff:     500 * time.Millisecond,
		OnForwarded: store.RequestRefresh,
	})

	engine := coord.New(store, alloc, registry, validator, forwarder, coord.Options{
		ShareDifficulty: cfg.Jobs.ShareDifficulty,
		JobTTL:          cfg.JobTTL(),
		StaleGrace:      cfg.StaleGrace(),
	})

	wsSrv := ws.NewServer(engine, ws.Options{
		Path:             cfg.Server.WSPath,
		MaxFrameBytes:    cfg.Server.MaxFrameBytes,
		WriteTimeout:     time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		MessagesPerSec:   cfg.Limits.MessagesPerSecond,
		SubmitsPerMinute: cfg.Limits.SubmitsPerMinute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx)

	// Periodic idle-session and expired-job sweeps.
	maint := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := maint.AddFunc("@every 30s", engine.Maintain); err != nil {
		log.Fatalf("schedule maintenance: %v", err)
	}
	maint.Start()
	defer maint.Stop()

	mux := http.NewServeMux()
	wsSrv.Register(mux)
	mux.Handle("/api/", api.New(engine).Handler())
	if cfg.Metrics.Enable {
		if prom, ok := metrics.Default.(*metrics.PromRecorder); ok {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(cfg.Metrics.Path, prom.Handler())
			go func() {
				log.Printf("metrics listening on %s", cfg.Metrics.ListenAddr)
				if err := http.ListenAndServe(cfg.Metrics.ListenAddr, metricsMux); err != nil {
					log.Printf("metrics server error: %v", err)
				}
			}()
		}
	}

	httpSrv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	go func() {
		log.Printf("coordinator listening on %s (ws path %s)", cfg.Server.ListenAddr, cfg.Server.WSPath)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received, stopping...")

	cancel()
	wsSrv.CloseAll("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// Package main is the entry point for the NetSentry service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netsentry/internal/alerting"
	"netsentry/internal/analytics"
	"netsentry/internal/api"
	"netsentry/internal/api/auth"
	"netsentry/internal/archive"
	"netsentry/internal/bus"
	"netsentry/internal/config"
	"netsentry/internal/correlation"
	"netsentry/internal/devices"
	"netsentry/internal/ingest"
	"netsentry/internal/live"
	"netsentry/internal/logging"
	"netsentry/internal/schema"
	"netsentry/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"bus_configured", len(cfg.Bus.Brokers) > 0,
		"analytics_enabled", cfg.Analytics.Enabled,
		"auth_enabled", cfg.Auth.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Operational store
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	// Core pipeline
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxFlowAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})
	resolver := devices.NewResolver(st, logger)
	engine := correlation.NewEngine(st, resolver, logger)

	busClient, err := bus.NewClient(cfg.Bus, logger)
	if err != nil {
		logger.Error("failed to create bus client", "error", err)
		os.Exit(1)
	}

	normalizer := ingest.NewNormalizer(
		st,
		validator,
		engine,
		busClient,
		cfg.Bus.Topics.ScoringRequests,
		cfg.Ingest.MaxBatchSize,
		logger,
	)
	discovery := ingest.NewDiscovery(st, logger)

	// Alert fan-out and live delivery
	hub := live.NewHub(logger)
	manager := alerting.NewManager(st, logger)
	manager.AddChannel(hub)
	engine.OnAlert(manager.Fanout)

	var trafficSource live.TrafficSource = st

	// Analytics sink
	var chClient *analytics.Client
	var batchWriter *analytics.BatchWriter
	var consumer *analytics.Consumer
	var flowQueue *analytics.RingBuffer

	if cfg.Analytics.Enabled {
		logger.Info("initializing analytics sink",
			"hosts", cfg.Analytics.ClickHouse.Hosts,
			"database", cfg.Analytics.ClickHouse.Database,
		)

		chClient, err = analytics.NewClient(cfg.Analytics.ClickHouse)
		if err != nil {
			logger.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}
		if err := chClient.EnsureSchema(ctx); err != nil {
			logger.Error("failed to apply analytics schema", "error", err)
			os.Exit(1)
		}

		flowQueue = analytics.NewRingBuffer(cfg.Queue.Size)
		batchWriter = analytics.NewBatchWriter(chClient, cfg.Analytics.BatchWriter, logger)
		consumer = analytics.NewConsumer(flowQueue, batchWriter, cfg.Consumer, logger)
		consumer.Start(ctx)

		normalizer.SetSink(flowQueue)
		trafficSource = live.NewFallbackSource(chClient, st, logger)
	}

	streamer := live.NewStreamer(st, trafficSource, cfg.Live, logger)

	// Bus subscriptions
	busClient.Subscribe(cfg.Bus.Topics.Flows, normalizer.HandleFlowBatch)
	busClient.Subscribe(cfg.Bus.Topics.Discovery, discovery.HandleMessage)
	busClient.Subscribe(cfg.Bus.Topics.ScoringResults, engine.HandleResultMessage)
	if err := busClient.Start(ctx); err != nil {
		logger.Error("failed to start bus client", "error", err)
		os.Exit(1)
	}

	// Token verification
	var verifier *auth.Verifier
	var sessionStorage auth.SessionStorage
	if cfg.Auth.Enabled {
		if cfg.Auth.RedisAddr != "" {
			redisClient, err := auth.NewGoRedisClient(cfg.Auth)
			if err != nil {
				logger.Error("failed to connect to redis", "error", err)
				os.Exit(1)
			}
			sessionStorage = auth.NewRedisSessionStorage(redisClient, "netsentry")
		} else {
			sessionStorage = auth.NewMemorySessionStorage()
		}
		verifier = auth.NewVerifier(cfg.Auth, sessionStorage, logger)
	} else {
		logger.Warn("auth disabled, requests identify via X-User-ID header")
	}

	// Direct-ingest listeners
	var tcpServer *ingest.TCPServer
	if cfg.Ingest.TCP.Enabled {
		tcpServer = ingest.NewTCPServer(cfg.Ingest.TCP, normalizer, logger)
		if err := tcpServer.Start(ctx); err != nil {
			logger.Error("failed to start TCP ingest", "error", err)
			os.Exit(1)
		}
	}
	var dtlsServer *ingest.DTLSServer
	if cfg.Ingest.DTLS.Enabled {
		dtlsServer, err = ingest.NewDTLSServer(cfg.Ingest.DTLS, normalizer, logger)
		if err != nil {
			logger.Error("failed to create DTLS ingest", "error", err)
			os.Exit(1)
		}
		if err := dtlsServer.Start(ctx); err != nil {
			logger.Error("failed to start DTLS ingest", "error", err)
			os.Exit(1)
		}
	}

	// Retention sweeper
	var sweeper *archive.Sweeper
	if cfg.Archive.Enabled {
		s3Client, err := archive.NewS3Client(ctx, cfg.Archive, logger)
		if err != nil {
			logger.Error("failed to create archive client", "error", err)
			os.Exit(1)
		}
		sweeper = archive.NewSweeper(st, s3Client, cfg.Archive, logger)
		sweeper.Start(ctx)
	}

	// API server
	server := api.NewServer(api.Options{
		Config:     cfg.Server,
		Store:      st,
		Bus:        busClient,
		BlockTopic: cfg.Bus.Topics.Block,
		Hub:        hub,
		Streamer:   streamer,
		Verifier:   verifier,
		Logger:     logger,
	})
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", "error", err)
	}

	if tcpServer != nil {
		tcpServer.Stop()
	}
	if dtlsServer != nil {
		dtlsServer.Stop()
	}
	if sweeper != nil {
		sweeper.Stop()
	}

	busClient.Shutdown()
	cancel()

	if cfg.Analytics.Enabled {
		if consumer != nil {
			consumer.Stop()
		}
		if batchWriter != nil {
			if err := batchWriter.Close(); err != nil {
				logger.Error("batch writer close error", "error", err)
			}
		}
		if chClient != nil {
			if err := chClient.Close(); err != nil {
				logger.Error("clickhouse close error", "error", err)
			}
		}
	}
	if flowQueue != nil {
		flowQueue.Close()
	}
	if sessionStorage != nil {
		if err := sessionStorage.Close(); err != nil {
			logger.Error("session storage close error", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	nm := normalizer.Metrics()
	logger.Info("shutdown complete",
		"batches", nm.Batches,
		"lines", nm.Lines,
		"accepted", nm.Accepted,
		"skipped", nm.Skipped,
		"sink_drops", nm.SinkDrops,
	)
}

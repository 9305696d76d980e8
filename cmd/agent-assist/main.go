// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/agent-assist/config"
	"github.com/rapidaai/agent-assist/internal/asr"
	"github.com/rapidaai/agent-assist/internal/asr/provider"
	"github.com/rapidaai/agent-assist/internal/assist"
	"github.com/rapidaai/agent-assist/internal/bus"
	"github.com/rapidaai/agent-assist/internal/fanout"
	"github.com/rapidaai/agent-assist/internal/ingest"
	"github.com/rapidaai/agent-assist/internal/metrics"
	"github.com/rapidaai/agent-assist/internal/registry"
	"github.com/rapidaai/agent-assist/pkg/commons"
	"github.com/rapidaai/agent-assist/pkg/connectors"
	"github.com/rapidaai/agent-assist/pkg/utils"
)

const shutdownTimeout = 15 * time.Second

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("config init failed: %v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("config invalid: %v", err)
	}

	var loggerOpts []commons.LoggerOption
	if cfg.LogFile != "" {
		loggerOpts = append(loggerOpts, commons.WithLogFile(cfg.LogFile))
	}
	logger := commons.NewLogger(cfg.LogLevel, loggerOpts...)
	defer logger.Sync()
	logger.Infow("Starting", "service", cfg.Name, "version", cfg.Version, "adapter", cfg.PubsubAdapter)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	var (
		msgBus  bus.Bus
		callReg registry.Registry
	)
	regOpts := []registry.Option{
		registry.WithCallTTL(time.Duration(cfg.CallTTLSeconds) * time.Second),
		registry.WithEndedTTL(time.Duration(cfg.EndedCallTTLSeconds) * time.Second),
	}
	switch cfg.PubsubAdapter {
	case "in_memory":
		msgBus = bus.NewMemoryBus(logger)
		callReg = registry.NewMemoryRegistry(regOpts...)
	default:
		redisConn, err := connectors.NewRedisConnector(cfg.RedisURL, logger)
		if err != nil {
			logger.Fatalf("redis connect failed: %v", err)
		}
		defer redisConn.Close()
		msgBus = bus.NewStreamBus(redisConn, logger, bus.WithReconnectCounter(m.BusReconnects))
		callReg = registry.NewRedisRegistry(redisConn, logger, regOpts...)
	}

	var asrProvider provider.Provider
	switch cfg.AsrProvider {
	case "fake":
		asrProvider = provider.NewFakeProvider()
	default:
		asrProvider = provider.NewDeepgramProvider(cfg.VendorApiKey, utils.Option{"model": cfg.AsrModel}, logger)
	}

	assistClient := assist.NewNoopClient()
	if cfg.AssistHost != "" {
		assistClient = assist.NewHTTPClient(cfg.AssistHost, logger)
	}

	gateway, err := ingest.NewGateway(cfg, msgBus, callReg, m, logger)
	if err != nil {
		logger.Fatalf("ingest gateway init failed: %v", err)
	}
	worker := asr.NewWorker(asr.ConfigFromApp(cfg), asrProvider, msgBus, m, logger)
	fan := fanout.NewService(fanout.ConfigFromApp(cfg), msgBus, callReg, assistClient, m, logger)
	fan.SetHealthExtra("ingest_connections", func() interface{} { return gateway.ActiveConnections() })
	fan.SetHealthExtra("asr_active_buffers", func() interface{} { return worker.ActiveBuffers() })
	fan.SetHealthExtra("pubsub_adapter", func() interface{} { return cfg.PubsubAdapter })

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "x-tenant-id"},
		MaxAge:          12 * time.Hour,
	}))

	gateway.RegisterRoutes(engine)
	fan.RegisterRoutes(engine)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.Start(ctx); err != nil {
		logger.Fatalf("asr worker start failed: %v", err)
	}
	if err := fan.Start(ctx); err != nil {
		logger.Fatalf("fanout start failed: %v", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("Listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Drain front to back: stop taking audio, let the worker flush to
		// the vendor, then release the dashboards.
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("Ingest drain incomplete", "error", err.Error())
		}
		if err := worker.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("ASR drain incomplete", "error", err.Error())
		}
		if err := fan.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("Fan-out drain incomplete", "error", err.Error())
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("HTTP shutdown incomplete", "error", err.Error())
		}
		return msgBus.Close()
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("exited with error: %v", err)
	}
	logger.Info("Stopped")
}

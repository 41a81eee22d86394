package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"meshchat/internal/infrastructure/monitoring"
	"meshchat/internal/infrastructure/repositories"
	signalsrv "meshchat/internal/infrastructure/signal"
	"meshchat/pkg/config"
	"meshchat/pkg/logger"
	"meshchat/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateRelay(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	zlog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zlog.Sync()
	slog := zlog.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		slog.Fatalw("failed to init tracing", "error", err)
	}

	factory := repositories.NewFactory(cfg, slog)
	defer factory.Close()

	var collector *monitoring.Collector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewCollector()
	}

	server := signalsrv.NewServer(factory.CreatePresenceRepository(), collector, signalsrv.Options{
		PingInterval: cfg.Relay.PingInterval,
		PongTimeout:  cfg.Relay.PongTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
		RateLimit:    rateLimit(cfg),
		RateBurst:    cfg.Relay.RateLimit.Burst,
	}, slog)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", gin.WrapF(server.HandleWebSocket))
	router.GET("/health", server.Health)
	router.GET("/ready", func(c *gin.Context) {
		if err := factory.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	httpServer := &http.Server{
		Addr:    cfg.Relay.Address,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Infow("signaling relay listening", "address", cfg.Relay.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Fatalw("relay server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warnw("shutdown incomplete", "error", err)
	}
	tp.Shutdown(shutdownCtx)
}

func rateLimit(cfg *config.Config) float64 {
	if !cfg.Relay.RateLimit.Enabled {
		return 0
	}
	return cfg.Relay.RateLimit.MessagesPerSecond
}

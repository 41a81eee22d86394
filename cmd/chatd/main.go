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

	"meshchat/internal/core/domain"
	"meshchat/internal/core/services"
	httphandlers "meshchat/internal/handlers/http"
	"meshchat/internal/infrastructure/relayclient"
	"meshchat/internal/infrastructure/repositories"
	"meshchat/internal/infrastructure/rtc"
	"meshchat/pkg/config"
	"meshchat/pkg/logger"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "configs/chatd.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	zlog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zlog.Sync()
	slog := zlog.Sugar()

	localID := domain.PeerID(cfg.Identity.PeerID)
	profile := domain.Profile{
		ID:          localID,
		DisplayName: cfg.Identity.DisplayName,
		AvatarRef:   cfg.Identity.AvatarRef,
		Online:      true,
	}
	if profile.DisplayName == "" {
		profile.DisplayName = string(localID)
	}

	factory := repositories.NewFactory(cfg, slog)
	defer factory.Close()
	store := factory.CreateMessageStore()
	defer store.Close()

	relay := relayclient.New(relayclient.Options{
		URL:              cfg.Client.RelayURL,
		LocalID:          localID,
		AnnounceInterval: cfg.Client.AnnounceInterval,
		DialTimeout:      cfg.Client.DialTimeout,
		WriteTimeout:     cfg.Client.WriteTimeout,
	}, slog)

	channels := rtc.NewFactory(cfg.Client.STUNServers, slog)
	manager := services.NewManager(localID, relay, channels, store, slog)
	manager.SetLocalProfile(profile)

	roster := services.NewRoster()
	presence := services.NewPresenceService(manager, roster, profile, slog)
	presence.OnMessage = func(msg domain.Message) {
		slog.Infow("message received", "from", msg.SenderID, "message_id", msg.ID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Errorw("connection manager stopped", "error", err)
			stop()
		}
	}()
	go presence.Run(ctx)

	handler := httphandlers.NewChatHandler(manager, store, roster, presence)
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler.SetupRoutes(router)

	httpServer := &http.Server{
		Addr:    cfg.API.Address,
		Handler: router,
	}

	go func() {
		slog.Infow("local API listening", "address", cfg.API.Address, "peer_id", localID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Fatalw("local API failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warnw("shutdown incomplete", "error", err)
	}
}

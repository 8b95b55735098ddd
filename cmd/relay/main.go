package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"firebase.google.com/go/v4/messaging"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/farakor/osonish-relay/internal/analytics"
	"github.com/farakor/osonish-relay/internal/apns"
	"github.com/farakor/osonish-relay/internal/config"
	"github.com/farakor/osonish-relay/internal/fcm"
	"github.com/farakor/osonish-relay/internal/obs"
	"github.com/farakor/osonish-relay/internal/server"
	"github.com/farakor/osonish-relay/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Cannot load config: %v", err)
	}

	logger, err := obs.NewLogger(obs.LogConfig{
		Level:      cfg.LogLevel,
		Dir:        cfg.LogDir,
		Production: cfg.Production(),
		App:        "osonish-notification-relay",
		Env:        cfg.Env,
	})
	if err != nil {
		log.Fatalf("Cannot create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.UsesDefaultToken() {
		logger.Warn("API_TOKEN not set, using the built-in default token")
	}

	// Channels stay registered when credentials are missing so their sends fail per request.
	var messenger fcm.Messenger
	if cfg.FCMEnabled() {
		if client, err := newFCMClient(cfg); err != nil {
			logger.Warn("FCM disabled", zap.Error(err))
		} else {
			messenger = client
			logger.Info("FCM channel initialized")
		}
	} else {
		logger.Warn("FCM disabled: FIREBASE_SERVICE_ACCOUNT_PATH not configured")
	}

	var pusher apns.Pusher
	if cfg.APNSEnabled() {
		if client, err := newAPNSClient(cfg); err != nil {
			logger.Warn("APNs disabled", zap.Error(err))
		} else {
			pusher = client
			logger.Info("APNs channel initialized",
				zap.String("endpoint", client.Endpoint()),
				zap.String("bundleId", cfg.APNSBundleID))
		}
	} else {
		logger.Warn("APNs disabled: APNS_KEY_PATH, APNS_KEY_ID or APNS_TEAM_ID not configured")
	}

	recorder := analytics.NewRecorder(analytics.WithLimits(cfg.AnalyticsMaxEntries, cfg.AnalyticsKeepEntries))
	relay := service.NewNotificationService(
		fcm.NewSender(messenger, logger),
		apns.NewSender(pusher, cfg.APNSBundleID, logger),
		recorder,
		logger,
	)

	httpServer := server.New(relay, server.Options{
		APIToken:     cfg.APIToken,
		MaxBatchSize: cfg.MaxBatchSize,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping relay")
	case err := <-errCh:
		logger.Error("could not start server", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	logger.Info("server exiting")
}

func newFCMClient(cfg *config.Config) (*messaging.Client, error) {
	serviceAccount, err := os.ReadFile(cfg.FirebaseServiceAccountPath)
	if err != nil {
		return nil, err
	}
	return fcm.NewClient(context.Background(), serviceAccount)
}

func newAPNSClient(cfg *config.Config) (*apns.Client, error) {
	key, err := os.ReadFile(cfg.APNSKeyPath)
	if err != nil {
		return nil, err
	}
	return apns.NewClient(apns.Config{
		KeyID:      cfg.APNSKeyID,
		TeamID:     cfg.APNSTeamID,
		SigningKey: key,
		Production: cfg.Production(),
	})
}

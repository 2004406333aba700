package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bridge-backend/internal/app"
	"bridge-backend/internal/config"
	"bridge-backend/internal/handlers"
	"bridge-backend/internal/router"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default config.yaml, config.local.yaml preferred)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	setupLogging(cfg.Log)

	logrus.WithFields(logrus.Fields{
		"participantId": cfg.Operator.ParticipantID,
		"coordinator":   cfg.Operator.IsCoordinator(),
		"threshold":     cfg.Operator.Threshold,
		"operators":     cfg.TotalOperators(),
		"asset":         cfg.Bridge.Asset,
	}).Info("🚀 Starting bridge operator")

	container, err := app.NewServiceContainer(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize services")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Key establishment can require every operator to be online. Give
	// the ceremony the configured DKG window plus slack before giving up.
	startCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Operator.DKGTimeout)*time.Second*3+time.Minute)
	err = container.Start(startCtx)
	cancel()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start bridge operator")
	}

	bridgeHandler := handlers.NewBridgeHandler(container.AddressService, container.LedgerRepo, container.StatusService)
	wsHandler := handlers.NewStatusWSHandler(container.StatusService)
	adminHandler := handlers.NewAdminHandler(cfg.Admin, container.SigningService, container.StateRepo)
	engine := router.SetupRouter(cfg, bridgeHandler, wsHandler, adminHandler)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logrus.WithField("addr", server.Addr).Info("🌐 HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logrus.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("HTTP server shutdown failed")
		}

		container.Stop()
		return nil
	})

	if err := group.Wait(); err != nil {
		logrus.WithError(err).Error("Bridge operator exited with error")
		os.Exit(1)
	}
	logrus.Info("👋 Bridge operator stopped")
}

func setupLogging(cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
}

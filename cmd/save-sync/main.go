package main

import (
	"context"
	"os"
	"time"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/auth"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/cache"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/config"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/connection"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/database"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/event"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/flush"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/handler"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/ledger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/mail"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/router"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/server"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/session"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/telemetry"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/utils"
)

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		os.Exit(1)
	}
	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogDir)
	logger.Debug("Application initializing...")
	cleaner := event.Default()
	cleaner.Init(loggerCallback)
	fatal := func(format string, v ...any) {
		logger.FatalF(format, v...)
		cleaner.Shutdown()
		os.Exit(1)
	}

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.AppName)
	if err != nil {
		fatal("Error occured while initializing telemetry, details: %v", err)
	}
	cleaner.Add(shutdownTelemetry)

	gateway, err := database.Open(ctx, cfg)
	if err != nil {
		fatal("Error occured while initializing database, details: %v", err)
	}
	cleaner.Add(database.NewCloseCallback(gateway))

	l := ledger.New()
	stateCache := cache.New(l, cache.Config{
		Enabled:       cfg.Cache.Enabled,
		CleanCapacity: cfg.Cache.CleanCapacity,
		CleanTTL:      utils.ParseStringTime(cfg.Cache.CleanTTL),
	})
	sessionTTL := utils.ParseStringTime(cfg.Session.TTL)
	sessions := session.NewRegistry(sessionTTL)
	writer := handler.NewStateWriter(stateCache, gateway)
	eventRouter := router.New(sessions, router.WithHandlers(handler.All(writer)...))

	coordinator := flush.NewCoordinator(stateCache, l, gateway, flush.Config{
		BatchSize:    cfg.Flush.BatchSize,
		MaxResidency: utils.ParseStringTime(cfg.Flush.MaxProcessingResidency),
	})
	scheduler := flush.NewScheduler(coordinator, sessions,
		utils.ParseStringTime(cfg.Flush.Interval),
		utils.ParseStringTime(cfg.Session.SweepInterval))
	scheduler.Start(ctx)
	cleaner.Add(scheduler)

	mailSweeper := mail.NewSweeper(l, gateway, cfg.Mail.BatchSize, utils.ParseStringTime(cfg.Mail.SweepInterval), time.Now)
	if _, err := mailSweeper.Load(ctx); err != nil {
		logger.ErrorF("Fail to load mail expiries, details: %v", err)
	}
	mailSweeper.Start(ctx)
	cleaner.Add(mailSweeper)

	connections := connection.NewConnectionManager()
	srv := server.New(server.Deps{
		Sessions:    sessions,
		Router:      eventRouter,
		Verifier:    auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, nil),
		Connections: connections,
		Cache:       stateCache,
		Coordinator: coordinator,
		Scheduler:   scheduler,
		Mail:        mailSweeper,
		Gateway:     gateway,
		AdminRole:   cfg.Auth.AdminRole,
		SessionTTL:  sessionTTL,
	})

	appServer := server.NewHTTPServer("App", cfg.AppPort, srv.AppHandler())
	appServer.OnShutdown(connections.CloseAll)
	if _, err := appServer.Start(); err != nil {
		fatal("App server start error: %v", err)
	}
	cleaner.Add(appServer)

	adminServer := server.NewHTTPServer("Admin", cfg.AdminPort, srv.AdminHandler())
	if _, err := adminServer.Start(); err != nil {
		fatal("Admin server start error: %v", err)
	}
	cleaner.Add(adminServer)

	logger.InfoF("%s started, cache enabled: %v", cfg.AppName, stateCache.Enabled())
	select {}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"aqicache/internal/aqi/controller"
	"aqicache/internal/aqi/fetcher"
	"aqicache/internal/aqi/maintainer"
	"aqicache/internal/aqi/parser"
	"aqicache/internal/aqi/repository"
	"aqicache/internal/aqi/scheduler"
	"aqicache/internal/aqi/views"
	"aqicache/internal/config"
	"aqicache/internal/db"
	"aqicache/internal/httpapi"
	"aqicache/internal/migrate"
	"aqicache/internal/mqtt"
)

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"dbDriver", cfg.Driver,
		"sqlitePath", cfg.Path,
		"location", cfg.Location,
		"waqiBaseURL", cfg.WAQIBaseURL,
		"updateInterval", cfg.UpdateInterval.String(),
		"fetchTimeout", cfg.FetchTimeout.String(),
		"retentionHours", cfg.RetentionHours,
		"timezone", cfg.TimeZone.String(),
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopicPrefix", cfg.MQTTTopicPrefix,
	)

	dbConn, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			logger.Error("db close", "error", closeErr)
		}
	}()

	if err := migrate.Run(ctx, dbConn, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	options, err := views.LoadOptions(cfg.DisplayConfig)
	if err != nil {
		return err
	}

	repo := repository.NewRepository(dbConn, repository.WithLocation(cfg.TimeZone))
	maint := maintainer.New(repo, cfg.RetentionHours, logger)
	if res, err := maint.Run(ctx); err != nil {
		logger.Warn("startup prune failed", "error", err)
	} else {
		logger.Info("startup prune", "pruned", res.Pruned, "collapsed", res.Collapsed)
	}

	client := fetcher.New(cfg.WAQIBaseURL, cfg.WAQIToken, &http.Client{Timeout: cfg.FetchTimeout}, logger)
	sched := scheduler.New(scheduler.Config{
		Interval:            cfg.UpdateInterval,
		FetchTimeout:        cfg.FetchTimeout,
		MaintenanceInterval: cfg.MaintenanceInterval,
		Location:            cfg.Location,
	}, client, parser.New(cfg.TimeZone), repo, maint, logger)

	aqiController := controller.NewAQIController(repo, sched, controller.Config{
		Options:        options,
		StaleAfter:     cfg.StaleAfter,
		RetentionHours: cfg.RetentionHours,
	}, logger)
	mux := httpapi.NewMux(dbConn, aqiController)

	// Register the bridge before the scheduler starts so the first reading is published.
	if cfg.MQTTEnabled() {
		bridge := mqtt.NewBridge(cfg, sched, logger)
		sched.AddNotifier(bridge)
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err = bridge.Connect(connectCtx)
		connectCancel()
		if err != nil {
			logger.Warn("mqtt connection failed (continuing; paho keeps retrying)", "error", err)
		}
		defer func() {
			logger.Info("mqtt disconnecting")
			bridge.Disconnect()
		}()
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := httpapi.NewServer(cfg, mux, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}

package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"aqicache/internal/aqi/repository"
	"aqicache/internal/aqi/scheduler"
	"aqicache/internal/aqi/views"
)

// Updater is the part of the scheduler the HTTP surface drives.
type Updater interface {
	RequestUpdate(ctx context.Context, force bool) (scheduler.Outcome, error)
	ChangeLocation(ctx context.Context, location string) (scheduler.Outcome, error)
	Status() scheduler.Status
}

type AQIController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type Config struct {
	Options        views.Options
	StaleAfter     time.Duration
	RetentionHours int
}

type aqiControllerImpl struct {
	repository repository.CacheRepository
	updater    Updater
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func NewAQIController(repository repository.CacheRepository, updater Updater, cfg Config, logger *slog.Logger) AQIController {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = defaultWindowHours
	}
	return &aqiControllerImpl{
		repository: repository,
		updater:    updater,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *aqiControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/readings/latest", c.handleLatest)
	mux.HandleFunc("GET /api/readings", c.handleReadings)
	mux.HandleFunc("GET /api/status", c.handleStatus)
	mux.HandleFunc("GET /api/title", c.handleTitle)
	mux.HandleFunc("POST /api/refresh", c.handleRefresh)
	mux.HandleFunc("PUT /api/location", c.handleLocation)
}

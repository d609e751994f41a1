package controller

import (
	"errors"
	"net/http"
	"strings"

	"aqicache/internal/aqi/fetcher"
	"aqicache/internal/aqi/types"
	"aqicache/internal/aqi/views"
	"aqicache/internal/utils"
)

func (c *aqiControllerImpl) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := c.repository.GetLatest(r.Context())
	if err != nil {
		c.logger.Error("latest: get latest failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load reading")
		return
	}
	if latest == nil {
		utils.WriteError(w, http.StatusNotFound, "no reading cached")
		return
	}
	a := age(c.now(), latest)
	utils.WriteJSON(w, http.StatusOK, latestResponse{
		Reading:    latest,
		AgeSeconds: int64(a.Seconds()),
		Stale:      c.cfg.StaleAfter > 0 && a > c.cfg.StaleAfter,
	})
}

func (c *aqiControllerImpl) handleReadings(w http.ResponseWriter, r *http.Request) {
	hours, err := parseHoursQuery(r, c.cfg.RetentionHours)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	readings, err := c.repository.GetWindow(r.Context(), hours)
	if err != nil {
		c.logger.Error("readings: get window failed", "hours", hours, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	if readings == nil {
		readings = []types.Reading{}
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"hours": hours,
		"items": readings,
	})
}

func (c *aqiControllerImpl) handleStatus(w http.ResponseWriter, r *http.Request) {
	n, err := c.repository.Count(r.Context())
	if err != nil {
		c.logger.Error("status: count failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to count readings")
		return
	}
	utils.WriteJSON(w, http.StatusOK, statusResponse{Status: c.updater.Status(), CachedReadings: n})
}

func (c *aqiControllerImpl) handleTitle(w http.ResponseWriter, r *http.Request) {
	latest, err := c.repository.GetLatest(r.Context())
	if err != nil {
		c.logger.Error("title: get latest failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load reading")
		return
	}
	stale := latest == nil
	if latest != nil && c.cfg.StaleAfter > 0 {
		stale = age(c.now(), latest) > c.cfg.StaleAfter
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"title": views.Title(latest, c.cfg.Options),
		"stale": stale,
	})
}

func (c *aqiControllerImpl) handleRefresh(w http.ResponseWriter, r *http.Request) {
	outcome, err := c.updater.RequestUpdate(r.Context(), true)
	if err != nil {
		c.logger.Warn("refresh failed", "outcome", outcome.String(), "error", err)
	}
	utils.WriteJSON(w, outcomeStatus(outcome), newUpdateResponse(outcome, err))
}

type locationRequest struct {
	Location string `json:"location"`
}

func (c *aqiControllerImpl) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	location := strings.TrimSpace(req.Location)
	if location == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing location")
		return
	}
	if _, err := fetcher.FeedPath(location); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := c.updater.ChangeLocation(r.Context(), location)
	if errors.Is(err, types.ErrEmptyLocation) {
		utils.WriteError(w, http.StatusBadRequest, "missing location")
		return
	}
	if err != nil {
		c.logger.Warn("location change: update failed", "location", location, "outcome", outcome.String(), "error", err)
	}
	resp := newUpdateResponse(outcome, err)
	resp.Location = location
	utils.WriteJSON(w, outcomeStatus(outcome), resp)
}

package controller

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"aqicache/internal/aqi/scheduler"
	"aqicache/internal/aqi/types"
)

const defaultWindowHours = 24

// parseHoursQuery returns ?hours=N, defaulting to 24 (or maxHours if smaller).
func parseHoursQuery(r *http.Request, maxHours int) (int, error) {
	s := r.URL.Query().Get("hours")
	if s == "" {
		return min(defaultWindowHours, maxHours), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid 'hours' (expected integer)")
	}
	if n <= 0 {
		return 0, errors.New("'hours' must be > 0")
	}
	if n > maxHours {
		return 0, fmt.Errorf("'hours' must be <= %d", maxHours)
	}
	return n, nil
}

// outcomeStatus maps an update outcome to the HTTP status of the reply.
func outcomeStatus(o scheduler.Outcome) int {
	switch o {
	case scheduler.OutcomeStored, scheduler.OutcomeSkipped:
		return http.StatusOK
	case scheduler.OutcomeDropped:
		return http.StatusAccepted
	case scheduler.OutcomeNoLocation:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

type latestResponse struct {
	Reading    *types.Reading `json:"reading"`
	AgeSeconds int64          `json:"ageSeconds"`
	Stale      bool           `json:"stale"`
}

type statusResponse struct {
	scheduler.Status
	CachedReadings int `json:"cachedReadings"`
}

type updateResponse struct {
	Outcome  scheduler.Outcome `json:"outcome"`
	Error    string            `json:"error,omitempty"`
	Location string            `json:"location,omitempty"`
}

func newUpdateResponse(o scheduler.Outcome, err error) updateResponse {
	resp := updateResponse{Outcome: o}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func age(now time.Time, r *types.Reading) time.Duration {
	d := now.Sub(r.ObservedAt)
	if d < 0 {
		return 0
	}
	return d
}

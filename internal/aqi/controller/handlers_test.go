package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aqicache/internal/aqi/scheduler"
	"aqicache/internal/aqi/types"
	"aqicache/internal/aqi/views"
)

var fixedNow = time.Date(2024, 5, 10, 14, 30, 0, 0, time.UTC)

type mockRepo struct {
	latest     *types.Reading
	latestErr  error
	window     []types.Reading
	windowErr  error
	gotHours   int
	windowHits int
	count      int
	countErr   error
}

func (m *mockRepo) Upsert(ctx context.Context, r types.Reading) error { return nil }

func (m *mockRepo) GetLatest(ctx context.Context) (*types.Reading, error) {
	return m.latest, m.latestErr
}

func (m *mockRepo) GetWindow(ctx context.Context, hours int) ([]types.Reading, error) {
	m.gotHours = hours
	m.windowHits++
	return m.window, m.windowErr
}

func (m *mockRepo) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (m *mockRepo) CollapseDuplicates(ctx context.Context) (int64, error) { return 0, nil }

func (m *mockRepo) Count(ctx context.Context) (int, error) { return m.count, m.countErr }

type mockUpdater struct {
	outcome     scheduler.Outcome
	err         error
	status      scheduler.Status
	forced      []bool
	newLocation string
}

func (m *mockUpdater) RequestUpdate(ctx context.Context, force bool) (scheduler.Outcome, error) {
	m.forced = append(m.forced, force)
	return m.outcome, m.err
}

func (m *mockUpdater) ChangeLocation(ctx context.Context, location string) (scheduler.Outcome, error) {
	m.newLocation = location
	return m.outcome, m.err
}

func (m *mockUpdater) Status() scheduler.Status { return m.status }

func reading(observedAt time.Time) *types.Reading {
	return &types.Reading{
		HourBucket:  types.BucketOf(observedAt, time.UTC),
		ObservedAt:  observedAt,
		City:        "Gdańsk",
		AQI:         42,
		Environment: types.Environment{Temperature: types.Float(25), Humidity: types.Float(60)},
	}
}

func newController(repo *mockRepo, upd *mockUpdater) *aqiControllerImpl {
	c := NewAQIController(repo, upd, Config{
		Options:        views.DefaultOptions(),
		StaleAfter:     10 * time.Minute,
		RetentionHours: 48,
	}, nil).(*aqiControllerImpl)
	c.now = func() time.Time { return fixedNow }
	return c
}

func serve(c *aqiControllerImpl, method, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	return got
}

func Test_handleLatest(t *testing.T) {
	t.Run("returns 404 when cache is empty", func(t *testing.T) {
		rec := serve(newController(&mockRepo{}, &mockUpdater{}), http.MethodGet, "/api/readings/latest", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusNotFound)
		}
	})

	t.Run("returns 500 when repository fails", func(t *testing.T) {
		repo := &mockRepo{latestErr: errors.New("disk I/O error")}
		rec := serve(newController(repo, &mockUpdater{}), http.MethodGet, "/api/readings/latest", "")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusInternalServerError)
		}
		if strings.Contains(rec.Body.String(), "disk I/O") {
			t.Errorf("body leaks storage error: %q", rec.Body.String())
		}
	})

	tests := []struct {
		name      string
		observed  time.Time
		wantAge   float64
		wantStale bool
	}{
		{name: "fresh", observed: fixedNow.Add(-2 * time.Minute), wantAge: 120, wantStale: false},
		{name: "stale", observed: fixedNow.Add(-11 * time.Minute), wantAge: 660, wantStale: true},
		{name: "clock skew", observed: fixedNow.Add(time.Minute), wantAge: 0, wantStale: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepo{latest: reading(tt.observed)}
			rec := serve(newController(repo, &mockUpdater{}), http.MethodGet, "/api/readings/latest", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
			}
			got := decode(t, rec)
			if got["ageSeconds"] != tt.wantAge {
				t.Errorf("ageSeconds = %v; want %v", got["ageSeconds"], tt.wantAge)
			}
			if got["stale"] != tt.wantStale {
				t.Errorf("stale = %v; want %v", got["stale"], tt.wantStale)
			}
			rd, ok := got["reading"].(map[string]any)
			if !ok || rd["aqi"] != float64(42) || rd["city"] != "Gdańsk" {
				t.Errorf("reading = %v", got["reading"])
			}
		})
	}
}

func Test_handleReadings(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantHours int
	}{
		{name: "default", query: "", wantCode: http.StatusOK, wantHours: 24},
		{name: "explicit", query: "?hours=6", wantCode: http.StatusOK, wantHours: 6},
		{name: "retention bound", query: "?hours=48", wantCode: http.StatusOK, wantHours: 48},
		{name: "above retention", query: "?hours=49", wantCode: http.StatusBadRequest},
		{name: "zero", query: "?hours=0", wantCode: http.StatusBadRequest},
		{name: "not a number", query: "?hours=day", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepo{}
			rec := serve(newController(repo, &mockUpdater{}), http.MethodGet, "/api/readings"+tt.query, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d; want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				if repo.windowHits != 0 {
					t.Errorf("GetWindow called %d times on bad request", repo.windowHits)
				}
				return
			}
			if repo.gotHours != tt.wantHours {
				t.Errorf("GetWindow hours = %d; want %d", repo.gotHours, tt.wantHours)
			}
			got := decode(t, rec)
			items, ok := got["items"].([]any)
			if !ok || len(items) != 0 {
				t.Errorf("items = %v; want empty array", got["items"])
			}
		})
	}

	t.Run("returns readings in repository order", func(t *testing.T) {
		repo := &mockRepo{window: []types.Reading{
			*reading(fixedNow.Add(-2 * time.Hour)),
			*reading(fixedNow.Add(-time.Hour)),
		}}
		rec := serve(newController(repo, &mockUpdater{}), http.MethodGet, "/api/readings?hours=3", "")
		got := decode(t, rec)
		items := got["items"].([]any)
		if len(items) != 2 {
			t.Fatalf("len(items) = %d; want 2", len(items))
		}
		first := items[0].(map[string]any)["hourBucket"]
		if first != "2024-05-10T12:00:00" {
			t.Errorf("items[0].hourBucket = %v; want 2024-05-10T12:00:00", first)
		}
	})

	t.Run("returns 500 when repository fails", func(t *testing.T) {
		repo := &mockRepo{windowErr: errors.New("boom")}
		rec := serve(newController(repo, &mockUpdater{}), http.MethodGet, "/api/readings", "")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusInternalServerError)
		}
	})
}

func Test_handleStatus(t *testing.T) {
	outcome := scheduler.OutcomeStale
	upd := &mockUpdater{status: scheduler.Status{
		State:       scheduler.StateIdle,
		Location:    "@1451",
		LastOutcome: &outcome,
		LastError:   "fetch timeout",
		Interval:    "5m0s",
	}}
	rec := serve(newController(&mockRepo{count: 17}, upd), http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
	}
	got := decode(t, rec)
	if got["state"] != "idle" || got["lastOutcome"] != "stale" || got["location"] != "@1451" {
		t.Errorf("body = %v", got)
	}
	if got["cachedReadings"] != float64(17) {
		t.Errorf("cachedReadings = %v; want 17", got["cachedReadings"])
	}

	rec = serve(newController(&mockRepo{countErr: errors.New("locked")}, upd), http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status with failing count = %d; want %d", rec.Code, http.StatusInternalServerError)
	}
}

func Test_handleTitle(t *testing.T) {
	t.Run("renders latest reading", func(t *testing.T) {
		repo := &mockRepo{latest: reading(fixedNow.Add(-time.Minute))}
		rec := serve(newController(repo, &mockUpdater{}), http.MethodGet, "/api/title", "")
		got := decode(t, rec)
		if got["title"] != "AQI: 42 | 77.0°F | RH: 60%" {
			t.Errorf("title = %q", got["title"])
		}
		if got["stale"] != false {
			t.Errorf("stale = %v; want false", got["stale"])
		}
	})

	t.Run("empty cache renders N/A", func(t *testing.T) {
		rec := serve(newController(&mockRepo{}, &mockUpdater{}), http.MethodGet, "/api/title", "")
		got := decode(t, rec)
		if got["title"] != "N/A" || got["stale"] != true {
			t.Errorf("body = %v", got)
		}
	})
}

func Test_handleRefresh(t *testing.T) {
	tests := []struct {
		name        string
		outcome     scheduler.Outcome
		err         error
		wantCode    int
		wantOutcome string
	}{
		{name: "stored", outcome: scheduler.OutcomeStored, wantCode: http.StatusOK, wantOutcome: "stored"},
		{name: "dropped", outcome: scheduler.OutcomeDropped, wantCode: http.StatusAccepted, wantOutcome: "dropped"},
		{name: "no location", outcome: scheduler.OutcomeNoLocation, err: types.ErrEmptyLocation, wantCode: http.StatusConflict, wantOutcome: "no_location"},
		{
			name:        "stale",
			outcome:     scheduler.OutcomeStale,
			err:         &types.FetchError{Kind: types.FetchTimeout},
			wantCode:    http.StatusBadGateway,
			wantOutcome: "stale",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upd := &mockUpdater{outcome: tt.outcome, err: tt.err}
			rec := serve(newController(&mockRepo{}, upd), http.MethodPost, "/api/refresh", "")
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d; want %d", rec.Code, tt.wantCode)
			}
			if len(upd.forced) != 1 || !upd.forced[0] {
				t.Errorf("RequestUpdate force = %v; want [true]", upd.forced)
			}
			got := decode(t, rec)
			if got["outcome"] != tt.wantOutcome {
				t.Errorf("outcome = %v; want %s", got["outcome"], tt.wantOutcome)
			}
			if tt.err != nil && got["error"] != tt.err.Error() {
				t.Errorf("error = %v; want %q", got["error"], tt.err.Error())
			}
		})
	}

	t.Run("GET is not allowed", func(t *testing.T) {
		upd := &mockUpdater{}
		rec := serve(newController(&mockRepo{}, upd), http.MethodGet, "/api/refresh", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusMethodNotAllowed)
		}
		if len(upd.forced) != 0 {
			t.Error("RequestUpdate called on GET")
		}
	})
}

func Test_handleLocation(t *testing.T) {
	t.Run("changes location and forces update", func(t *testing.T) {
		upd := &mockUpdater{outcome: scheduler.OutcomeStored}
		rec := serve(newController(&mockRepo{}, upd), http.MethodPut, "/api/location", `{"location":"  @1451 "}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
		}
		if upd.newLocation != "@1451" {
			t.Errorf("ChangeLocation(%q); want @1451", upd.newLocation)
		}
		got := decode(t, rec)
		if got["location"] != "@1451" || got["outcome"] != "stored" {
			t.Errorf("body = %v", got)
		}
	})

	for _, body := range []string{`{"location":""}`, `{"location":"   "}`, `{}`, `not json`, `{"city":"x"}`, `{"location":"@abc"}`, `{"location":"91;10"}`} {
		t.Run("rejects "+body, func(t *testing.T) {
			upd := &mockUpdater{}
			rec := serve(newController(&mockRepo{}, upd), http.MethodPut, "/api/location", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d; want %d", rec.Code, http.StatusBadRequest)
			}
			if upd.newLocation != "" {
				t.Errorf("ChangeLocation called with %q", upd.newLocation)
			}
		})
	}

	t.Run("failed update still reports new location", func(t *testing.T) {
		upd := &mockUpdater{outcome: scheduler.OutcomeStale, err: &types.FetchError{Kind: types.FetchNonOKStatus, Status: "404"}}
		rec := serve(newController(&mockRepo{}, upd), http.MethodPut, "/api/location", `{"location":"nowhere"}`)
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusBadGateway)
		}
		got := decode(t, rec)
		if got["location"] != "nowhere" || got["error"] == nil {
			t.Errorf("body = %v", got)
		}
	})
}

func TestParseHoursQuery_SmallRetention(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/readings", nil)
	got, err := parseHoursQuery(req, 6)
	if err != nil {
		t.Fatalf("parseHoursQuery error = %v", err)
	}
	if got != 6 {
		t.Errorf("default hours = %d; want 6 when retention is 6", got)
	}
}

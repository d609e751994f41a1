// Package fetcher retrieves raw feed payloads from the WAQI API.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"aqicache/internal/aqi/types"
)

const maxBodyBytes = 1 << 20

var errCircuitOpen = errors.New("circuit breaker open")

// serverError is a 5xx response; it counts against the breaker.
type serverError struct {
	code int
}

func (e *serverError) Error() string { return fmt.Sprintf("server error: %d", e.code) }

// Client fetches WAQI feeds. It never retries; the scheduler owns retry policy.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	circuit *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

type response struct {
	status int
	body   []byte
}

func New(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		logger:  logger,
	}
	c.circuit = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "waqi",
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// FeedPath maps a location to its WAQI feed path:
//
//	here          -> /feed/here/        (IP geolocation)
//	@1451         -> /feed/@1451/       (station uid)
//	52.23;21.01   -> /feed/geo:52.230;21.010/
//	Warsaw        -> /feed/Warsaw/
func FeedPath(location string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", types.ErrEmptyLocation
	}
	if strings.EqualFold(location, "here") {
		return "/feed/here/", nil
	}
	if uid, ok := strings.CutPrefix(location, "@"); ok {
		if _, err := strconv.Atoi(uid); err != nil {
			return "", fmt.Errorf("invalid station uid %q", uid)
		}
		return "/feed/@" + uid + "/", nil
	}
	if latStr, lonStr, ok := strings.Cut(location, ";"); ok {
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
		if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return "", fmt.Errorf("invalid coordinates %q", location)
		}
		return fmt.Sprintf("/feed/geo:%.3f;%.3f/", lat, lon), nil
	}
	return "/feed/" + url.PathEscape(location) + "/", nil
}

// Fetch returns the "data" object of the feed for location.
func (c *Client) Fetch(ctx context.Context, location string) ([]byte, error) {
	path, err := FeedPath(location)
	if err != nil {
		if errors.Is(err, types.ErrEmptyLocation) {
			return nil, &types.FetchError{Kind: types.FetchEmptyLocation, Location: location, Err: err}
		}
		return nil, &types.FetchError{Kind: types.FetchNonOKStatus, Location: location, Status: "invalid location", Err: err}
	}

	u := c.baseURL + path + "?" + url.Values{"token": {c.token}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &types.FetchError{Kind: types.FetchNetwork, Location: location, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	result, err := c.circuit.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if resp.StatusCode >= 500 {
			return nil, &serverError{code: resp.StatusCode}
		}
		return response{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		return nil, c.classify(ctx, location, err)
	}

	res, ok := result.(response)
	if !ok {
		return nil, &types.FetchError{Kind: types.FetchNetwork, Location: location, Err: fmt.Errorf("unexpected result type %T", result)}
	}
	if res.status != http.StatusOK {
		return nil, &types.FetchError{Kind: types.FetchNonOKStatus, Location: location, Status: strconv.Itoa(res.status)}
	}

	var env struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(res.body, &env); err != nil {
		return nil, &types.FetchError{Kind: types.FetchNonOKStatus, Location: location, Status: "invalid body", Err: err}
	}
	if env.Status != "ok" {
		fe := &types.FetchError{Kind: types.FetchNonOKStatus, Location: location, Status: env.Status}
		var msg string
		if json.Unmarshal(env.Data, &msg) == nil && msg != "" {
			fe.Err = errors.New(msg)
		}
		return nil, fe
	}
	return env.Data, nil
}

func (c *Client) classify(ctx context.Context, location string, err error) error {
	var se *serverError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &types.FetchError{Kind: types.FetchTimeout, Location: location, Err: err}
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return &types.FetchError{Kind: types.FetchNetwork, Location: location, Err: fmt.Errorf("%w: %v", errCircuitOpen, err)}
	case errors.As(err, &se):
		return &types.FetchError{Kind: types.FetchNonOKStatus, Location: location, Status: strconv.Itoa(se.code), Err: err}
	default:
		return &types.FetchError{Kind: types.FetchNetwork, Location: location, Err: err}
	}
}

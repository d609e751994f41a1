// Package scheduler decides when the cache is refreshed. Automatic ticks are
// admitted at most once per interval; force bypasses the interval. At most one
// fetch is outstanding and a failed attempt backs off for a full interval like
// a successful one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"aqicache/internal/aqi/maintainer"
	"aqicache/internal/aqi/types"
)

// Fetcher returns the raw payload for location. Errors should be *types.FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

type Parser interface {
	Parse(payload []byte, fetchedAt time.Time) (types.Reading, error)
}

type Store interface {
	Upsert(ctx context.Context, r types.Reading) error
}

type Maintenance interface {
	Run(ctx context.Context) (maintainer.PruneResult, error)
}

// Notifier is told about every stored reading and every finished attempt.
// Calls happen on the scheduling goroutine and must not block.
type Notifier interface {
	ReadingStored(r types.Reading)
	StatusChanged(st Status)
}

type Config struct {
	Interval            time.Duration
	FetchTimeout        time.Duration
	MaintenanceInterval time.Duration
	Location            string
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

type Scheduler struct {
	cfg     Config
	fetcher Fetcher
	parser  Parser
	store   Store
	maint   Maintenance
	logger  *slog.Logger
	now     func() time.Time

	inFlight *atomic.Bool
	cron     *gocron.Scheduler

	mu            sync.Mutex
	location      string
	state         State
	lastAttemptAt time.Time
	lastOutcome   *Outcome
	lastErr       error
	lastStoredAt  time.Time
	notifiers     []Notifier
}

func New(cfg Config, fetcher Fetcher, parser Parser, store Store, maint Maintenance, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:      cfg,
		fetcher:  fetcher,
		parser:   parser,
		store:    store,
		maint:    maint,
		logger:   logger,
		now:      time.Now,
		inFlight: atomic.NewBool(false),
		cron:     gocron.NewScheduler(time.UTC),
		location: strings.TrimSpace(cfg.Location),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddNotifier registers n for stored readings and status changes.
func (s *Scheduler) AddNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

// RequestUpdate runs one fetch → parse → upsert → maintain cycle if admitted.
// The returned error describes a failed attempt; it is never fatal.
func (s *Scheduler) RequestUpdate(ctx context.Context, force bool) (Outcome, error) {
	return s.requestUpdate(ctx, force, 0)
}

// ChangeLocation switches the cache to location and forces an update.
func (s *Scheduler) ChangeLocation(ctx context.Context, location string) (Outcome, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return OutcomeNoLocation, types.ErrEmptyLocation
	}
	s.mu.Lock()
	prev := s.location
	s.location = location
	s.mu.Unlock()
	s.logger.Info("location changed", "from", prev, "to", location)
	return s.RequestUpdate(ctx, true)
}

func (s *Scheduler) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() Status {
	st := Status{
		State:    s.state,
		Location: s.location,
		Interval: s.cfg.Interval.String(),
	}
	if !s.lastAttemptAt.IsZero() {
		t := s.lastAttemptAt
		st.LastAttemptAt = &t
	}
	if s.lastOutcome != nil {
		o := *s.lastOutcome
		st.LastOutcome = &o
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if !s.lastStoredAt.IsZero() {
		t := s.lastStoredAt
		st.LastStoredAt = &t
	}
	return st
}

// requestUpdate admits attempts whose predecessor is at least interval-slack old.
func (s *Scheduler) requestUpdate(ctx context.Context, force bool, slack time.Duration) (Outcome, error) {
	s.mu.Lock()
	location := s.location
	if location == "" {
		s.mu.Unlock()
		s.logger.Warn("update not attempted", "reason", "no location configured")
		return OutcomeNoLocation, types.ErrEmptyLocation
	}
	admittedAt := s.now()
	if !force && !s.lastAttemptAt.IsZero() && admittedAt.Sub(s.lastAttemptAt) < s.cfg.Interval-slack {
		s.mu.Unlock()
		return OutcomeSkipped, nil
	}
	guard, ok := s.acquire()
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("update dropped", "reason", "fetch in flight", "force", force)
		return OutcomeDropped, nil
	}
	s.state = StateFetching
	s.mu.Unlock()
	defer guard.release()

	attempt := uuid.NewString()
	logger := s.logger.With("attempt", attempt, "location", location, "force", force)
	logger.Debug("update admitted")

	// The attempt outlives a caller that goes away; only the fetch timeout bounds it.
	ctx = context.WithoutCancel(ctx)

	reading, err := s.attempt(ctx, guard, location)
	if err != nil && errors.Is(err, types.ErrEmptyLocation) {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		logger.Warn("update not attempted", "reason", "fetcher reported empty location")
		return OutcomeNoLocation, err
	}

	outcome := OutcomeStored
	terminal := StateStored
	if err != nil {
		outcome = OutcomeStale
		terminal = StateStale
		logger.Warn("update failed; keeping cached readings", "error", err)
	} else {
		logger.Info("reading stored", "bucket", reading.HourBucket, "aqi", reading.AQI, "city", reading.City)
		if s.maint != nil {
			if _, mErr := s.maint.Run(ctx); mErr != nil {
				logger.Warn("maintenance after upsert failed", "error", mErr)
			}
		}
	}

	s.mu.Lock()
	s.state = terminal
	s.lastAttemptAt = admittedAt
	s.lastOutcome = &outcome
	s.lastErr = err
	if err == nil {
		s.lastStoredAt = reading.ObservedAt
	}
	st := s.statusLocked()
	notifiers := append([]Notifier(nil), s.notifiers...)
	s.state = StateIdle
	s.mu.Unlock()

	for _, n := range notifiers {
		if err == nil {
			n.ReadingStored(reading)
		}
		n.StatusChanged(st)
	}
	return outcome, err
}

// attempt fetches, parses and stores one reading. The cache is untouched on error.
func (s *Scheduler) attempt(ctx context.Context, guard *flightGuard, location string) (types.Reading, error) {
	payload, err := s.fetch(ctx, guard, location)
	if err != nil {
		return types.Reading{}, err
	}
	reading, err := s.parser.Parse(payload, s.now())
	if err != nil {
		return types.Reading{}, err
	}
	if err := s.store.Upsert(ctx, reading); err != nil {
		return types.Reading{}, err
	}
	return reading, nil
}

// flightGuard is the in-flight flag plus a count of its holders. The flag is
// cleared when the last holder releases, so a Fetcher call that outlives its
// timeout keeps later attempts out until it returns.
type flightGuard struct {
	flag  *atomic.Bool
	holds *atomic.Int32
}

// acquire takes the in-flight flag for one attempt.
func (s *Scheduler) acquire() (*flightGuard, bool) {
	if !s.inFlight.CAS(false, true) {
		return nil, false
	}
	return &flightGuard{flag: s.inFlight, holds: atomic.NewInt32(1)}, true
}

func (g *flightGuard) hold() { g.holds.Inc() }

func (g *flightGuard) release() {
	if g.holds.Dec() == 0 {
		g.flag.Store(false)
	}
}

// fetch bounds the Fetcher call by FetchTimeout even if it ignores ctx.
// The call itself holds guard until it returns.
func (s *Scheduler) fetch(ctx context.Context, guard *flightGuard, location string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	guard.hold()
	go func() {
		defer guard.release()
		payload, err := s.fetcher.Fetch(fetchCtx, location)
		if fetchCtx.Err() != nil {
			s.logger.Debug("fetch returned after its deadline", "location", location, "error", err)
		}
		done <- result{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.payload, nil
		}
		var fe *types.FetchError
		if errors.As(res.err, &fe) {
			return nil, res.err
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			return nil, &types.FetchError{Kind: types.FetchTimeout, Location: location, Err: res.err}
		}
		return nil, &types.FetchError{Kind: types.FetchNetwork, Location: location, Err: res.err}
	case <-fetchCtx.Done():
		return nil, &types.FetchError{
			Kind:     types.FetchTimeout,
			Location: location,
			Err:      fmt.Errorf("no response within %s: %w", s.cfg.FetchTimeout, fetchCtx.Err()),
		}
	}
}

// Start schedules the periodic update and maintenance jobs. Both run once
// immediately. Jobs use ctx for their work.
func (s *Scheduler) Start(ctx context.Context) error {
	slack := min(time.Second, s.cfg.Interval/10)
	if _, err := s.cron.Every(s.cfg.Interval).Do(func() {
		outcome, err := s.requestUpdate(ctx, false, slack)
		s.logger.Debug("scheduled update", "outcome", outcome.String(), "error", err)
	}); err != nil {
		return fmt.Errorf("schedule update job: %w", err)
	}
	if s.maint != nil {
		if _, err := s.cron.Every(s.cfg.MaintenanceInterval).Do(func() {
			res, err := s.maint.Run(ctx)
			if err != nil {
				s.logger.Error("scheduled maintenance failed", "error", err)
				return
			}
			s.logger.Debug("scheduled maintenance", "pruned", res.Pruned, "collapsed", res.Collapsed)
		}); err != nil {
			return fmt.Errorf("schedule maintenance job: %w", err)
		}
	}
	s.cron.StartAsync()
	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval.String(),
		"fetchTimeout", s.cfg.FetchTimeout.String(),
		"maintenanceInterval", s.cfg.MaintenanceInterval.String(),
		"location", s.Location(),
	)
	return nil
}

// Stop cancels future jobs. A fetch already running finishes within its timeout.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

package scheduler

import (
	"fmt"
	"time"
)

// State is the attempt lifecycle. Status() only ever reports StateIdle or
// StateFetching; StateStored and StateStale appear in the snapshot passed to
// Notifier.StatusChanged at the end of an attempt. LastOutcome keeps the
// result for pollers.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateStored
	StateStale
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateStored:
		return "stored"
	case StateStale:
		return "stale"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Outcome is the result of one RequestUpdate call.
type Outcome int

const (
	// OutcomeSkipped: the previous attempt is younger than the interval.
	OutcomeSkipped Outcome = iota
	// OutcomeDropped: another fetch was outstanding.
	OutcomeDropped
	OutcomeNoLocation
	OutcomeStored
	// OutcomeStale: the attempt failed and the cache was left as it was.
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDropped:
		return "dropped"
	case OutcomeNoLocation:
		return "no_location"
	case OutcomeStored:
		return "stored"
	case OutcomeStale:
		return "stale"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Status is a point-in-time snapshot for presentation layers.
type Status struct {
	State         State      `json:"state"`
	Location      string     `json:"location"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastOutcome   *Outcome   `json:"lastOutcome,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	LastStoredAt  *time.Time `json:"lastStoredAt,omitempty"`
	Interval      string     `json:"interval"`
}

package types

import (
	"errors"
	"fmt"
)

// ErrEmptyLocation is returned when no location is configured. It is raised
// before any network activity.
var ErrEmptyLocation = errors.New("location is empty")

type FetchErrorKind int

const (
	FetchNetwork FetchErrorKind = iota
	FetchTimeout
	FetchNonOKStatus
	FetchEmptyLocation
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchNetwork:
		return "network"
	case FetchTimeout:
		return "timeout"
	case FetchNonOKStatus:
		return "non_ok_status"
	case FetchEmptyLocation:
		return "empty_location"
	default:
		return fmt.Sprintf("fetch_error(%d)", int(k))
	}
}

// FetchError describes a failed fetch of a raw payload.
type FetchError struct {
	Kind     FetchErrorKind
	Location string
	// Status is the HTTP status code or the API status string, when known.
	Status string
	Err    error
}

func (e *FetchError) Error() string {
	msg := "fetch " + e.Kind.String()
	if e.Location != "" {
		msg += fmt.Sprintf(" (location %q)", e.Location)
	}
	if e.Status != "" {
		msg += ": status " + e.Status
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is makes an EmptyLocation FetchError match ErrEmptyLocation.
func (e *FetchError) Is(target error) bool {
	return target == ErrEmptyLocation && e.Kind == FetchEmptyLocation
}

type ParseErrorKind int

const (
	MissingField ParseErrorKind = iota
	MalformedNumber
	MalformedTimestamp
)

func (k ParseErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing_field"
	case MalformedNumber:
		return "malformed_number"
	case MalformedTimestamp:
		return "malformed_timestamp"
	default:
		return fmt.Sprintf("parse_error(%d)", int(k))
	}
}

// ParseError describes a payload that could not be turned into a Reading.
type ParseError struct {
	Kind  ParseErrorKind
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	msg := "parse " + e.Kind.String()
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError is returned by cache mutations whose transaction was rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

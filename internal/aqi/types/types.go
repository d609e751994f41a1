package types

import (
	"fmt"
	"time"
)

// HourBucketLayout is the wall-clock layout of an hour bucket. It carries no
// zone: buckets are calendar hours in the cache's configured location.
const HourBucketLayout = "2006-01-02T15:00:00"

// wallClockLayout formats arbitrary instants in the same zone-less form as
// HourBucketLayout so that bucket strings and cutoffs compare lexicographically.
const wallClockLayout = "2006-01-02T15:04:05"

// HourBucket is the deduplication key for readings.
type HourBucket string

// BucketOf returns the calendar hour containing t in loc.
func BucketOf(t time.Time, loc *time.Location) HourBucket {
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, loc)
	return HourBucket(start.Format(HourBucketLayout))
}

// WallClock renders t in loc as a zone-less string comparable with HourBucket values.
func WallClock(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(wallClockLayout)
}

// Start returns the first instant of the bucket in loc.
func (b HourBucket) Start(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(HourBucketLayout, string(b), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse hour bucket %q: %w", string(b), err)
	}
	return t, nil
}

func (b HourBucket) String() string { return string(b) }

// Pollutants holds per-pollutant concentrations. A nil field means the station
// did not report it.
type Pollutants struct {
	PM25 *float64 `json:"pm25" validate:"omitempty,gte=0"`
	PM10 *float64 `json:"pm10" validate:"omitempty,gte=0"`
	O3   *float64 `json:"o3" validate:"omitempty,gte=0"`
	NO2  *float64 `json:"no2" validate:"omitempty,gte=0"`
	SO2  *float64 `json:"so2" validate:"omitempty,gte=0"`
	CO   *float64 `json:"co" validate:"omitempty,gte=0"`
}

// Environment holds the weather values reported next to the pollutants.
// Temperature is in °C.
type Environment struct {
	Temperature *float64 `json:"temperature"`
	Pressure    *float64 `json:"pressure" validate:"omitempty,gt=0"`
	Humidity    *float64 `json:"humidity" validate:"omitempty,gte=0,lte=100"`
	Wind        *float64 `json:"wind" validate:"omitempty,gte=0"`
}

// Reading is one parsed air-quality observation for a location.
type Reading struct {
	HourBucket  HourBucket  `json:"hourBucket" validate:"required"`
	ObservedAt  time.Time   `json:"observedAt" validate:"required"`
	City        string      `json:"city" validate:"required"`
	AQI         int         `json:"aqi" validate:"gte=0,lte=999"`
	StationTime *time.Time  `json:"stationTime,omitempty"`
	Pollutants  Pollutants  `json:"pollutants"`
	Environment Environment `json:"environment"`
}

// Float returns a pointer to v, for building optional fields.
func Float(v float64) *float64 {
	return &v
}

// Package parser turns a WAQI feed payload into a types.Reading.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"aqicache/internal/aqi/types"
)

type Parser struct {
	loc      *time.Location
	validate *validator.Validate
}

// New returns a Parser that assigns hour buckets in loc (nil means time.Local).
func New(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.Local
	}
	return &Parser{loc: loc, validate: validator.New()}
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type feed struct {
	AQI  json.RawMessage `json:"aqi"`
	City *struct {
		Name string `json:"name"`
	} `json:"city"`
	IAQI map[string]struct {
		V json.RawMessage `json:"v"`
	} `json:"iaqi"`
	Time *struct {
		ISO string `json:"iso"`
	} `json:"time"`
}

// Parse reads a feed "data" object (or a full {status, data} envelope) fetched at
// fetchedAt. Absent pollutant and environment values stay nil.
func (p *Parser) Parse(payload []byte, fetchedAt time.Time) (types.Reading, error) {
	raw, err := unwrap(payload)
	if err != nil {
		return types.Reading{}, err
	}

	var f feed
	if err := json.Unmarshal(raw, &f); err != nil {
		return types.Reading{}, &types.ParseError{Kind: types.MissingField, Field: "data", Err: err}
	}

	if isNull(f.AQI) {
		return types.Reading{}, &types.ParseError{Kind: types.MissingField, Field: "aqi"}
	}
	aqiVal, err := number(f.AQI)
	if err != nil {
		return types.Reading{}, &types.ParseError{Kind: types.MalformedNumber, Field: "aqi", Err: err}
	}
	if aqiVal != math.Trunc(aqiVal) {
		return types.Reading{}, &types.ParseError{
			Kind:  types.MalformedNumber,
			Field: "aqi",
			Err:   fmt.Errorf("not an integer: %v", aqiVal),
		}
	}

	if f.City == nil || strings.TrimSpace(f.City.Name) == "" {
		return types.Reading{}, &types.ParseError{Kind: types.MissingField, Field: "city.name"}
	}

	r := types.Reading{
		HourBucket: types.BucketOf(fetchedAt, p.loc),
		ObservedAt: fetchedAt,
		City:       strings.TrimSpace(f.City.Name),
		AQI:        int(aqiVal),
	}

	if f.Time != nil && f.Time.ISO != "" {
		st, err := time.Parse(time.RFC3339, f.Time.ISO)
		if err != nil {
			return types.Reading{}, &types.ParseError{Kind: types.MalformedTimestamp, Field: "time.iso", Err: err}
		}
		r.StationTime = &st
	}

	fields := []struct {
		key string
		dst **float64
	}{
		{"pm25", &r.Pollutants.PM25},
		{"pm10", &r.Pollutants.PM10},
		{"o3", &r.Pollutants.O3},
		{"no2", &r.Pollutants.NO2},
		{"so2", &r.Pollutants.SO2},
		{"co", &r.Pollutants.CO},
		{"t", &r.Environment.Temperature},
		{"p", &r.Environment.Pressure},
		{"h", &r.Environment.Humidity},
		{"w", &r.Environment.Wind},
	}
	for _, fld := range fields {
		entry, ok := f.IAQI[fld.key]
		if !ok || isNull(entry.V) {
			continue
		}
		v, err := number(entry.V)
		if err != nil {
			return types.Reading{}, &types.ParseError{Kind: types.MalformedNumber, Field: "iaqi." + fld.key, Err: err}
		}
		*fld.dst = types.Float(v)
	}

	if err := p.validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		field := ""
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field = verrs[0].Namespace()
		}
		return types.Reading{}, &types.ParseError{Kind: types.MalformedNumber, Field: field, Err: err}
	}
	return r, nil
}

// unwrap returns the data object of an envelope, or payload itself when it is
// already a data object.
func unwrap(payload []byte) (json.RawMessage, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, &types.ParseError{Kind: types.MissingField, Field: "data", Err: err}
	}
	if _, ok := probe["data"]; !ok {
		return payload, nil
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &types.ParseError{Kind: types.MissingField, Field: "data", Err: err}
	}
	if isNull(env.Data) || env.Data[0] != '{' {
		return nil, &types.ParseError{Kind: types.MissingField, Field: "data"}
	}
	return env.Data, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// number accepts a JSON number or a numeric string. WAQI sends "-" for
// values a station does not currently report.
func number(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		return checkFinite(v)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	return checkFinite(v)
}

func checkFinite(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %v", v)
	}
	return v, nil
}

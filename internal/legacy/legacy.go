// Package legacy imports readings from the aqi_data table written by the
// desktop predecessor of this service. Its timestamps are naive local ISO
// strings and several rows may share an hour; Upsert folds them per bucket.
package legacy

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"aqicache/internal/aqi/types"
)

// timestampLayout accepts both "2024-01-01T10:15:30" and "2024-01-01T10:15:30.123456".
const timestampLayout = "2006-01-02T15:04:05.999999999"

const selectLegacySQL = `
SELECT timestamp, city, aqi, pm25, pm10, o3, no2, so2, co, temperature, pressure, humidity, wind
FROM aqi_data
ORDER BY timestamp`

type Upserter interface {
	Upsert(ctx context.Context, r types.Reading) error
}

type Result struct {
	Read     int
	Imported int
	Skipped  int
}

// Open opens a legacy database read-only.
func Open(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?mode=ro&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open legacy db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping legacy db: %w", err)
	}
	return db, nil
}

// Import copies every usable aqi_data row into store. Timestamps are read in loc.
// Rows without a timestamp, city or AQI are skipped and logged.
func Import(ctx context.Context, src *sql.DB, store Upserter, loc *time.Location, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}

	rows, err := src.QueryContext(ctx, selectLegacySQL)
	if err != nil {
		return Result{}, fmt.Errorf("query aqi_data: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("close legacy rows", "error", err)
		}
	}()

	var res Result
	for rows.Next() {
		var (
			ts, city sql.NullString
			aqi      sql.NullInt64
			vals     [10]sql.NullFloat64
		)
		dest := []any{&ts, &city, &aqi}
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return res, fmt.Errorf("scan aqi_data: %w", err)
		}
		res.Read++

		r, reason := toReading(ts, city, aqi, vals, loc)
		if reason != "" {
			res.Skipped++
			logger.Warn("skipping legacy row", "timestamp", ts.String, "reason", reason)
			continue
		}
		if err := store.Upsert(ctx, r); err != nil {
			return res, fmt.Errorf("import row %s: %w", ts.String, err)
		}
		res.Imported++
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("iterate aqi_data: %w", err)
	}
	return res, nil
}

func toReading(ts, city sql.NullString, aqi sql.NullInt64, vals [10]sql.NullFloat64, loc *time.Location) (types.Reading, string) {
	if !ts.Valid || strings.TrimSpace(ts.String) == "" {
		return types.Reading{}, "missing timestamp"
	}
	observed, err := time.ParseInLocation(timestampLayout, strings.TrimSpace(ts.String), loc)
	if err != nil {
		return types.Reading{}, "bad timestamp: " + err.Error()
	}
	if !city.Valid || strings.TrimSpace(city.String) == "" {
		return types.Reading{}, "missing city"
	}
	if !aqi.Valid {
		return types.Reading{}, "missing aqi"
	}

	f := func(i int) *float64 {
		if !vals[i].Valid {
			return nil
		}
		return types.Float(vals[i].Float64)
	}
	return types.Reading{
		HourBucket: types.BucketOf(observed, loc),
		ObservedAt: observed,
		City:       strings.TrimSpace(city.String),
		AQI:        int(aqi.Int64),
		Pollutants: types.Pollutants{
			PM25: f(0), PM10: f(1), O3: f(2), NO2: f(3), SO2: f(4), CO: f(5),
		},
		Environment: types.Environment{
			Temperature: f(6), Pressure: f(7), Humidity: f(8), Wind: f(9),
		},
	}, ""
}

// Package repository is the SQLite-backed reading cache: one row per hour
// bucket, upserted in a transaction and read back newest-first per bucket.
package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"aqicache/internal/aqi/types"
)

//go:embed sql/select-bucket-newest.sql
var selectBucketNewestSQL string

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/update-reading.sql
var updateReadingSQL string

//go:embed sql/get-latest-reading.sql
var getLatestReadingSQL string

//go:embed sql/get-window.sql
var getWindowSQL string

//go:embed sql/delete-older-than.sql
var deleteOlderThanSQL string

//go:embed sql/collapse-duplicates.sql
var collapseDuplicatesSQL string

//go:embed sql/count-readings.sql
var countReadingsSQL string

// observedAtLayout is fixed-width UTC so observed_at sorts lexicographically.
const observedAtLayout = "2006-01-02T15:04:05.000000000Z"

type CacheRepository interface {
	// Upsert replaces the newest row of r's hour bucket, or inserts one. A
	// reading older than the stored one is a no-op.
	Upsert(ctx context.Context, r types.Reading) error
	// GetLatest returns nil when the cache is empty.
	GetLatest(ctx context.Context) (*types.Reading, error)
	GetWindow(ctx context.Context, hours int) ([]types.Reading, error)
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	CollapseDuplicates(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int, error)
}

type Option func(*repositoryImpl)

// WithLocation sets the zone hour buckets and cutoffs are computed in.
func WithLocation(loc *time.Location) Option {
	return func(r *repositoryImpl) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *repositoryImpl) {
		if now != nil {
			r.now = now
		}
	}
}

type repositoryImpl struct {
	db  *sql.DB
	loc *time.Location
	now func() time.Time
}

func NewRepository(db *sql.DB, opts ...Option) CacheRepository {
	r := &repositoryImpl{db: db, loc: time.Local, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *repositoryImpl) Upsert(ctx context.Context, rd types.Reading) error {
	if rd.HourBucket == "" {
		rd.HourBucket = types.BucketOf(rd.ObservedAt, r.loc)
	}
	if err := r.upsertTx(ctx, rd); err != nil {
		return &types.StorageError{Op: "upsert", Err: err}
	}
	return nil
}

func (r *repositoryImpl) upsertTx(ctx context.Context, rd types.Reading) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Error("rollback upsert", "bucket", rd.HourBucket, "error", rbErr)
			}
		}
	}()

	observed := rd.ObservedAt.UTC().Format(observedAtLayout)
	args := readingArgs(rd, observed)

	var (
		seq            int64
		storedObserved string
	)
	err = tx.QueryRowContext(ctx, selectBucketNewestSQL, string(rd.HourBucket)).Scan(&seq, &storedObserved)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err = tx.ExecContext(ctx, insertReadingSQL, args...); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	case err != nil:
		return fmt.Errorf("select bucket: %w", err)
	case storedObserved > observed:
		// Last writer by observedAt wins; an older reading changes nothing.
	default:
		if _, err = tx.ExecContext(ctx, updateReadingSQL, append(args, seq)...); err != nil {
			return fmt.Errorf("update: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *repositoryImpl) GetLatest(ctx context.Context) (*types.Reading, error) {
	rows, err := r.db.QueryContext(ctx, getLatestReadingSQL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close latest reading rows", "error", err)
		}
	}()
	out, err := scanReadings(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (r *repositoryImpl) GetWindow(ctx context.Context, hours int) ([]types.Reading, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("window hours must be positive, got %d", hours)
	}
	cutoff := types.WallClock(r.now().Add(-time.Duration(hours)*time.Hour), r.loc)
	rows, err := r.db.QueryContext(ctx, getWindowSQL, cutoff, hours)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close window rows", "error", err)
		}
	}()
	out, err := scanReadings(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (r *repositoryImpl) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, deleteOlderThanSQL, types.WallClock(olderThan, r.loc))
	if err != nil {
		return 0, &types.StorageError{Op: "delete", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &types.StorageError{Op: "delete", Err: err}
	}
	return n, nil
}

func (r *repositoryImpl) CollapseDuplicates(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, collapseDuplicatesSQL)
	if err != nil {
		return 0, &types.StorageError{Op: "collapse", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &types.StorageError{Op: "collapse", Err: err}
	}
	return n, nil
}

func (r *repositoryImpl) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, countReadingsSQL).Scan(&n)
	return n, err
}

func readingArgs(rd types.Reading, observed string) []any {
	var stationTime any
	if rd.StationTime != nil {
		stationTime = rd.StationTime.Format(time.RFC3339Nano)
	}
	return []any{
		string(rd.HourBucket), observed, rd.City, rd.AQI, stationTime,
		rd.Pollutants.PM25, rd.Pollutants.PM10, rd.Pollutants.O3,
		rd.Pollutants.NO2, rd.Pollutants.SO2, rd.Pollutants.CO,
		rd.Environment.Temperature, rd.Environment.Pressure,
		rd.Environment.Humidity, rd.Environment.Wind,
	}
}

func scanReadings(rows *sql.Rows) ([]types.Reading, error) {
	var out []types.Reading
	for rows.Next() {
		var (
			rec         types.Reading
			bucket      string
			observed    string
			stationTime sql.NullString
			values      [10]sql.NullFloat64
		)
		if err := rows.Scan(
			&bucket, &observed, &rec.City, &rec.AQI, &stationTime,
			&values[0], &values[1], &values[2], &values[3], &values[4], &values[5],
			&values[6], &values[7], &values[8], &values[9],
		); err != nil {
			return nil, err
		}
		rec.HourBucket = types.HourBucket(bucket)

		t, err := time.ParseInLocation(observedAtLayout, observed, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse observed_at %q: %w", observed, err)
		}
		rec.ObservedAt = t

		if stationTime.Valid {
			st, err := time.Parse(time.RFC3339Nano, stationTime.String)
			if err != nil {
				return nil, fmt.Errorf("parse station_time %q: %w", stationTime.String, err)
			}
			rec.StationTime = &st
		}

		dst := []**float64{
			&rec.Pollutants.PM25, &rec.Pollutants.PM10, &rec.Pollutants.O3,
			&rec.Pollutants.NO2, &rec.Pollutants.SO2, &rec.Pollutants.CO,
			&rec.Environment.Temperature, &rec.Environment.Pressure,
			&rec.Environment.Humidity, &rec.Environment.Wind,
		}
		for i, v := range values {
			if v.Valid {
				*dst[i] = types.Float(v.Float64)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/ride"
)

const schema = `
CREATE TABLE IF NOT EXISTS ride_archive (
	ride_id             TEXT PRIMARY KEY,
	rider_id            TEXT NOT NULL,
	driver_id           TEXT NOT NULL DEFAULT '',
	category            TEXT NOT NULL,
	start_address       TEXT NOT NULL,
	destination_address TEXT NOT NULL,
	start_lat           DOUBLE PRECISION NOT NULL,
	start_lon           DOUBLE PRECISION NOT NULL,
	dest_lat            DOUBLE PRECISION NOT NULL,
	dest_lon            DOUBLE PRECISION NOT NULL,
	status              TEXT NOT NULL,
	reason              TEXT NOT NULL DEFAULT '',
	fare                BIGINT,
	created_at          TIMESTAMPTZ NOT NULL,
	ended_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ride_archive_rider_idx ON ride_archive (rider_id, ended_at DESC);`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveTrip(ctx context.Context, r TripRecord) error {
	var fare sql.NullInt64
	if r.Fare != nil {
		fare = sql.NullInt64{Int64: *r.Fare, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_archive(ride_id, rider_id, driver_id, category, start_address, destination_address,
		start_lat, start_lon, dest_lat, dest_lon, status, reason, fare, created_at, ended_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (ride_id) DO UPDATE SET driver_id=EXCLUDED.driver_id, status=EXCLUDED.status,
		reason=EXCLUDED.reason, fare=EXCLUDED.fare, ended_at=EXCLUDED.ended_at`,
		r.RideID, r.RiderID, r.DriverID, string(r.Category), r.StartAddress, r.DestinationAddress,
		r.Start.Lat, r.Start.Lon, r.Destination.Lat, r.Destination.Lon, string(r.Status), r.Reason, fare, r.CreatedAt, r.EndedAt)
	return wrapPQ(err)
}

const selectTrip = `SELECT ride_id, rider_id, driver_id, category, start_address, destination_address,
	start_lat, start_lon, dest_lat, dest_lon, status, reason, fare, created_at, ended_at FROM ride_archive`

func (p *PostgresStore) GetTrip(ctx context.Context, rideID string) (TripRecord, error) {
	row := p.db.QueryRowContext(ctx, selectTrip+` WHERE ride_id=$1`, rideID)
	r, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, wrapPQ(err)
}

func (p *PostgresStore) RiderTrips(ctx context.Context, riderID string, limit int) ([]TripRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, selectTrip+` WHERE rider_id=$1 ORDER BY ended_at DESC LIMIT $2`, riderID, limit)
	if err != nil {
		return nil, wrapPQ(err)
	}
	defer rows.Close()
	var out []TripRecord
	for rows.Next() {
		r, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrip(s scanner) (TripRecord, error) {
	var (
		r              TripRecord
		category, stat string
		fare           sql.NullInt64
	)
	err := s.Scan(&r.RideID, &r.RiderID, &r.DriverID, &category, &r.StartAddress, &r.DestinationAddress,
		&r.Start.Lat, &r.Start.Lon, &r.Destination.Lat, &r.Destination.Lon, &stat, &r.Reason, &fare, &r.CreatedAt, &r.EndedAt)
	if err != nil {
		return r, err
	}
	r.Category = models.Category(category)
	r.Status = ride.State(stat)
	if fare.Valid {
		v := fare.Int64
		r.Fare = &v
	}
	return r, nil
}

// wrapPQ adds a hint when the schema has not been created.
func wrapPQ(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "42P01" {
		return fmt.Errorf("ride_archive table missing, run with MIGRATE=true: %w", err)
	}
	return err
}

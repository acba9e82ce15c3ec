package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

// Sink receives driver location updates.
type Sink interface {
	Write(ctx context.Context, loc models.DriverLocation) error
}

// StoreSink writes driverLocations/{driverId}. A tick older than the stored
// updatedAt is dropped, and every write is conditional on the updatedAt it
// was compared against, so several sinks sharing one store never move the
// document backwards.
type StoreSink struct {
	Store docstore.Store
	// Attempts bounds the compare-and-set retries under contention.
	Attempts int
}

func NewStoreSink(store docstore.Store) *StoreSink {
	return &StoreSink{Store: store, Attempts: 5}
}

// ErrLocationContention is returned when other writers kept winning the
// conditional write.
var ErrLocationContention = errors.New("location: concurrent writers")

func (s *StoreSink) Write(ctx context.Context, loc models.DriverLocation) error {
	if loc.DriverID == "" {
		return errors.New("location: driver id is required")
	}
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now().UTC()
	}

	var fields map[string]any
	if !loc.IsOnline {
		// keep the last known position, only flip availability
		fields = map[string]any{"uid": loc.DriverID, "isOnline": false, "updatedAt": loc.UpdatedAt}
	} else {
		if loc.Geohash == "" {
			loc.Geohash = geo.Cell(loc.Coord(), 9)
		}
		var err error
		if fields, err = docstore.ToFields(loc); err != nil {
			return err
		}
	}

	attempts := s.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		snap, err := s.Store.Get(ctx, models.CollectionLocations, loc.DriverID)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			err = s.Store.Create(ctx, models.CollectionLocations, loc.DriverID, fields)
			if errors.Is(err, docstore.ErrAlreadyExists) {
				continue
			}
		case err != nil:
			return fmt.Errorf("read driver location %s: %w", loc.DriverID, err)
		default:
			var cur models.DriverLocation
			if err := snap.DataTo(&cur); err != nil {
				return err
			}
			if loc.UpdatedAt.Before(cur.UpdatedAt) {
				observability.LocationTicks.WithLabelValues("stale").Inc()
				return nil
			}
			cond := map[string]any{"updatedAt": snap.Data["updatedAt"]}
			err = s.Store.UpdateIf(ctx, models.CollectionLocations, loc.DriverID, cond, fields)
			if errors.Is(err, docstore.ErrPreconditionFailed) || errors.Is(err, docstore.ErrNotFound) {
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("write driver location %s: %w", loc.DriverID, err)
		}
		return nil
	}
	return fmt.Errorf("write driver location %s: %w", loc.DriverID, ErrLocationContention)
}

// GeoSink keeps a geo index in step: online drivers are upserted, offline
// ones removed.
type GeoSink struct {
	Geo geo.Geo
}

func (g GeoSink) Write(ctx context.Context, loc models.DriverLocation) error {
	if !loc.IsOnline {
		return g.Geo.Remove(ctx, loc.DriverID)
	}
	return g.Geo.Upsert(ctx, loc)
}

// MultiSink writes to every sink and joins the failures.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, loc models.DriverLocation) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, loc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

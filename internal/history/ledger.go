// Package history keeps each driver's denormalized ride list in
// driverRides/{driverId} and aggregates earnings from it.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/fare"
	"github.com/example/ride-lifecycle/internal/models"
)

var (
	ErrEntryNotFound = errors.New("history: ride entry not found")
	ErrInvalidState  = errors.New("history: invalid entry state")
	ErrConflict      = errors.New("history: too many concurrent writers")
)

const defaultAttempts = 5

// Ledger writes the record with optimistic concurrency on its version field.
type Ledger struct {
	Store       docstore.Store
	Now         func() time.Time
	MaxAttempts int
}

func NewLedger(store docstore.Store) *Ledger {
	return &Ledger{Store: store, Now: time.Now, MaxAttempts: defaultAttempts}
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// Rides returns the driver's entries, oldest first. A driver with no rides
// yet has an empty list.
func (l *Ledger) Rides(ctx context.Context, driverID string) ([]models.RideEntry, error) {
	rec, err := l.load(ctx, driverID)
	if err != nil {
		return nil, err
	}
	return rec.Rides, nil
}

// Append adds an entry, or replaces the most recent entry with the same id
// while that ride is still in progress.
func (l *Ledger) Append(ctx context.Context, driverID string, e models.RideEntry) error {
	if e.ID == "" {
		e.ID = models.RideEntryID(driverID, e.RiderID)
	}
	return l.mutate(ctx, driverID, func(rec *models.DriverRideRecord) error {
		if i := rec.Find(e.ID); i >= 0 && !terminal(rec.Rides[i].Status) {
			rec.Rides[i] = e
			return nil
		}
		rec.Rides = append(rec.Rides, e)
		return nil
	})
}

// SetStatus moves the entry to status. Terminal entries are never changed.
func (l *Ledger) SetStatus(ctx context.Context, driverID, entryID string, status models.NotificationStatus) error {
	return l.mutate(ctx, driverID, func(rec *models.DriverRideRecord) error {
		i := rec.Find(entryID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}
		if terminal(rec.Rides[i].Status) {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, entryID, rec.Rides[i].Status)
		}
		rec.Rides[i].Status = status
		return nil
	})
}

// Complete marks a started ride as completed on the history entry, the
// driver's notification and the ride request. The entry is authoritative;
// the other two are skipped when they have already moved on.
func (l *Ledger) Complete(ctx context.Context, driverID, riderID string) (models.RideEntry, error) {
	entryID := models.RideEntryID(driverID, riderID)
	at := l.now().UTC()
	var done models.RideEntry
	err := l.mutate(ctx, driverID, func(rec *models.DriverRideRecord) error {
		i := rec.Find(entryID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}
		if rec.Rides[i].Status != models.StatusRideStarted {
			return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidState, entryID, rec.Rides[i].Status, models.StatusRideStarted)
		}
		rec.Rides[i].Status = models.StatusCompleted
		rec.Rides[i].CompletedAt = &at
		done = rec.Rides[i]
		return nil
	})
	if err != nil {
		return done, err
	}

	err = l.Store.UpdateIf(ctx, models.CollectionNotifications, driverID,
		map[string]any{"status": models.StatusRideStarted, "rideId": done.RideID},
		map[string]any{"status": models.StatusCompleted, "completedAt": at})
	if err != nil && !skippable(err) {
		return done, fmt.Errorf("complete notification: %w", err)
	}
	if done.RideID != "" {
		err = l.Store.UpdateIf(ctx, models.CollectionRideRequests, done.RideID,
			map[string]any{"status": models.RideStarted},
			map[string]any{"status": models.RideCompleted})
		if err != nil && !skippable(err) {
			return done, fmt.Errorf("complete ride request: %w", err)
		}
	}
	return done, nil
}

type Earnings struct {
	DriverID       string `json:"driverId"`
	Currency       string `json:"currency"`
	Total          int64  `json:"total"`
	CompletedRides int    `json:"completedRides"`
}

// Earnings sums the fares of completed rides.
func (l *Ledger) Earnings(ctx context.Context, driverID string) (Earnings, error) {
	out := Earnings{DriverID: driverID, Currency: fare.Currency}
	rec, err := l.load(ctx, driverID)
	if err != nil {
		return out, err
	}
	for _, e := range rec.Rides {
		if e.Status != models.StatusCompleted || e.CompletedAt == nil {
			continue
		}
		out.CompletedRides++
		if e.Fare != nil {
			out.Total += *e.Fare
		}
	}
	return out, nil
}

func (l *Ledger) load(ctx context.Context, driverID string) (models.DriverRideRecord, error) {
	rec := models.DriverRideRecord{DriverID: driverID}
	snap, err := l.Store.Get(ctx, models.CollectionDriverRides, driverID)
	if errors.Is(err, docstore.ErrNotFound) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("load ride record %s: %w", driverID, err)
	}
	if err := snap.DataTo(&rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// mutate applies fn to the current record and writes it back only if no one
// else has written in between.
func (l *Ledger) mutate(ctx context.Context, driverID string, fn func(*models.DriverRideRecord) error) error {
	attempts := l.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	for i := 0; i < attempts; i++ {
		snap, err := l.Store.Get(ctx, models.CollectionDriverRides, driverID)
		exists := err == nil
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("load ride record %s: %w", driverID, err)
		}
		rec := models.DriverRideRecord{DriverID: driverID}
		if exists {
			if err := snap.DataTo(&rec); err != nil {
				return err
			}
		}
		version := rec.Version
		if err := fn(&rec); err != nil {
			return err
		}
		rec.Version = version + 1

		if !exists {
			err = l.Store.Create(ctx, models.CollectionDriverRides, driverID, rec)
			if errors.Is(err, docstore.ErrAlreadyExists) {
				continue
			}
		} else {
			err = l.Store.UpdateIf(ctx, models.CollectionDriverRides, driverID,
				map[string]any{"version": version},
				map[string]any{"version": rec.Version, "rides": rec.Rides})
			if errors.Is(err, docstore.ErrPreconditionFailed) {
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("write ride record %s: %w", driverID, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConflict, driverID)
}

func terminal(s models.NotificationStatus) bool {
	return s == models.StatusCompleted || s == models.StatusCancelled
}

func skippable(err error) bool {
	return errors.Is(err, docstore.ErrPreconditionFailed) || errors.Is(err, docstore.ErrNotFound)
}

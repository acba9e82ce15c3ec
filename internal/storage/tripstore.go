package storage

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/ride"
)

var ErrNotFound = errors.New("storage: ride not archived")

// TripRecord is the archived summary of a ride that reached a terminal state.
type TripRecord struct {
	RideID             string          `json:"rideId"`
	RiderID            string          `json:"riderId"`
	DriverID           string          `json:"driverId,omitempty"`
	Category           models.Category `json:"category"`
	StartAddress       string          `json:"startAddress"`
	DestinationAddress string          `json:"destinationAddress"`
	Start              models.Coord    `json:"start"`
	Destination        models.Coord    `json:"destination"`
	Status             ride.State      `json:"status"`
	Reason             string          `json:"reason,omitempty"`
	Fare               *int64          `json:"fare,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	EndedAt            time.Time       `json:"endedAt"`
}

// TripStore persists archived rides.
type TripStore interface {
	SaveTrip(ctx context.Context, r TripRecord) error
	GetTrip(ctx context.Context, rideID string) (TripRecord, error)
	RiderTrips(ctx context.Context, riderID string, limit int) ([]TripRecord, error)
}

// RecordFromView builds the archive row for a terminal ride.
func RecordFromView(v ride.RiderView, t ride.Transition) TripRecord {
	rec := TripRecord{
		RideID:             v.RideID,
		RiderID:            v.RiderID,
		DriverID:           v.DriverID,
		Category:           v.Request.Category,
		StartAddress:       v.Request.StartAddress,
		DestinationAddress: v.Request.DestinationAddress,
		Start:              v.Request.Start(),
		Destination:        v.Request.Destination(),
		Status:             t.To,
		Reason:             v.Reason,
		Fare:               t.Fare,
		CreatedAt:          v.Request.CreatedAt,
		EndedAt:            t.At,
	}
	if rec.DriverID == "" {
		rec.DriverID = t.DriverID
	}
	return rec
}

// ArchiveHook saves every ride that reaches a terminal state.
func ArchiveHook(store TripStore, lookup func(rideID string) (ride.RiderView, bool), logger *slog.Logger) ride.Hook {
	return func(t ride.Transition) {
		if !t.To.Terminal() {
			return
		}
		v, ok := lookup(t.RideID)
		if !ok {
			v = ride.RiderView{RideID: t.RideID, RiderID: t.RiderID, DriverID: t.DriverID, Reason: t.Reason}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.SaveTrip(ctx, RecordFromView(v, t)); err != nil {
			logger.Error("archive ride failed", "ride_id", t.RideID, "error", err)
		}
	}
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]TripRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]TripRecord)}
}

func (m *MemoryStore) SaveTrip(_ context.Context, r TripRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[r.RideID] = r
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, rideID string) (TripRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.trips[rideID]
	if !ok {
		return r, ErrNotFound
	}
	return r, nil
}

// RiderTrips returns the rider's archived rides, newest first.
func (m *MemoryStore) RiderTrips(_ context.Context, riderID string, limit int) ([]TripRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TripRecord
	for _, r := range m.trips {
		if r.RiderID == riderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package ride

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/fleet"
	"github.com/example/ride-lifecycle/internal/history"
	"github.com/example/ride-lifecycle/internal/models"
)

// Manager owns the live coordinators of this process. Riders are keyed by
// ride id and drivers by driver id.
type Manager struct {
	riderCfg  RiderConfig
	driverCfg DriverConfig

	mu      sync.Mutex
	rides   map[string]*Rider
	drivers map[string]*Driver
	hooks   []Hook
}

func NewManager(riderCfg RiderConfig, driverCfg DriverConfig) *Manager {
	riderCfg.defaults()
	driverCfg.defaults()
	m := &Manager{
		riderCfg:  riderCfg,
		driverCfg: driverCfg,
		rides:     make(map[string]*Rider),
		drivers:   make(map[string]*Driver),
	}
	m.hooks = append(m.hooks, riderCfg.Hooks...)
	m.riderCfg.Hooks = []Hook{m.publish}
	return m
}

// OnTransition registers h for every rider transition from now on.
func (m *Manager) OnTransition(h Hook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

func (m *Manager) publish(t Transition) {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()
	for _, h := range hooks {
		h(t)
	}
}

// RequestRide runs category selection, the notification fan-out and the
// start of the acceptance wait. A partial fan-out still returns the rider
// together with the *FanoutError.
func (m *Manager) RequestRide(ctx context.Context, riderID string, req models.RideRequest, option fleet.CategoryQuote) (*Rider, error) {
	r := NewRider(m.riderCfg, riderID)
	if err := r.SelectCategory(ctx, req, option); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.rides[r.RideID()] = r
	m.mu.Unlock()

	var fanErr *FanoutError
	if err := r.SendNotifications(ctx); err != nil {
		if !errors.As(err, &fanErr) || len(fanErr.Succeeded) == 0 {
			// nothing reached a driver; end the local coordinator
			_ = r.Cancel(context.WithoutCancel(ctx), "notification failed")
			return r, err
		}
	}
	if err := r.AwaitAcceptance(ctx); err != nil {
		return r, err
	}
	if fanErr != nil {
		return r, fanErr
	}
	return r, nil
}

func (m *Manager) Ride(rideID string) (*Rider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	return r, ok
}

// Driver returns the coordinator for driverID, creating it on first use.
func (m *Manager) Driver(driverID string) *Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		d = NewDriver(m.driverCfg, driverID)
		m.drivers[driverID] = d
	}
	return d
}

// Complete is the completion step run after the trip ends.
func (m *Manager) Complete(ctx context.Context, driverID, riderID string) (models.RideEntry, error) {
	return m.driverCfg.Ledger.Complete(ctx, driverID, riderID)
}

func (m *Manager) Ledger() *history.Ledger { return m.driverCfg.Ledger }

// Prune drops terminal rides last updated before cutoff and returns how
// many were removed.
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.rides {
		v := r.View()
		if v.State.Terminal() && v.UpdatedAt.Before(cutoff) {
			delete(m.rides, id)
			n++
		}
	}
	return n
}

// Shutdown stops every driver's offer watch and location reporter.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	drivers := make([]*Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		drivers = append(drivers, d)
	}
	m.mu.Unlock()
	var errs []error
	for _, d := range drivers {
		d.StopWatching()
		if err := d.GoOffline(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/fare"
	"github.com/example/ride-lifecycle/internal/history"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/routing"
)

// Reporter publishes a driver's location while the driver is online.
type Reporter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type OnlineGate interface {
	Check(ctx context.Context, driverID string) error
}

type DriverConfig struct {
	Store       docstore.Store
	Gate        OnlineGate
	Routing     routing.Client
	Ledger      *history.Ledger
	NewReporter func(driverID string) Reporter
	Logger      *slog.Logger
	Now         func() time.Time
}

func (c *DriverConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Ledger == nil {
		c.Ledger = history.NewLedger(c.Store)
	}
}

// Driver coordinates one driver: the online toggle and the offer held in
// driverNotifications/{driverId}.
type Driver struct {
	cfg DriverConfig
	id  string

	mu       sync.Mutex
	online   bool
	reporter Reporter
	sub      docstore.Subscription
}

func NewDriver(cfg DriverConfig, driverID string) *Driver {
	cfg.defaults()
	return &Driver{cfg: cfg, id: driverID}
}

func (d *Driver) ID() string { return d.id }

func (d *Driver) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// GoOnline starts location reporting once the verification gate passes. A
// failing gate returns the gate's error, typically a
// *fleet.VerificationRequiredError.
func (d *Driver) GoOnline(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.online {
		return nil
	}
	if d.cfg.Gate != nil {
		if err := d.cfg.Gate.Check(ctx, d.id); err != nil {
			return err
		}
	}
	if d.cfg.NewReporter != nil {
		rep := d.cfg.NewReporter(d.id)
		if err := rep.Start(ctx); err != nil {
			return fmt.Errorf("start location reporter: %w", err)
		}
		d.reporter = rep
	}
	d.online = true
	observability.DriversOnline.Inc()
	d.cfg.Logger.Info("driver online", "driver_id", d.id)
	return nil
}

// GoOffline stops the reporter, which writes a final offline location.
func (d *Driver) GoOffline(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.online {
		return nil
	}
	var err error
	if d.reporter != nil {
		err = d.reporter.Stop(ctx)
		d.reporter = nil
	} else {
		err = d.cfg.Store.Merge(ctx, models.CollectionLocations, d.id, map[string]any{
			"uid": d.id, "isOnline": false, "updatedAt": d.cfg.Now().UTC(),
		})
	}
	d.online = false
	observability.DriversOnline.Dec()
	d.cfg.Logger.Info("driver offline", "driver_id", d.id)
	if err != nil {
		return fmt.Errorf("go offline: %w", err)
	}
	return nil
}

// WatchOffers subscribes to the driver's notification and calls fn with each
// valid state. A previous watch is replaced.
func (d *Driver) WatchOffers(ctx context.Context, fn func(models.NotificationState)) error {
	sub, err := d.cfg.Store.Subscribe(ctx, models.CollectionNotifications, d.id, func(s docstore.Snapshot) {
		if !s.Exists {
			return
		}
		var n models.DriverNotification
		if err := s.DataTo(&n); err != nil {
			d.cfg.Logger.Warn("undecodable notification", "driver_id", d.id, "error", err)
			return
		}
		v, err := n.Variant()
		if err != nil {
			d.cfg.Logger.Warn("malformed notification ignored", "driver_id", d.id, "error", err)
			return
		}
		fn(v)
	})
	if err != nil {
		return fmt.Errorf("watch offers: %w", err)
	}
	d.mu.Lock()
	prev := d.sub
	d.sub = sub
	d.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}
	return nil
}

func (d *Driver) StopWatching() {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

// Current reads the driver's notification.
func (d *Driver) Current(ctx context.Context) (models.DriverNotification, error) {
	var n models.DriverNotification
	snap, err := d.cfg.Store.Get(ctx, models.CollectionNotifications, d.id)
	if errors.Is(err, docstore.ErrNotFound) {
		return n, ErrNoOffer
	}
	if err != nil {
		return n, fmt.Errorf("load notification: %w", err)
	}
	if err := snap.DataTo(&n); err != nil {
		return n, err
	}
	return n, nil
}

// Accept claims the offered ride. Exactly one driver can claim a ride: the
// claim is a conditional write on the ride request, so a later accept from
// another candidate fails with ErrRideTaken.
func (d *Driver) Accept(ctx context.Context) (models.DriverNotification, error) {
	n, err := d.Current(ctx)
	if err != nil {
		return n, err
	}
	v, err := n.Variant()
	if err != nil {
		return n, err
	}
	offer, ok := v.(models.Confirmed)
	if !ok {
		return n, fmt.Errorf("%w: notification is %s", ErrNoOffer, v.Status())
	}
	rideID := offer.RideID

	err = d.cfg.Store.UpdateIf(ctx, models.CollectionRideRequests, rideID,
		map[string]any{"status": models.RideOpen},
		map[string]any{"status": models.RideAccepted, "acceptedDriverId": d.id})
	switch {
	case err == nil:
	case errors.Is(err, docstore.ErrPreconditionFailed):
		observability.AcceptConflicts.Inc()
		return n, fmt.Errorf("%w: %s", ErrRideTaken, rideID)
	case errors.Is(err, docstore.ErrNotFound):
		return n, fmt.Errorf("%w: ride %s no longer exists", ErrNoOffer, rideID)
	default:
		return n, fmt.Errorf("claim ride: %w", err)
	}

	fields := map[string]any{"status": models.StatusAccepted, "uid": d.id}
	if d.cfg.Routing != nil {
		route, err := d.cfg.Routing.Route(ctx, offer.Start, offer.Destination)
		if err != nil {
			d.cfg.Logger.Warn("route lookup failed, accepting without fare", "ride_id", rideID, "error", err)
		} else {
			km := route.DistanceKm()
			secs := route.DurationSeconds
			n.Distance, n.Duration = &km, &secs
			fields["distance"], fields["duration"] = km, secs
			if f, err := fare.EstimateFare(km, offer.Category); err == nil {
				n.Fare = &f.Amount
				fields["fare"] = f.Amount
			} else {
				d.cfg.Logger.Warn("fare estimate failed", "ride_id", rideID, "error", err)
			}
		}
	}

	err = d.cfg.Store.UpdateIf(ctx, models.CollectionNotifications, d.id,
		map[string]any{"status": models.StatusConfirmed, "rideId": rideID}, fields)
	if err != nil {
		d.releaseClaim(rideID)
		if errors.Is(err, docstore.ErrPreconditionFailed) {
			return n, fmt.Errorf("%w: offer for %s was withdrawn", ErrNoOffer, rideID)
		}
		return n, fmt.Errorf("accept notification: %w", err)
	}
	n.Status = models.StatusAccepted
	n.DriverID = d.id

	entry := models.RideEntry{
		ID:                 models.RideEntryID(d.id, n.RiderID),
		RideID:             rideID,
		RiderID:            n.RiderID,
		Status:             models.StatusAccepted,
		Category:           n.Category,
		StartAddress:       n.StartAddress,
		DestinationAddress: n.DestinationAddress,
		Fare:               n.Fare,
		Distance:           n.Distance,
		Duration:           n.Duration,
		AcceptedAt:         d.cfg.Now().UTC(),
	}
	if err := d.cfg.Ledger.Append(ctx, d.id, entry); err != nil {
		d.cfg.Logger.Error("append ride history failed", "ride_id", rideID, "driver_id", d.id, "error", err)
	}
	d.cfg.Logger.Info("ride accepted", "ride_id", rideID, "driver_id", d.id)
	return n, nil
}

func (d *Driver) releaseClaim(rideID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := d.cfg.Store.UpdateIf(ctx, models.CollectionRideRequests, rideID,
		map[string]any{"status": models.RideAccepted, "acceptedDriverId": d.id},
		map[string]any{"status": models.RideOpen, "acceptedDriverId": ""})
	if err != nil {
		d.cfg.Logger.Error("release ride claim failed", "ride_id", rideID, "driver_id", d.id, "error", err)
	}
}

// StartRide marks the accepted ride as started on the notification, the
// history entry and the ride request.
func (d *Driver) StartRide(ctx context.Context) (models.DriverNotification, error) {
	n, err := d.Current(ctx)
	if err != nil {
		return n, err
	}
	if n.Status != models.StatusAccepted || n.DriverID != d.id {
		return n, fmt.Errorf("%w: start ride with notification %s", ErrInvalidState, n.Status)
	}
	err = d.cfg.Store.UpdateIf(ctx, models.CollectionNotifications, d.id,
		map[string]any{"status": models.StatusAccepted, "rideId": n.RideID},
		map[string]any{"status": models.StatusRideStarted})
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return n, fmt.Errorf("%w: notification changed", ErrConcurrentMod)
	}
	if err != nil {
		return n, fmt.Errorf("start ride: %w", err)
	}
	n.Status = models.StatusRideStarted

	entryID := models.RideEntryID(d.id, n.RiderID)
	if err := d.cfg.Ledger.SetStatus(ctx, d.id, entryID, models.StatusRideStarted); err != nil {
		if errors.Is(err, history.ErrEntryNotFound) {
			err = d.cfg.Ledger.Append(ctx, d.id, models.RideEntry{
				ID: entryID, RideID: n.RideID, RiderID: n.RiderID, Status: models.StatusRideStarted,
				Category: n.Category, StartAddress: n.StartAddress, DestinationAddress: n.DestinationAddress,
				Fare: n.Fare, Distance: n.Distance, Duration: n.Duration, AcceptedAt: d.cfg.Now().UTC(),
			})
		}
		if err != nil {
			d.cfg.Logger.Error("update ride history failed", "ride_id", n.RideID, "driver_id", d.id, "error", err)
		}
	}
	if err := d.cfg.Store.UpdateIf(ctx, models.CollectionRideRequests, n.RideID,
		map[string]any{"status": models.RideAccepted, "acceptedDriverId": d.id},
		map[string]any{"status": models.RideStarted}); err != nil {
		d.cfg.Logger.Warn("mark ride request started failed", "ride_id", n.RideID, "error", err)
	}
	d.cfg.Logger.Info("ride started", "ride_id", n.RideID, "driver_id", d.id)
	return n, nil
}

// Cancel is the driver's short-form cancellation: status only, no reason.
// On an open offer it declines; on an accepted or started ride it ends it.
func (d *Driver) Cancel(ctx context.Context) error {
	n, err := d.Current(ctx)
	if err != nil {
		return err
	}
	switch n.Status {
	case models.StatusConfirmed, models.StatusAccepted, models.StatusRideStarted:
	default:
		return fmt.Errorf("%w: notification is %s", ErrNoOffer, n.Status)
	}
	if n.Status != models.StatusConfirmed && n.DriverID != d.id {
		return fmt.Errorf("%w: ride %s belongs to %s", ErrInvalidState, n.RideID, n.DriverID)
	}
	err = d.cfg.Store.UpdateIf(ctx, models.CollectionNotifications, d.id,
		map[string]any{"status": n.Status, "rideId": n.RideID},
		map[string]any{"status": models.StatusCancelled, "cancelledAt": d.cfg.Now().UTC()})
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return fmt.Errorf("%w: notification changed", ErrConcurrentMod)
	}
	if err != nil {
		return fmt.Errorf("cancel notification: %w", err)
	}
	if n.Status == models.StatusConfirmed {
		d.cfg.Logger.Info("offer declined", "ride_id", n.RideID, "driver_id", d.id)
		return nil
	}

	rideStatus := models.RideAccepted
	if n.Status == models.StatusRideStarted {
		rideStatus = models.RideStarted
	}
	if err := d.cfg.Store.UpdateIf(ctx, models.CollectionRideRequests, n.RideID,
		map[string]any{"status": rideStatus, "acceptedDriverId": d.id},
		map[string]any{"status": models.RideCancelled, "cancellationReason": ReasonDriverCancelled}); err != nil {
		d.cfg.Logger.Warn("close ride request failed", "ride_id", n.RideID, "error", err)
	}
	if err := d.cfg.Ledger.SetStatus(ctx, d.id, models.RideEntryID(d.id, n.RiderID), models.StatusCancelled); err != nil {
		d.cfg.Logger.Warn("update ride history failed", "ride_id", n.RideID, "error", err)
	}
	d.cfg.Logger.Info("ride cancelled by driver", "ride_id", n.RideID, "driver_id", d.id)
	return nil
}

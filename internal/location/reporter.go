package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

const (
	DefaultInterval    = 50 * time.Second
	DefaultMinDistance = 10.0 // metres
)

// Reporter publishes a driver's position on a fixed interval while the
// driver is online. Ticks that moved less than MinDistance are skipped.
type Reporter struct {
	DriverID    string
	Username    string
	Provider    Provider
	Geocoder    Geocoder
	Sink        Sink
	Interval    time.Duration
	MinDistance float64
	Logger      *slog.Logger
	Now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *models.DriverLocation
}

func (r *Reporter) interval() time.Duration {
	if r.Interval <= 0 {
		return DefaultInterval
	}
	return r.Interval
}

func (r *Reporter) minDistance() float64 {
	if r.MinDistance <= 0 {
		return DefaultMinDistance
	}
	return r.MinDistance
}

func (r *Reporter) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

func (r *Reporter) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Start writes a first location and starts the ticker. It is a no-op when
// the reporter is already running.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	r.tick(ctx, true)
	go r.loop(loopCtx, done)
	return nil
}

func (r *Reporter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(r.interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.tick(ctx, false)
		}
	}
}

func (r *Reporter) tick(ctx context.Context, force bool) {
	fix, err := r.Provider.Current(ctx)
	if err != nil {
		observability.LocationTicks.WithLabelValues("nofix").Inc()
		r.logger().Debug("no location fix", "driver_id", r.DriverID, "error", err)
		return
	}
	r.mu.Lock()
	last := r.last
	r.mu.Unlock()
	if !force && last != nil && geo.Distance(last.Coord(), fix.Coord()) < r.minDistance() {
		observability.LocationTicks.WithLabelValues("skipped").Inc()
		return
	}

	var address string
	if r.Geocoder != nil {
		addr, err := r.Geocoder.Reverse(ctx, fix.Coord())
		if err != nil {
			r.logger().Warn("reverse geocoding failed", "driver_id", r.DriverID, "error", err)
		} else {
			address = addr.String()
		}
	}
	loc := models.DriverLocation{
		DriverID:  r.DriverID,
		Username:  r.Username,
		Latitude:  fix.Lat,
		Longitude: fix.Lng,
		Address:   address,
		IsOnline:  true,
		UpdatedAt: r.now(),
	}
	if err := r.Sink.Write(ctx, loc); err != nil {
		observability.LocationTicks.WithLabelValues("failed").Inc()
		r.logger().Error("write driver location failed", "driver_id", r.DriverID, "error", err)
		return
	}
	observability.LocationTicks.WithLabelValues("ok").Inc()
	r.mu.Lock()
	r.last = &loc
	r.mu.Unlock()
}

// Stop ends the ticker and marks the driver offline. After Stop returns no
// further online writes happen.
func (r *Reporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	last := r.last
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	loc := models.DriverLocation{DriverID: r.DriverID, Username: r.Username, IsOnline: false, UpdatedAt: r.now()}
	if last != nil {
		loc.Latitude, loc.Longitude, loc.Address = last.Latitude, last.Longitude, last.Address
	}
	return r.Sink.Write(ctx, loc)
}

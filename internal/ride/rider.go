package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/fare"
	"github.com/example/ride-lifecycle/internal/fleet"
	"github.com/example/ride-lifecycle/internal/kvcache"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

type RiderConfig struct {
	Store  docstore.Store
	Cache  kvcache.Cache
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
	Hooks  []Hook
}

func (c *RiderConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
}

// Rider coordinates one ride request from the rider's side. It talks to
// drivers only through their notification documents.
type Rider struct {
	cfg     RiderConfig
	riderID string

	// ops serializes caller operations; mu guards state shared with the
	// listener callbacks. ops is always taken before mu.
	ops sync.Mutex
	mu  sync.Mutex

	state      State
	req        models.RideRequest
	fare       *fare.Fare
	candidates []string
	declined   map[string]bool
	driverID   string
	reason     string
	cancelling bool
	subs       map[string]docstore.Subscription
	updatedAt  time.Time
	done       chan struct{}

	life context.Context
	stop context.CancelFunc
}

func NewRider(cfg RiderConfig, riderID string) *Rider {
	cfg.defaults()
	life, stop := context.WithCancel(context.Background())
	return &Rider{
		cfg:      cfg,
		riderID:  riderID,
		state:    StateIdle,
		declined: make(map[string]bool),
		subs:     make(map[string]docstore.Subscription),
		done:     make(chan struct{}),
		life:     life,
		stop:     stop,
	}
}

// RiderView is a consistent copy of the coordinator's state.
type RiderView struct {
	RideID     string             `json:"rideId"`
	RiderID    string             `json:"riderId"`
	State      State              `json:"state"`
	Request    models.RideRequest `json:"request"`
	Fare       *fare.Fare         `json:"fare,omitempty"`
	Candidates []string           `json:"candidates"`
	DriverID   string             `json:"driverId,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

func (r *Rider) View() RiderView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RiderView{
		RideID:     r.req.ID,
		RiderID:    r.riderID,
		State:      r.state,
		Request:    r.req,
		Fare:       r.fare,
		Candidates: append([]string(nil), r.candidates...),
		DriverID:   r.driverID,
		Reason:     r.reason,
		UpdatedAt:  r.updatedAt,
	}
}

func (r *Rider) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Rider) RideID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.req.ID
}

// DriverID is empty until a driver has accepted.
func (r *Rider) DriverID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.driverID
}

// Done is closed once the ride reaches a terminal state.
func (r *Rider) Done() <-chan struct{} { return r.done }

// Wait blocks until the ride is terminal or ctx ends.
func (r *Rider) Wait(ctx context.Context) (State, error) {
	select {
	case <-r.done:
		return r.State(), nil
	case <-ctx.Done():
		return r.State(), ctx.Err()
	}
}

// SelectCategory fixes the trip and the chosen option. The option must have
// at least one driver and a computed fare.
func (r *Rider) SelectCategory(ctx context.Context, req models.RideRequest, option fleet.CategoryQuote) error {
	r.ops.Lock()
	defer r.ops.Unlock()
	if s := r.State(); s != StateIdle {
		return fmt.Errorf("%w: select category in %s", ErrInvalidState, s)
	}
	if len(option.Drivers) == 0 {
		return fmt.Errorf("%w: %s", ErrNoCandidates, option.Category)
	}
	if option.Fare == nil {
		return fmt.Errorf("%w: %s", ErrFareUnknown, option.Category)
	}
	if !req.Start().Valid() || !req.Destination().Valid() {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
	}
	if req.StartAddress == "" || req.DestinationAddress == "" {
		return fmt.Errorf("%w: start and destination addresses are required", ErrInvalidInput)
	}

	if req.ID == "" {
		req.ID = r.cfg.NewID()
	}
	req.RiderID = r.riderID
	req.Category = option.Category
	req.Status = models.RideOpen
	req.CreatedAt = r.cfg.Now().UTC()
	f := *option.Fare

	if r.cfg.Cache != nil {
		if err := kvcache.SaveSelectedRate(ctx, r.cfg.Cache, r.riderID, option.RatePerKm); err != nil {
			r.cfg.Logger.Warn("persist selected rate failed", "rider_id", r.riderID, "error", err)
		}
	}

	r.mu.Lock()
	r.req = req
	r.fare = &f
	r.candidates = option.DriverIDs()
	fire := r.transitionLocked(StateCategorySelected, "")
	r.mu.Unlock()
	fire()
	return nil
}

// SendNotifications writes the ride request and one confirmed notification
// per candidate. When only some writes fail it advances and returns a
// *FanoutError; when every write fails it does not advance.
func (r *Rider) SendNotifications(ctx context.Context) error {
	r.ops.Lock()
	defer r.ops.Unlock()
	r.mu.Lock()
	if r.state != StateCategorySelected {
		s := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: send notifications in %s", ErrInvalidState, s)
	}
	req := r.req
	candidates := append([]string(nil), r.candidates...)
	r.mu.Unlock()

	if err := r.cfg.Store.Set(ctx, models.CollectionRideRequests, req.ID, req); err != nil {
		return fmt.Errorf("create ride request: %w", err)
	}

	now := r.cfg.Now().UTC()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = make(map[string]error)
		ok     []string
	)
	for _, id := range candidates {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			err := r.offer(ctx, req, driverID, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[driverID] = err
				observability.FanoutWrites.WithLabelValues("failed").Inc()
				return
			}
			ok = append(ok, driverID)
			observability.FanoutWrites.WithLabelValues("ok").Inc()
		}(id)
	}
	wg.Wait()
	sort.Strings(ok)

	if len(ok) == 0 {
		return &FanoutError{RideID: req.ID, Failed: failed}
	}

	r.mu.Lock()
	r.candidates = ok
	fire := r.transitionLocked(StateNotificationsSent, "")
	r.mu.Unlock()
	fire()

	if len(failed) > 0 {
		r.cfg.Logger.Warn("partial notification fan-out", "ride_id", req.ID, "ok", len(ok), "failed", len(failed))
		return &FanoutError{RideID: req.ID, Succeeded: ok, Failed: failed}
	}
	return nil
}

// offer writes a confirmed notification unless the driver is on a ride.
func (r *Rider) offer(ctx context.Context, req models.RideRequest, driverID string, now time.Time) error {
	snap, err := r.cfg.Store.Get(ctx, models.CollectionNotifications, driverID)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
	case err != nil:
		return err
	default:
		var cur models.DriverNotification
		if err := snap.DataTo(&cur); err == nil && cur.RideID != req.ID &&
			(cur.Status == models.StatusAccepted || cur.Status == models.StatusRideStarted) {
			return fmt.Errorf("%w: %s", ErrDriverBusy, driverID)
		}
	}
	n := models.NewConfirmedNotification(req, driverID, now)
	return r.cfg.Store.Set(ctx, models.CollectionNotifications, driverID, n)
}

// AwaitAcceptance subscribes to every candidate's notification. The
// subscriptions belong to the coordinator and end with the ride.
func (r *Rider) AwaitAcceptance(ctx context.Context) error {
	r.ops.Lock()
	defer r.ops.Unlock()
	r.mu.Lock()
	if r.state != StateNotificationsSent {
		s := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: await acceptance in %s", ErrInvalidState, s)
	}
	candidates := append([]string(nil), r.candidates...)
	// Move first so the initial snapshots are handled in the awaiting state.
	fire := r.transitionLocked(StateAwaitingAcceptance, "")
	r.mu.Unlock()
	fire()

	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		driverID := id
		sub, err := r.cfg.Store.Subscribe(r.life, models.CollectionNotifications, driverID, func(s docstore.Snapshot) {
			r.observe(driverID, s)
		})
		if err != nil {
			r.cfg.Logger.Error("subscribe to notification failed", "ride_id", r.RideID(), "driver_id", driverID, "error", err)
			r.markDeclined(driverID)
			continue
		}
		r.mu.Lock()
		if r.state.Terminal() {
			r.mu.Unlock()
			sub.Cancel()
			break
		}
		if r.driverID != "" && r.driverID != driverID {
			r.mu.Unlock()
			sub.Cancel()
			continue
		}
		r.subs[driverID] = sub
		r.mu.Unlock()
	}
	return nil
}

// observe handles one notification snapshot from a candidate.
func (r *Rider) observe(driverID string, s docstore.Snapshot) {
	r.mu.Lock()
	effects := r.observeLocked(driverID, s)
	r.mu.Unlock()
	for _, fn := range effects {
		fn()
	}
}

func (r *Rider) observeLocked(driverID string, s docstore.Snapshot) []func() {
	if r.state.Terminal() || !s.Exists {
		return nil
	}
	var n models.DriverNotification
	if err := s.DataTo(&n); err != nil {
		r.cfg.Logger.Warn("undecodable notification", "driver_id", driverID, "error", err)
		return nil
	}
	if n.RideID != r.req.ID {
		// left over from an earlier ride, or already re-offered elsewhere
		return nil
	}
	v, err := n.Variant()
	if err != nil {
		r.cfg.Logger.Warn("malformed notification ignored", "ride_id", r.req.ID, "driver_id", driverID, "error", err)
		return nil
	}

	switch v := v.(type) {
	case models.Accepted:
		if r.driverID != "" || r.state != StateAwaitingAcceptance {
			return nil
		}
		r.driverID = driverID
		fire := r.transitionLockedWithFare(StateAccepted, "", v.Fare)
		losers := r.losersLocked()
		return []func(){fire, func() { r.withdraw(losers) }}

	case models.Started:
		if driverID != r.driverID || r.state != StateAccepted {
			return nil
		}
		return []func(){r.transitionLocked(StateRideStarted, "")}

	case models.Completed:
		if driverID != r.driverID || r.state != StateRideStarted {
			return nil
		}
		return []func(){r.transitionLocked(StateCompleted, "")}

	case models.Cancelled:
		if r.driverID == "" {
			if v.Reason == ReasonAssignedElsewhere || r.cancelling {
				return nil
			}
			r.declined[driverID] = true
			if r.allDeclinedLocked() {
				rideID := r.req.ID
				fire := r.transitionLocked(StateCancelled, ReasonNoDriverAccepted)
				return []func(){fire, func() { r.closeRideRequest(rideID, ReasonNoDriverAccepted) }}
			}
			return nil
		}
		if driverID != r.driverID {
			return nil
		}
		reason := v.Reason
		if reason == "" {
			reason = ReasonDriverCancelled
		}
		return []func(){r.transitionLocked(StateCancelled, reason)}
	}
	return nil
}

func (r *Rider) markDeclined(driverID string) {
	r.mu.Lock()
	r.declined[driverID] = true
	var effects []func()
	if r.driverID == "" && !r.state.Terminal() && r.allDeclinedLocked() {
		rideID := r.req.ID
		effects = append(effects, r.transitionLocked(StateCancelled, ReasonNoDriverAccepted),
			func() { r.closeRideRequest(rideID, ReasonNoDriverAccepted) })
	}
	r.mu.Unlock()
	for _, fn := range effects {
		fn()
	}
}

func (r *Rider) allDeclinedLocked() bool {
	for _, id := range r.candidates {
		if !r.declined[id] {
			return false
		}
	}
	return true
}

func (r *Rider) losersLocked() []string {
	var out []string
	for _, id := range r.candidates {
		if id == r.driverID {
			continue
		}
		out = append(out, id)
		if sub, ok := r.subs[id]; ok {
			sub.Cancel()
			delete(r.subs, id)
		}
	}
	return out
}

// withdraw cancels losing candidates' offers that are still open. Offers
// that have moved on are left alone.
func (r *Rider) withdraw(driverIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rideID := r.RideID()
	fields := map[string]any{
		"status":             models.StatusCancelled,
		"cancellationReason": ReasonAssignedElsewhere,
		"cancelledAt":        r.cfg.Now().UTC(),
	}
	for _, id := range driverIDs {
		err := r.cfg.Store.UpdateIf(ctx, models.CollectionNotifications, id,
			map[string]any{"status": models.StatusConfirmed, "rideId": rideID}, fields)
		if err != nil && !errors.Is(err, docstore.ErrPreconditionFailed) && !errors.Is(err, docstore.ErrNotFound) {
			r.cfg.Logger.Warn("withdraw offer failed", "ride_id", rideID, "driver_id", id, "error", err)
		}
	}
}

func (r *Rider) closeRideRequest(rideID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := r.cfg.Store.UpdateIf(ctx, models.CollectionRideRequests, rideID,
		map[string]any{"status": models.RideOpen},
		map[string]any{"status": models.RideCancelled, "cancellationReason": reason})
	if err != nil && !errors.Is(err, docstore.ErrPreconditionFailed) && !errors.Is(err, docstore.ErrNotFound) {
		r.cfg.Logger.Warn("close ride request failed", "ride_id", rideID, "error", err)
	}
}

// Cancel ends the ride from any non-terminal state. If the write that makes
// the cancellation visible to the driver fails, the state is unchanged.
func (r *Rider) Cancel(ctx context.Context, reason string) error {
	r.ops.Lock()
	defer r.ops.Unlock()
	r.mu.Lock()
	state, rideID, driverID := r.state, r.req.ID, r.driverID
	candidates := append([]string(nil), r.candidates...)
	r.mu.Unlock()

	if state.Terminal() {
		return fmt.Errorf("%w: cancel in %s", ErrInvalidState, state)
	}
	now := r.cfg.Now().UTC()
	cancelFields := map[string]any{
		"status":             models.StatusCancelled,
		"cancellationReason": reason,
		"cancelledAt":        now,
		"rideId":             rideID,
	}

	switch state {
	case StateIdle:

	case StateCategorySelected:
		// a failed fan-out may have left the ride request behind
		r.closeRideRequest(rideID, reason)

	case StateNotificationsSent, StateAwaitingAcceptance:
		err := r.cfg.Store.UpdateIf(ctx, models.CollectionRideRequests, rideID,
			map[string]any{"status": models.RideOpen},
			map[string]any{"status": models.RideCancelled, "cancellationReason": reason})
		switch {
		case err == nil:
			r.mu.Lock()
			r.cancelling = true
			r.mu.Unlock()
		case errors.Is(err, docstore.ErrPreconditionFailed):
			// A driver claimed the ride after we last looked.
			winner, werr := r.claimedBy(ctx, rideID)
			if werr != nil {
				return werr
			}
			if winner == "" {
				return fmt.Errorf("%w: ride %s", ErrConcurrentMod, rideID)
			}
			if err := r.cancelWinner(ctx, rideID, winner, cancelFields); err != nil {
				return err
			}
			driverID = winner
		default:
			return fmt.Errorf("cancel ride request: %w", err)
		}
		for _, id := range candidates {
			if id == driverID {
				continue
			}
			err := r.cfg.Store.UpdateIf(ctx, models.CollectionNotifications, id,
				map[string]any{"status": models.StatusConfirmed, "rideId": rideID}, cancelFields)
			if err != nil && !errors.Is(err, docstore.ErrPreconditionFailed) && !errors.Is(err, docstore.ErrNotFound) {
				r.cfg.Logger.Warn("cancel offer failed", "ride_id", rideID, "driver_id", id, "error", err)
			}
		}

	case StateAccepted, StateRideStarted:
		if err := r.cancelWinner(ctx, rideID, driverID, cancelFields); err != nil {
			return err
		}
	}

	r.mu.Lock()
	if r.state.Terminal() {
		// our own write may already have been observed
		s := r.state
		r.mu.Unlock()
		if s == StateCancelled {
			return nil
		}
		return fmt.Errorf("%w: ride ended as %s", ErrInvalidState, s)
	}
	if driverID != "" && r.driverID == "" {
		r.driverID = driverID
	}
	fire := r.transitionLocked(StateCancelled, reason)
	r.mu.Unlock()
	fire()
	return nil
}

func (r *Rider) claimedBy(ctx context.Context, rideID string) (string, error) {
	snap, err := r.cfg.Store.Get(ctx, models.CollectionRideRequests, rideID)
	if err != nil {
		return "", fmt.Errorf("reload ride request: %w", err)
	}
	var req models.RideRequest
	if err := snap.DataTo(&req); err != nil {
		return "", err
	}
	switch req.Status {
	case models.RideAccepted, models.RideStarted:
		return req.AcceptedDriverID, nil
	case models.RideCancelled, models.RideCompleted:
		return "", fmt.Errorf("%w: ride %s already %s", ErrInvalidState, rideID, req.Status)
	}
	return "", nil
}

// cancelWinner writes the cancellation to the accepted driver's notification
// and then closes the ride request.
func (r *Rider) cancelWinner(ctx context.Context, rideID, driverID string, fields map[string]any) error {
	snap, err := r.cfg.Store.Get(ctx, models.CollectionNotifications, driverID)
	if err != nil {
		return fmt.Errorf("load driver notification: %w", err)
	}
	var n models.DriverNotification
	if err := snap.DataTo(&n); err != nil {
		return err
	}
	if n.RideID != rideID {
		return fmt.Errorf("%w: driver %s notification belongs to ride %s", ErrInvalidState, driverID, n.RideID)
	}
	if n.Status != models.StatusAccepted && n.Status != models.StatusRideStarted {
		return fmt.Errorf("%w: driver notification is %s", ErrInvalidState, n.Status)
	}
	err = r.cfg.Store.UpdateIf(ctx, models.CollectionNotifications, driverID,
		map[string]any{"status": n.Status, "rideId": rideID}, fields)
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return fmt.Errorf("%w: driver notification changed", ErrConcurrentMod)
	}
	if err != nil {
		return fmt.Errorf("cancel driver notification: %w", err)
	}
	rideStatus := models.RideAccepted
	if n.Status == models.StatusRideStarted {
		rideStatus = models.RideStarted
	}
	if err := r.cfg.Store.UpdateIf(ctx, models.CollectionRideRequests, rideID,
		map[string]any{"status": rideStatus},
		map[string]any{"status": models.RideCancelled, "cancellationReason": fields["cancellationReason"]}); err != nil && !errors.Is(err, docstore.ErrPreconditionFailed) {
		r.cfg.Logger.Warn("close ride request failed", "ride_id", rideID, "error", err)
	}
	return nil
}

func (r *Rider) transitionLocked(to State, reason string) func() {
	return r.transitionLockedWithFare(to, reason, nil)
}

// transitionLockedWithFare moves the state and returns the hook invocation
// to run once the lock is released.
func (r *Rider) transitionLockedWithFare(to State, reason string, driverFare *int64) func() {
	from := r.state
	if !CanTransition(from, to) {
		r.cfg.Logger.Error("illegal transition", "ride_id", r.req.ID, "from", from, "to", to)
		return func() {}
	}
	r.state = to
	r.updatedAt = r.cfg.Now().UTC()
	if reason != "" {
		r.reason = reason
	}
	if to.Terminal() {
		for id, sub := range r.subs {
			sub.Cancel()
			delete(r.subs, id)
		}
		r.stop()
		close(r.done)
	}
	t := Transition{
		RideID:   r.req.ID,
		RiderID:  r.riderID,
		DriverID: r.driverID,
		From:     from,
		To:       to,
		Reason:   reason,
		Fare:     driverFare,
		At:       r.updatedAt,
	}
	if t.Fare == nil && r.fare != nil {
		amount := r.fare.Amount
		t.Fare = &amount
	}
	observability.RideTransitions.WithLabelValues(string(from), string(to)).Inc()
	r.cfg.Logger.Info("ride transition", "ride_id", t.RideID, "from", from, "to", to, "driver_id", t.DriverID, "reason", reason)
	hooks := r.cfg.Hooks
	return func() {
		for _, h := range hooks {
			h(t)
		}
	}
}

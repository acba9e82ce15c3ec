package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/fare"
	"github.com/example/ride-lifecycle/internal/fleet"
	"github.com/example/ride-lifecycle/internal/kvcache"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/routing"
)

const riderID = "rider-1"

func tripRequest() models.RideRequest {
	return models.RideRequest{
		StartAddress:       "Kenyatta Avenue, Nairobi",
		StartLat:           -1.2833,
		StartLng:           36.8167,
		DestinationAddress: "Westlands, Nairobi",
		DestLat:            -1.2676,
		DestLng:            36.8108,
	}
}

func option(ids ...string) fleet.CategoryQuote {
	drivers := make([]fleet.AvailableDriver, len(ids))
	for i, id := range ids {
		drivers[i] = fleet.AvailableDriver{DriverID: id, Category: models.CategoryEconomy}
	}
	return fleet.CategoryQuote{
		CategoryDrivers: fleet.CategoryDrivers{Category: models.CategoryEconomy, RatePerKm: 65, Drivers: drivers},
		Fare:            &fare.Fare{Category: models.CategoryEconomy, Amount: 250, ListPrice: 370, Currency: fare.Currency},
	}
}

type recorder struct {
	mu sync.Mutex
	ts []Transition
}

func (r *recorder) hook(t Transition) {
	r.mu.Lock()
	r.ts = append(r.ts, t)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.ts...)
}

func newManager(store docstore.Store, rec *recorder) *Manager {
	rc := RiderConfig{Store: store, Cache: kvcache.NewMemory()}
	if rec != nil {
		rc.Hooks = []Hook{rec.hook}
	}
	return NewManager(rc, DriverConfig{Store: store, Routing: routing.StraightLine{}})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, r *Rider, want State) {
	t.Helper()
	eventually(t, fmt.Sprintf("state %s (have %s)", want, r.State()), func() bool { return r.State() == want })
}

func notification(t *testing.T, s docstore.Store, driverID string) models.DriverNotification {
	t.Helper()
	snap, err := s.Get(context.Background(), models.CollectionNotifications, driverID)
	if err != nil {
		t.Fatalf("get notification %s: %v", driverID, err)
	}
	var n models.DriverNotification
	if err := snap.DataTo(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func rideDoc(t *testing.T, s docstore.Store, rideID string) models.RideRequest {
	t.Helper()
	snap, err := s.Get(context.Background(), models.CollectionRideRequests, rideID)
	if err != nil {
		t.Fatalf("get ride %s: %v", rideID, err)
	}
	var req models.RideRequest
	if err := snap.DataTo(&req); err != nil {
		t.Fatal(err)
	}
	return req
}

func TestRideLifecycle(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	rec := &recorder{}
	m := newManager(store, rec)

	r, err := m.RequestRide(ctx, riderID, tripRequest(), option("a", "b"))
	if err != nil {
		t.Fatalf("request ride: %v", err)
	}
	if r.State() != StateAwaitingAcceptance {
		t.Fatalf("state = %s", r.State())
	}
	if got, ok := m.Ride(r.RideID()); !ok || got != r {
		t.Fatal("ride not registered with manager")
	}
	for _, id := range []string{"a", "b"} {
		if n := notification(t, store, id); n.Status != models.StatusConfirmed || n.RideID != r.RideID() {
			t.Fatalf("driver %s notification = %+v", id, n)
		}
	}

	n, err := m.Driver("a").Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if n.Fare == nil || *n.Fare != fare.MinimumFare {
		t.Fatalf("accepted fare = %v, want minimum", n.Fare)
	}
	waitState(t, r, StateAccepted)
	if r.DriverID() != "a" {
		t.Fatalf("driver = %q", r.DriverID())
	}
	eventually(t, "loser withdrawn", func() bool {
		n := notification(t, store, "b")
		return n.Status == models.StatusCancelled && n.CancellationReason != nil && *n.CancellationReason == ReasonAssignedElsewhere
	})
	if doc := rideDoc(t, store, r.RideID()); doc.Status != models.RideAccepted || doc.AcceptedDriverID != "a" {
		t.Fatalf("ride doc = %+v", doc)
	}

	if _, err := m.Driver("a").StartRide(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, r, StateRideStarted)

	entry, err := m.Complete(ctx, "a", riderID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if entry.CompletedAt == nil {
		t.Fatal("completed entry without completedAt")
	}
	waitState(t, r, StateCompleted)
	if doc := rideDoc(t, store, r.RideID()); doc.Status != models.RideCompleted {
		t.Fatalf("ride doc status = %s", doc.Status)
	}

	eventually(t, "all transitions published", func() bool { return len(rec.snapshot()) == 6 })
	want := []State{StateCategorySelected, StateNotificationsSent, StateAwaitingAcceptance, StateAccepted, StateRideStarted, StateCompleted}
	for i, tr := range rec.snapshot() {
		if tr.To != want[i] {
			t.Fatalf("transition %d to %s, want %s", i, tr.To, want[i])
		}
	}

	earned, err := m.Ledger().Earnings(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if earned.CompletedRides != 1 || earned.Total != fare.MinimumFare {
		t.Fatalf("earnings = %+v", earned)
	}
}

func TestSecondAcceptIsRejected(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	m := newManager(store, nil)

	// no listener, so B's offer is still confirmed when B accepts
	r := NewRider(RiderConfig{Store: store}, riderID)
	if err := r.SelectCategory(ctx, tripRequest(), option("a", "b")); err != nil {
		t.Fatal(err)
	}
	if err := r.SendNotifications(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Driver("a").Accept(ctx); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := m.Driver("b").Accept(ctx); !errors.Is(err, ErrRideTaken) {
		t.Fatalf("second accept err = %v, want ErrRideTaken", err)
	}
	if n := notification(t, store, "b"); n.Status != models.StatusConfirmed {
		t.Fatalf("loser notification = %s, want untouched", n.Status)
	}
	if doc := rideDoc(t, store, r.RideID()); doc.AcceptedDriverID != "a" {
		t.Fatalf("accepted driver = %q", doc.AcceptedDriverID)
	}
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	m := newManager(store, nil)

	ids := make([]string, 16)
	for i := range ids {
		ids[i] = fmt.Sprintf("d%02d", i)
	}
	r, err := m.RequestRide(ctx, riderID, tripRequest(), option(ids...))
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := m.Driver(id).Accept(ctx)
			switch {
			case err == nil:
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			case errors.Is(err, ErrRideTaken), errors.Is(err, ErrNoOffer):
			default:
				t.Errorf("driver %s: unexpected error %v", id, err)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	waitState(t, r, StateAccepted)
	if r.DriverID() != winners[0] {
		t.Fatalf("rider driver = %q, winner = %q", r.DriverID(), winners[0])
	}
	accepted := 0
	for _, id := range ids {
		if notification(t, store, id).Status == models.StatusAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("%d accepted notifications", accepted)
	}
}

func TestCancelBeforeAnyWrite(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	r := NewRider(RiderConfig{Store: store}, riderID)
	if err := r.Cancel(ctx, "changed my mind"); err != nil {
		t.Fatal(err)
	}
	if r.State() != StateCancelled {
		t.Fatalf("state = %s", r.State())
	}
	if err := r.Cancel(ctx, "again"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second cancel err = %v", err)
	}

	r = NewRider(RiderConfig{Store: store}, riderID)
	if err := r.SelectCategory(ctx, tripRequest(), option("a")); err != nil {
		t.Fatal(err)
	}
	if err := r.Cancel(ctx, "changed my mind"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, models.CollectionNotifications, "a"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("cancel after selection wrote a notification: %v", err)
	}
	select {
	case <-r.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestCancelWhileAwaiting(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	m := newManager(store, nil)
	r, err := m.RequestRide(ctx, riderID, tripRequest(), option("a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Cancel(ctx, "changed my mind"); err != nil {
		t.Fatal(err)
	}
	v := r.View()
	if v.State != StateCancelled || v.Reason != "changed my mind" {
		t.Fatalf("view = %+v", v)
	}
	for _, id := range []string{"a", "b"} {
		n := notification(t, store, id)
		if n.Status != models.StatusCancelled || n.CancellationReason == nil || *n.CancellationReason != "changed my mind" {
			t.Fatalf("driver %s notification = %+v", id, n)
		}
	}
	if doc := rideDoc(t, store, r.RideID()); doc.Status != models.RideCancelled {
		t.Fatalf("ride doc = %s", doc.Status)
	}
	if _, err := m.Driver("a").Accept(ctx); !errors.Is(err, ErrNoOffer) {
		t.Fatalf("accept after cancel err = %v", err)
	}
}

func TestCancelAfterAcceptIgnoresLateStart(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	m := newManager(store, nil)
	r, err := m.RequestRide(ctx, riderID, tripRequest(), option("a"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Driver("a").Accept(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, r, StateAccepted)

	if err := r.Cancel(ctx, "driver too far"); err != nil {
		t.Fatal(err)
	}
	if r.State() != StateCancelled {
		t.Fatalf("state = %s", r.State())
	}
	n := notification(t, store, "a")
	if n.Status != models.StatusCancelled || *n.CancellationReason != "driver too far" {
		t.Fatalf("winner notification = %+v", n)
	}
	if _, err := m.Driver("a").StartRide(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("start after cancel err = %v", err)
	}

	// a stale writer forcing rideStarted must not revive the ride
	if err := store.Merge(ctx, models.CollectionNotifications, "a", map[string]any{"status": models.StatusRideStarted}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if r.State() != StateCancelled {
		t.Fatalf("state after late start = %s", r.State())
	}
}

func TestCancelAfterStart(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	m := newManager(store, nil)
	r, err := m.RequestRide(ctx, riderID, tripRequest(), option("a"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Driver("a").Accept(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, r, StateAccepted)
	if _, err := m.Driver("a").StartRide(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, r, StateRideStarted)
	if err := r.Cancel(ctx, "emergency"); err != nil {
		t.Fatal(err)
	}
	if doc := rideDoc(t, store, r.RideID()); doc.Status != models.RideCancelled {
		t.Fatalf("ride doc = %s", doc.Status)
	}
	if n := notification(t, store, "a"); n.Status != models.StatusCancelled {
		t.Fatalf("notification = %s", n.Status)
	}
	if r.State() != StateCancelled {
		t.Fatalf("state = %s", r.State())
	}
}

func TestDriverCancelEndsRide(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	m := newManager(store, nil)
	r, err := m.RequestRide(ctx, riderID, tripRequest(), option("a"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Driver("a").Accept(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, r, StateAccepted)
	if err := m.Driver("a").Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, r, StateCancelled)
	if v := r.View(); v.Reason != ReasonDriverCancelled {
		t.Fatalf("reason = %q", v.Reason)
	}
}

func TestAllDeclinedCancelsRide(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	m := newManager(store, nil)
	r, err := m.RequestRide(ctx, riderID, tripRequest(), option("a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Driver("a").Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if r.State() != StateAwaitingAcceptance {
		t.Fatalf("one decline ended the ride: %s", r.State())
	}
	if err := m.Driver("b").Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, r, StateCancelled)
	if v := r.View(); v.Reason != ReasonNoDriverAccepted {
		t.Fatalf("reason = %q", v.Reason)
	}
	eventually(t, "ride doc closed", func() bool {
		return rideDoc(t, store, r.RideID()).Status == models.RideCancelled
	})
}

func TestStaleNotificationIgnored(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	m := newManager(store, nil)
	r, err := m.RequestRide(ctx, riderID, tripRequest(), option("a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	stale := models.NewConfirmedNotification(models.RideRequest{ID: "older-ride", RiderID: "someone"}, "a", time.Now())
	stale.Status = models.StatusAccepted
	if err := store.Set(ctx, models.CollectionNotifications, "a", stale); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if r.State() != StateAwaitingAcceptance || r.DriverID() != "" {
		t.Fatalf("stale accept changed ride: %+v", r.View())
	}
	if _, err := m.Driver("b").Accept(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, r, StateAccepted)
	if r.DriverID() != "b" {
		t.Fatalf("driver = %q", r.DriverID())
	}
}

type flakyStore struct {
	*docstore.Memory
	fail map[string]bool
}

func (f *flakyStore) Set(ctx context.Context, collection, id string, doc any) error {
	if collection == models.CollectionNotifications && f.fail[id] {
		return errors.New("store unavailable")
	}
	return f.Memory.Set(ctx, collection, id, doc)
}

func TestPartialFanout(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: docstore.NewMemory(), fail: map[string]bool{"b": true}}
	m := newManager(store, nil)
	r, err := m.RequestRide(ctx, riderID, tripRequest(), option("a", "b", "c"))
	var fe *FanoutError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FanoutError", err)
	}
	if len(fe.Failed) != 1 || fe.Failed["b"] == nil {
		t.Fatalf("failed = %v", fe.Failed)
	}
	if len(fe.Succeeded) != 2 {
		t.Fatalf("succeeded = %v", fe.Succeeded)
	}
	if r == nil || r.State() != StateAwaitingAcceptance {
		t.Fatalf("partial fan-out should still await acceptance")
	}
	if got := r.View().Candidates; len(got) != 2 {
		t.Fatalf("candidates = %v", got)
	}
}

func TestFanoutTotalFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: docstore.NewMemory(), fail: map[string]bool{"a": true, "b": true}}
	m := newManager(store, nil)
	r, err := m.RequestRide(ctx, riderID, tripRequest(), option("a", "b"))
	var fe *FanoutError
	if !errors.As(err, &fe) || len(fe.Succeeded) != 0 {
		t.Fatalf("err = %v", err)
	}
	if r.State() != StateCancelled {
		t.Fatalf("state = %s", r.State())
	}
	if doc := rideDoc(t, store, r.RideID()); doc.Status != models.RideCancelled {
		t.Fatalf("ride doc = %s", doc.Status)
	}
}

func TestBusyDriverNotOverwritten(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	busy := models.NewConfirmedNotification(models.RideRequest{ID: "other", RiderID: "r2"}, "a", time.Now())
	busy.Status = models.StatusRideStarted
	if err := store.Set(ctx, models.CollectionNotifications, "a", busy); err != nil {
		t.Fatal(err)
	}
	m := newManager(store, nil)
	_, err := m.RequestRide(ctx, riderID, tripRequest(), option("a", "b"))
	if !errors.Is(err, ErrDriverBusy) {
		t.Fatalf("err = %v, want ErrDriverBusy", err)
	}
	if n := notification(t, store, "a"); n.RideID != "other" || n.Status != models.StatusRideStarted {
		t.Fatalf("busy driver notification overwritten: %+v", n)
	}
}

func TestSelectCategoryValidation(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	cases := []struct {
		name string
		req  models.RideRequest
		opt  fleet.CategoryQuote
		want error
	}{
		{"no drivers", tripRequest(), option(), ErrNoCandidates},
		{"no fare", tripRequest(), fleet.CategoryQuote{CategoryDrivers: option("a").CategoryDrivers}, ErrFareUnknown},
		{"bad coords", func() models.RideRequest { r := tripRequest(); r.StartLat = 123; return r }(), option("a"), ErrInvalidInput},
		{"no address", func() models.RideRequest { r := tripRequest(); r.DestinationAddress = ""; return r }(), option("a"), ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRider(RiderConfig{Store: store}, riderID)
			if err := r.SelectCategory(ctx, tc.req, tc.opt); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if r.State() != StateIdle {
				t.Fatalf("state = %s", r.State())
			}
		})
	}
}

func TestSelectCategoryPersistsRate(t *testing.T) {
	ctx := context.Background()
	cache := kvcache.NewMemory()
	r := NewRider(RiderConfig{Store: docstore.NewMemory(), Cache: cache}, riderID)
	if err := r.SelectCategory(ctx, tripRequest(), option("a")); err != nil {
		t.Fatal(err)
	}
	rate, err := kvcache.SelectedRate(ctx, cache, riderID)
	if err != nil || rate != 65 {
		t.Fatalf("rate = %v, %v", rate, err)
	}
}

func TestTransitionTable(t *testing.T) {
	if CanTransition(StateIdle, StateAccepted) {
		t.Fatal("idle cannot jump to accepted")
	}
	if CanTransition(StateCompleted, StateCancelled) || CanTransition(StateCancelled, StateRideStarted) {
		t.Fatal("terminal states are final")
	}
	for s := range AllowedTransitions {
		if !s.Terminal() && !CanTransition(s, StateCancelled) {
			t.Fatalf("%s should be cancellable", s)
		}
	}
}

type fakeGate struct{ err error }

func (g fakeGate) Check(context.Context, string) error { return g.err }

type fakeReporter struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (f *fakeReporter) Start(context.Context) error {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	return nil
}

func (f *fakeReporter) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	return nil
}

func TestDriverOnlineLifecycle(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	rep := &fakeReporter{}
	blocked := errors.New("verification required")

	d := NewDriver(DriverConfig{Store: store, Gate: fakeGate{err: blocked}, NewReporter: func(string) Reporter { return rep }}, "a")
	if err := d.GoOnline(ctx); !errors.Is(err, blocked) {
		t.Fatalf("gate err = %v", err)
	}
	if d.Online() || rep.started != 0 {
		t.Fatal("blocked driver went online")
	}

	d = NewDriver(DriverConfig{Store: store, Gate: fakeGate{}, NewReporter: func(string) Reporter { return rep }}, "a")
	if err := d.GoOnline(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.GoOnline(ctx); err != nil {
		t.Fatal(err)
	}
	if !d.Online() || rep.started != 1 {
		t.Fatalf("online=%v started=%d", d.Online(), rep.started)
	}
	if err := d.GoOffline(ctx); err != nil {
		t.Fatal(err)
	}
	if d.Online() || rep.stopped != 1 {
		t.Fatalf("online=%v stopped=%d", d.Online(), rep.stopped)
	}
}

func TestWatchOffers(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	m := newManager(store, nil)
	got := make(chan models.NotificationState, 8)
	d := m.Driver("a")
	if err := d.WatchOffers(ctx, func(s models.NotificationState) { got <- s }); err != nil {
		t.Fatal(err)
	}
	defer d.StopWatching()

	r, err := m.RequestRide(ctx, riderID, tripRequest(), option("a"))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-got:
		c, ok := s.(models.Confirmed)
		if !ok || c.RideID != r.RideID() || c.StartAddress != "Kenyatta Avenue, Nairobi" {
			t.Fatalf("offer = %#v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no offer delivered")
	}
}

func TestPruneDropsOldTerminalRides(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	m := newManager(store, nil)
	r, err := m.RequestRide(ctx, riderID, tripRequest(), option("a"))
	if err != nil {
		t.Fatal(err)
	}
	if n := m.Prune(time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("pruned %d live rides", n)
	}
	if err := r.Cancel(ctx, "bye"); err != nil {
		t.Fatal(err)
	}
	if n := m.Prune(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, ok := m.Ride(r.RideID()); ok {
		t.Fatal("ride still registered")
	}
}

package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-lifecycle/internal/ride"
)

func TestSettlementCapturesOnCompletion(t *testing.T) {
	g := NewMemoryGateway()
	s := NewSettlement(g, nil)
	ctx := context.Background()

	id, err := s.Authorize(ctx, "r1", 480, "kes", "")
	if err != nil {
		t.Fatal(err)
	}
	again, err := s.Authorize(ctx, "r1", 480, "kes", "")
	if err != nil || again != id {
		t.Fatalf("second authorize = %q, %v", again, err)
	}
	if h := g.Holds[id]; h.Amount != 48000 || h.RideID != "r1" {
		t.Fatalf("hold = %+v", h)
	}

	s.Hook(ride.Transition{RideID: "r1", From: ride.StateAccepted, To: ride.StateRideStarted})
	if g.State(id) != "requires_capture" {
		t.Fatalf("non-terminal transition settled: %s", g.State(id))
	}
	s.Hook(ride.Transition{RideID: "r1", From: ride.StateRideStarted, To: ride.StateCompleted})
	if g.State(id) != "succeeded" {
		t.Fatalf("state = %s", g.State(id))
	}
	if _, err := s.Authorize(ctx, "r1", 480, "kes", ""); !errors.Is(err, ErrRideEnded) {
		t.Fatalf("authorize after end err = %v", err)
	}
}

func TestSettlementReleasesOnCancel(t *testing.T) {
	g := NewMemoryGateway()
	s := NewSettlement(g, nil)
	id, err := s.Authorize(context.Background(), "r2", 250, "kes", "cus_1")
	if err != nil {
		t.Fatal(err)
	}
	s.Hook(ride.Transition{RideID: "r2", From: ride.StateAccepted, To: ride.StateCancelled})
	if g.State(id) != "canceled" {
		t.Fatalf("state = %s", g.State(id))
	}
	// rides without a hold are ignored
	s.Hook(ride.Transition{RideID: "other", To: ride.StateCompleted})
}

func TestAuthorizeRejectsZeroFare(t *testing.T) {
	s := NewSettlement(NewMemoryGateway(), nil)
	if _, err := s.Authorize(context.Background(), "r", 0, "kes", ""); !errors.Is(err, ErrInvalidHold) {
		t.Fatalf("err = %v", err)
	}
}

package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/models"
)

func fareOf(v int64) *int64 { return &v }

func newLedger() (*Ledger, *docstore.Memory) {
	s := docstore.NewMemory()
	l := NewLedger(s)
	l.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return l, s
}

func TestAppendAndRides(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	rides, err := l.Rides(ctx, "d1")
	if err != nil || len(rides) != 0 {
		t.Fatalf("expected empty history, got %v %v", rides, err)
	}
	if err := l.Append(ctx, "d1", models.RideEntry{RideID: "ride-1", RiderID: "r1", Status: models.StatusAccepted, Fare: fareOf(650)}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(ctx, "d1", models.RideEntry{RideID: "ride-2", RiderID: "r2", Status: models.StatusAccepted}); err != nil {
		t.Fatal(err)
	}
	rides, _ = l.Rides(ctx, "d1")
	if len(rides) != 2 || rides[0].ID != "d1_r1" || rides[1].ID != "d1_r2" {
		t.Fatalf("unexpected rides %+v", rides)
	}
	if rides[0].CompletedAt != nil {
		t.Fatal("completedAt must be nil until completion")
	}
}

func TestCompleteFlow(t *testing.T) {
	ctx := context.Background()
	l, s := newLedger()
	_ = s.Set(ctx, models.CollectionNotifications, "d1", models.DriverNotification{DriverID: "d1", RideID: "ride-1", RiderID: "r1", Status: models.StatusRideStarted})
	_ = s.Set(ctx, models.CollectionRideRequests, "ride-1", models.RideRequest{ID: "ride-1", Status: models.RideStarted})
	_ = l.Append(ctx, "d1", models.RideEntry{RideID: "ride-1", RiderID: "r1", Status: models.StatusAccepted, Fare: fareOf(650)})

	if _, err := l.Complete(ctx, "d1", "r1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("completing an unstarted ride should fail, got %v", err)
	}
	if err := l.SetStatus(ctx, "d1", "d1_r1", models.StatusRideStarted); err != nil {
		t.Fatal(err)
	}
	e, err := l.Complete(ctx, "d1", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != models.StatusCompleted || e.CompletedAt == nil {
		t.Fatalf("unexpected entry %+v", e)
	}

	snap, _ := s.Get(ctx, models.CollectionNotifications, "d1")
	var n models.DriverNotification
	_ = snap.DataTo(&n)
	if n.Status != models.StatusCompleted || n.CompletedAt == nil {
		t.Fatalf("notification not completed: %+v", n)
	}
	snap, _ = s.Get(ctx, models.CollectionRideRequests, "ride-1")
	var rr models.RideRequest
	_ = snap.DataTo(&rr)
	if rr.Status != models.RideCompleted {
		t.Fatalf("ride request not completed: %+v", rr)
	}

	if err := l.SetStatus(ctx, "d1", "d1_r1", models.StatusCancelled); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("terminal entries must not change, got %v", err)
	}
	if _, err := l.Complete(ctx, "d1", "nobody"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestEarningsSumsCompletedFares(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()
	for i, status := range []models.NotificationStatus{models.StatusRideStarted, models.StatusRideStarted, models.StatusAccepted} {
		rider := string(rune('a' + i))
		_ = l.Append(ctx, "d1", models.RideEntry{RideID: "ride-" + rider, RiderID: rider, Status: status, Fare: fareOf(int64(300 + i*100))})
	}
	if _, err := l.Complete(ctx, "d1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Complete(ctx, "d1", "b"); err != nil {
		t.Fatal(err)
	}
	got, err := l.Earnings(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Total != 700 || got.CompletedRides != 2 || got.Currency != "KES" {
		t.Fatalf("unexpected earnings %+v", got)
	}
}

func TestRepeatRiderStartsNewEntry(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()
	_ = l.Append(ctx, "d1", models.RideEntry{RideID: "ride-1", RiderID: "r1", Status: models.StatusRideStarted})
	_, _ = l.Complete(ctx, "d1", "r1")
	_ = l.Append(ctx, "d1", models.RideEntry{RideID: "ride-2", RiderID: "r1", Status: models.StatusAccepted})
	rides, _ := l.Rides(ctx, "d1")
	if len(rides) != 2 || rides[1].RideID != "ride-2" || rides[0].Status != models.StatusCompleted {
		t.Fatalf("unexpected rides %+v", rides)
	}
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()
	l.MaxAttempts = 100
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rider := string(rune('a' + i))
			if err := l.Append(ctx, "d1", models.RideEntry{RideID: "ride-" + rider, RiderID: rider, Status: models.StatusAccepted}); err != nil {
				t.Errorf("append %s: %v", rider, err)
			}
		}(i)
	}
	wg.Wait()
	rides, _ := l.Rides(ctx, "d1")
	if len(rides) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(rides))
	}
}

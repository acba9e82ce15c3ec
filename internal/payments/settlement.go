package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/ride"
)

var (
	ErrNoHold      = errors.New("payments: no payment held for ride")
	ErrRideEnded   = errors.New("payments: ride already ended")
	ErrInvalidHold = errors.New("payments: invalid amount")
)

// minorUnits converts a whole-unit fare to the gateway's minor unit.
const minorUnits = 100

// Settlement tracks the hold of each ride and settles it when the ride ends:
// captured on completion, released on cancellation.
type Settlement struct {
	Gateway Gateway
	Logger  *slog.Logger
	Timeout time.Duration

	mu      sync.Mutex
	intents map[string]string
	settled map[string]bool
}

func NewSettlement(g Gateway, logger *slog.Logger) *Settlement {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settlement{
		Gateway: g,
		Logger:  logger,
		Timeout: 10 * time.Second,
		intents: make(map[string]string),
		settled: make(map[string]bool),
	}
}

// Authorize holds fare for the ride. Repeated calls return the existing hold.
func (s *Settlement) Authorize(ctx context.Context, rideID string, fare int64, currency, customerID string) (string, error) {
	if fare <= 0 {
		return "", ErrInvalidHold
	}
	s.mu.Lock()
	if s.settled[rideID] {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRideEnded, rideID)
	}
	if id, ok := s.intents[rideID]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	id, err := s.Gateway.Hold(ctx, Hold{RideID: rideID, Amount: fare * minorUnits, Currency: currency, CustomerID: customerID})
	if err != nil {
		return "", fmt.Errorf("hold payment for %s: %w", rideID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.intents[rideID]; ok {
		return prev, nil
	}
	s.intents[rideID] = id
	return id, nil
}

func (s *Settlement) Intent(rideID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.intents[rideID]
	return id, ok
}

// Hook settles the hold when a ride reaches a terminal state.
func (s *Settlement) Hook(t ride.Transition) {
	if !t.To.Terminal() {
		return
	}
	s.mu.Lock()
	s.settled[t.RideID] = true
	id, ok := s.intents[t.RideID]
	s.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	var err error
	if t.To == ride.StateCompleted {
		err = s.Gateway.Capture(ctx, id)
	} else {
		err = s.Gateway.Cancel(ctx, id)
	}
	if err != nil {
		s.Logger.Error("settle payment failed", "ride_id", t.RideID, "payment_intent", id, "to", t.To, "error", err)
		return
	}
	s.Logger.Info("payment settled", "ride_id", t.RideID, "payment_intent", id, "to", t.To)
}

// MemoryGateway records holds in process.
type MemoryGateway struct {
	mu     sync.Mutex
	next   int
	States map[string]string
	Holds  map[string]Hold
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{States: make(map[string]string), Holds: make(map[string]Hold)}
}

func (m *MemoryGateway) Hold(_ context.Context, h Hold) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("pi_%d", m.next)
	m.States[id] = "requires_capture"
	m.Holds[id] = h
	return id, nil
}

func (m *MemoryGateway) Capture(_ context.Context, id string) error {
	return m.move(id, "succeeded")
}

func (m *MemoryGateway) Cancel(_ context.Context, id string) error {
	return m.move(id, "canceled")
}

func (m *MemoryGateway) move(id, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.States[id] != "requires_capture" {
		return fmt.Errorf("%w: %s", ErrNoHold, id)
	}
	m.States[id] = to
	return nil
}

func (m *MemoryGateway) State(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.States[id]
}

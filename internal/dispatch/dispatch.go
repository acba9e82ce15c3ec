package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/ride"
)

const (
	EventOffer      = "driver.notification"
	EventTransition = "ride.transition"
)

type Sender interface {
	Send(ctx context.Context, userID string, ev Event) error
}

// Notifier delivers events over the user's WebSocket session and falls back
// to push when the user has none.
type Notifier struct {
	WS      *WSRegistry
	Push    Sender
	Logger  *slog.Logger
	Timeout time.Duration
	Now     func() time.Time
}

func (n *Notifier) now() time.Time {
	if n.Now == nil {
		return time.Now().UTC()
	}
	return n.Now()
}

func (n *Notifier) Notify(ctx context.Context, userID string, ev Event) error {
	if ev.At.IsZero() {
		ev.At = n.now()
	}
	if n.WS != nil {
		err := n.WS.Send(userID, ev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) && n.Push == nil {
			return err
		}
	}
	if n.Push == nil {
		return ErrNoSession
	}
	return n.Push.Send(ctx, userID, ev)
}

func (n *Notifier) notifyAsync(userID string, ev Event) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := n.Notify(ctx, userID, ev); err != nil && !errors.Is(err, ErrNoSession) {
		n.logger().Warn("notify failed", "user_id", userID, "type", ev.Type, "error", err)
	}
}

func (n *Notifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// TransitionHook pushes every rider-side transition to the rider.
func (n *Notifier) TransitionHook() ride.Hook {
	return func(t ride.Transition) {
		n.notifyAsync(t.RiderID, Event{Type: EventTransition, At: t.At, Data: t})
	}
}

type offerPayload struct {
	Status       models.NotificationStatus `json:"status"`
	Notification models.NotificationState  `json:"notification"`
}

// OfferFunc returns the WatchOffers callback that forwards a driver's
// notification changes to that driver.
func (n *Notifier) OfferFunc(driverID string) func(models.NotificationState) {
	return func(s models.NotificationState) {
		n.notifyAsync(driverID, Event{Type: EventOffer, Data: offerPayload{Status: s.Status(), Notification: s}})
	}
}

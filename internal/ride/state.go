package ride

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type State string

const (
	StateIdle               State = "idle"
	StateCategorySelected   State = "category_selected"
	StateNotificationsSent  State = "notifications_sent"
	StateAwaitingAcceptance State = "awaiting_acceptance"
	StateAccepted           State = "accepted"
	StateRideStarted        State = "ride_started"
	StateCompleted          State = "completed"
	StateCancelled          State = "cancelled"
)

// AllowedTransitions is the rider-side lifecycle. Cancelled is reachable from
// every non-terminal state.
var AllowedTransitions = map[State][]State{
	StateIdle:               {StateCategorySelected, StateCancelled},
	StateCategorySelected:   {StateNotificationsSent, StateCancelled},
	StateNotificationsSent:  {StateAwaitingAcceptance, StateCancelled},
	StateAwaitingAcceptance: {StateAccepted, StateCancelled},
	StateAccepted:           {StateRideStarted, StateCancelled},
	StateRideStarted:        {StateCompleted, StateCancelled},
	StateCompleted:          {},
	StateCancelled:          {},
}

func CanTransition(from, to State) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

var (
	ErrInvalidState  = errors.New("ride: invalid state")
	ErrNoCandidates  = errors.New("ride: no drivers available in category")
	ErrFareUnknown   = errors.New("ride: fare not computed")
	ErrRideTaken     = errors.New("ride: already accepted by another driver")
	ErrNoOffer       = errors.New("ride: no open offer")
	ErrInvalidInput  = errors.New("ride: invalid input")
	ErrConcurrentMod = errors.New("ride: changed concurrently, retry")
	ErrDriverBusy    = errors.New("ride: driver is on another ride")
)

// Cancellation reasons written by the system rather than a person.
const (
	ReasonAssignedElsewhere = "assigned to another driver"
	ReasonNoDriverAccepted  = "no driver accepted"
	ReasonDriverCancelled   = "driver cancelled"
)

// FanoutError reports the candidates whose notification write failed. The
// successful writes are not rolled back.
type FanoutError struct {
	RideID    string
	Succeeded []string
	Failed    map[string]error
}

func (e *FanoutError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("ride %s: notifying %d of %d drivers failed (%s)",
		e.RideID, len(e.Failed), len(e.Failed)+len(e.Succeeded), strings.Join(ids, ", "))
}

func (e *FanoutError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// Transition is published to hooks after every rider-side state change.
type Transition struct {
	RideID   string    `json:"rideId"`
	RiderID  string    `json:"riderId"`
	DriverID string    `json:"driverId,omitempty"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	Fare     *int64    `json:"fare,omitempty"`
	At       time.Time `json:"at"`
}

type Hook func(Transition)

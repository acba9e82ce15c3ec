package models

import (
	"errors"
	"fmt"
	"time"
)

type NotificationStatus string

const (
	StatusConfirmed   NotificationStatus = "confirmed"
	StatusAccepted    NotificationStatus = "accepted"
	StatusRideStarted NotificationStatus = "rideStarted"
	StatusCancelled   NotificationStatus = "cancelled"
	StatusCompleted   NotificationStatus = "completed"
)

var ErrMalformedNotification = errors.New("malformed driver notification")

// DriverNotification is the wire form of driverNotifications/{driverId}. One
// driver holds at most one notification; the rider overwrites it when a new
// ride is offered.
type DriverNotification struct {
	DriverID           string             `json:"uid" bson:"uid" firestore:"uid"`
	RideID             string             `json:"rideId" bson:"rideId" firestore:"rideId"`
	RiderID            string             `json:"riderId" bson:"riderId" firestore:"riderId"`
	Status             NotificationStatus `json:"status" bson:"status" firestore:"status"`
	Category           Category           `json:"category" bson:"category" firestore:"category"`
	StartAddress       string             `json:"startAddress" bson:"startAddress" firestore:"startAddress"`
	StartLat           float64            `json:"startLatitude" bson:"startLatitude" firestore:"startLatitude"`
	StartLng           float64            `json:"startLongitude" bson:"startLongitude" firestore:"startLongitude"`
	DestinationAddress string             `json:"destinationAddress" bson:"destinationAddress" firestore:"destinationAddress"`
	DestLat            float64            `json:"destinationLatitude" bson:"destinationLatitude" firestore:"destinationLatitude"`
	DestLng            float64            `json:"destinationLongitude" bson:"destinationLongitude" firestore:"destinationLongitude"`
	Fare               *int64             `json:"fare,omitempty" bson:"fare,omitempty" firestore:"fare,omitempty"`
	Distance           *float64           `json:"distance,omitempty" bson:"distance,omitempty" firestore:"distance,omitempty"`
	Duration           *float64           `json:"duration,omitempty" bson:"duration,omitempty" firestore:"duration,omitempty"`
	CancellationReason *string            `json:"cancellationReason,omitempty" bson:"cancellationReason,omitempty" firestore:"cancellationReason,omitempty"`
	ConfirmedAt        time.Time          `json:"confirmedAt" bson:"confirmedAt" firestore:"confirmedAt"`
	CancelledAt        *time.Time         `json:"cancelledAt,omitempty" bson:"cancelledAt,omitempty" firestore:"cancelledAt,omitempty"`
	CompletedAt        *time.Time         `json:"completedAt" bson:"completedAt" firestore:"completedAt"`
}

// NewConfirmedNotification builds the offer the rider writes for one candidate.
func NewConfirmedNotification(req RideRequest, driverID string, at time.Time) DriverNotification {
	return DriverNotification{
		DriverID:           driverID,
		RideID:             req.ID,
		RiderID:            req.RiderID,
		Status:             StatusConfirmed,
		Category:           req.Category,
		StartAddress:       req.StartAddress,
		StartLat:           req.StartLat,
		StartLng:           req.StartLng,
		DestinationAddress: req.DestinationAddress,
		DestLat:            req.DestLat,
		DestLng:            req.DestLng,
		ConfirmedAt:        at,
	}
}

// Trip is the metadata shared by every notification of one ride.
type Trip struct {
	RideID             string
	RiderID            string
	Category           Category
	StartAddress       string
	Start              Coord
	DestinationAddress string
	Destination        Coord
}

// NotificationState is one lifecycle variant of a driver notification. Each
// variant carries only the fields that are valid in that state.
type NotificationState interface {
	Status() NotificationStatus
	TripInfo() Trip
}

type Confirmed struct {
	Trip
	ConfirmedAt time.Time
}

type Accepted struct {
	Trip
	DriverID        string
	Fare            *int64
	DistanceKm      *float64
	DurationSeconds *float64
}

type Started struct {
	Trip
	DriverID string
}

// Cancelled has an empty Reason for the driver-initiated short form.
type Cancelled struct {
	Trip
	Reason      string
	CancelledAt time.Time
}

type Completed struct {
	Trip
	DriverID    string
	CompletedAt time.Time
}

func (Confirmed) Status() NotificationStatus { return StatusConfirmed }
func (Accepted) Status() NotificationStatus  { return StatusAccepted }
func (Started) Status() NotificationStatus   { return StatusRideStarted }
func (Cancelled) Status() NotificationStatus { return StatusCancelled }
func (Completed) Status() NotificationStatus { return StatusCompleted }

func (t Trip) TripInfo() Trip { return t }

// Variant validates n and returns its typed lifecycle state.
func (n DriverNotification) Variant() (NotificationState, error) {
	if n.RideID == "" {
		return nil, fmt.Errorf("%w: missing rideId", ErrMalformedNotification)
	}
	trip := Trip{
		RideID:             n.RideID,
		RiderID:            n.RiderID,
		Category:           n.Category,
		StartAddress:       n.StartAddress,
		Start:              Coord{Lat: n.StartLat, Lon: n.StartLng},
		DestinationAddress: n.DestinationAddress,
		Destination:        Coord{Lat: n.DestLat, Lon: n.DestLng},
	}
	switch n.Status {
	case StatusConfirmed:
		return Confirmed{Trip: trip, ConfirmedAt: n.ConfirmedAt}, nil
	case StatusAccepted:
		if n.DriverID == "" {
			return nil, fmt.Errorf("%w: accepted without driver", ErrMalformedNotification)
		}
		return Accepted{Trip: trip, DriverID: n.DriverID, Fare: n.Fare, DistanceKm: n.Distance, DurationSeconds: n.Duration}, nil
	case StatusRideStarted:
		if n.DriverID == "" {
			return nil, fmt.Errorf("%w: started without driver", ErrMalformedNotification)
		}
		return Started{Trip: trip, DriverID: n.DriverID}, nil
	case StatusCancelled:
		c := Cancelled{Trip: trip}
		if n.CancellationReason != nil {
			c.Reason = *n.CancellationReason
		}
		if n.CancelledAt != nil {
			c.CancelledAt = *n.CancelledAt
		}
		return c, nil
	case StatusCompleted:
		if n.CompletedAt == nil {
			return nil, fmt.Errorf("%w: completed without completedAt", ErrMalformedNotification)
		}
		return Completed{Trip: trip, DriverID: n.DriverID, CompletedAt: *n.CompletedAt}, nil
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedNotification, n.Status)
	}
}

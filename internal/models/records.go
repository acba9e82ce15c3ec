package models

import "time"

// RideEntry is one ride in a driver's history. Distance is in kilometres and
// Duration in seconds.
type RideEntry struct {
	ID                 string             `json:"id" bson:"id" firestore:"id"`
	RideID             string             `json:"rideId" bson:"rideId" firestore:"rideId"`
	RiderID            string             `json:"riderId" bson:"riderId" firestore:"riderId"`
	Status             NotificationStatus `json:"status" bson:"status" firestore:"status"`
	Category           Category           `json:"category" bson:"category" firestore:"category"`
	StartAddress       string             `json:"startAddress" bson:"startAddress" firestore:"startAddress"`
	DestinationAddress string             `json:"destinationAddress" bson:"destinationAddress" firestore:"destinationAddress"`
	Fare               *int64             `json:"fare,omitempty" bson:"fare,omitempty" firestore:"fare,omitempty"`
	Distance           *float64           `json:"distance,omitempty" bson:"distance,omitempty" firestore:"distance,omitempty"`
	Duration           *float64           `json:"duration,omitempty" bson:"duration,omitempty" firestore:"duration,omitempty"`
	AcceptedAt         time.Time          `json:"acceptedAt" bson:"acceptedAt" firestore:"acceptedAt"`
	CompletedAt        *time.Time         `json:"completedAt" bson:"completedAt" firestore:"completedAt"`
}

// RideEntryID is the composite id of a history entry.
func RideEntryID(driverID, riderID string) string {
	return driverID + "_" + riderID
}

// DriverRideRecord is driverRides/{driverId}. Version increases on every write.
type DriverRideRecord struct {
	DriverID string      `json:"driverId" bson:"driverId" firestore:"driverId"`
	Version  int64       `json:"version" bson:"version" firestore:"version"`
	Rides    []RideEntry `json:"rides" bson:"rides" firestore:"rides"`
}

// Find returns the index of the most recent entry with id, or -1. A rider
// who rides with the same driver again reuses the composite id.
func (r DriverRideRecord) Find(id string) int {
	for i := len(r.Rides) - 1; i >= 0; i-- {
		if r.Rides[i].ID == id {
			return i
		}
	}
	return -1
}

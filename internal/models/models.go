package models

import (
	"strings"
	"time"
)

// Collection names shared by every document store backend.
const (
	CollectionUsers         = "users"
	CollectionDriverDetails = "driverDetails"
	CollectionLocations     = "driverLocations"
	CollectionNotifications = "driverNotifications"
	CollectionDriverRides   = "driverRides"
	CollectionPartners      = "driver-partners"
	CollectionRideRequests  = "rideRequests"
)

type Coord struct {
	Lat float64 `json:"lat" bson:"lat" firestore:"lat"`
	Lon float64 `json:"lon" bson:"lon" firestore:"lon"`
}

// Valid reports whether c is a finite point on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Category string

const (
	CategoryEconomy   Category = "Economy"
	CategoryXL        Category = "XL"
	CategoryPremium   Category = "Premium"
	CategoryMotorBike Category = "MotorBike"
)

// Categories lists every ride tier in display order.
var Categories = []Category{CategoryEconomy, CategoryXL, CategoryPremium, CategoryMotorBike}

// ParseCategory accepts the canonical names case-insensitively; driver
// registrations historically wrote "Motorbike".
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if strings.EqualFold(strings.TrimSpace(s), string(c)) {
			return c, true
		}
	}
	return "", false
}

type RideStatus string

const (
	RideOpen      RideStatus = "open"
	RideAccepted  RideStatus = "accepted"
	RideStarted   RideStatus = "started"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

// RideRequest is created by the rider when a category is chosen. Trip fields
// are immutable once notifications are sent; only status and cancellation
// metadata change afterwards.
type RideRequest struct {
	ID                 string     `json:"rideId" bson:"rideId" firestore:"rideId"`
	RiderID            string     `json:"riderId" bson:"riderId" firestore:"riderId"`
	StartAddress       string     `json:"startAddress" bson:"startAddress" firestore:"startAddress"`
	StartLat           float64    `json:"startLatitude" bson:"startLatitude" firestore:"startLatitude"`
	StartLng           float64    `json:"startLongitude" bson:"startLongitude" firestore:"startLongitude"`
	DestinationAddress string     `json:"destinationAddress" bson:"destinationAddress" firestore:"destinationAddress"`
	DestLat            float64    `json:"destinationLatitude" bson:"destinationLatitude" firestore:"destinationLatitude"`
	DestLng            float64    `json:"destinationLongitude" bson:"destinationLongitude" firestore:"destinationLongitude"`
	Category           Category   `json:"category" bson:"category" firestore:"category"`
	Status             RideStatus `json:"status" bson:"status" firestore:"status"`
	AcceptedDriverID   string     `json:"acceptedDriverId,omitempty" bson:"acceptedDriverId,omitempty" firestore:"acceptedDriverId,omitempty"`
	CancellationReason string     `json:"cancellationReason,omitempty" bson:"cancellationReason,omitempty" firestore:"cancellationReason,omitempty"`
	CreatedAt          time.Time  `json:"createdAt" bson:"createdAt" firestore:"createdAt"`
}

func (r RideRequest) Start() Coord       { return Coord{Lat: r.StartLat, Lon: r.StartLng} }
func (r RideRequest) Destination() Coord { return Coord{Lat: r.DestLat, Lon: r.DestLng} }

// DriverLocation is overwritten on every tick while the driver is online.
type DriverLocation struct {
	DriverID  string    `json:"uid" bson:"uid" firestore:"uid"`
	Username  string    `json:"username,omitempty" bson:"username,omitempty" firestore:"username,omitempty"`
	Latitude  float64   `json:"latitude" bson:"latitude" firestore:"latitude"`
	Longitude float64   `json:"longitude" bson:"longitude" firestore:"longitude"`
	Geohash   string    `json:"geohash,omitempty" bson:"geohash,omitempty" firestore:"geohash,omitempty"`
	Address   string    `json:"address" bson:"address" firestore:"address"`
	IsOnline  bool      `json:"isOnline" bson:"isOnline" firestore:"isOnline"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt" firestore:"updatedAt"`
}

func (l DriverLocation) Coord() Coord { return Coord{Lat: l.Latitude, Lon: l.Longitude} }

type UserProfile struct {
	UID      string `json:"uid" bson:"uid" firestore:"uid"`
	Email    string `json:"email" bson:"email" firestore:"email"`
	UserName string `json:"userName" bson:"userName" firestore:"userName"`
	Phone    string `json:"phone" bson:"phone" firestore:"phone"`
	UserType string `json:"userType" bson:"userType" firestore:"userType"`
	FCMToken string `json:"fcmToken,omitempty" bson:"fcmToken,omitempty" firestore:"fcmToken,omitempty"`
}

// DriverProfile is written once at registration.
type DriverProfile struct {
	UID             string   `json:"uid" bson:"uid" firestore:"uid"`
	Email           string   `json:"email" bson:"email" firestore:"email"`
	Username        string   `json:"username" bson:"username" firestore:"username"`
	Phone           string   `json:"phone" bson:"phone" firestore:"phone"`
	CarModel        string   `json:"carModel" bson:"carModel" firestore:"carModel"`
	Plate           string   `json:"plate" bson:"plate" firestore:"plate"`
	LicenseNumber   string   `json:"licenseNumber" bson:"licenseNumber" firestore:"licenseNumber"`
	CarSeats        int      `json:"carSeats" bson:"carSeats" firestore:"carSeats"`
	VehicleColor    string   `json:"vehicleColor" bson:"vehicleColor" firestore:"vehicleColor"`
	ProfileImageURL string   `json:"profileImageUrl" bson:"profileImageUrl" firestore:"profileImageUrl"`
	RideCategory    Category `json:"rideCategory" bson:"rideCategory" firestore:"rideCategory"`
}

// PartnerDocuments holds the verification flags keyed by document type.
type PartnerDocuments struct {
	Email     string          `json:"email" bson:"email" firestore:"email"`
	Documents map[string]bool `json:"documents" bson:"documents" firestore:"documents"`
}

// PartnerKey is the driver-partners document id for an email address.
func PartnerKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

package routing

import (
	"context"

	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
)

// StraightLine estimates a route as the great-circle distance driven at a
// constant speed. It is the local-development provider when no routing API
// is configured.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if err := ctx.Err(); err != nil {
		return Route{}, err
	}
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Route{DistanceMeters: d, DurationSeconds: d / speed, Path: []models.Coord{from, to}}, nil
}

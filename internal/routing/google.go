package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-lifecycle/internal/models"
)

// GoogleClient uses the Google Directions API.
type GoogleClient struct {
	client *maps.Client
}

func NewGoogleClient(apiKey string) (*GoogleClient, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleClient{client: client}, nil
}

func (g *GoogleClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, ErrNoRoute
	}
	leg := routes[0].Legs[0]
	out := Route{DistanceMeters: float64(leg.Distance.Meters), DurationSeconds: leg.Duration.Seconds()}
	if pts, err := routes[0].OverviewPolyline.Decode(); err == nil {
		out.Path = make([]models.Coord, 0, len(pts))
		for _, p := range pts {
			out.Path = append(out.Path, models.Coord{Lat: p.Lat, Lon: p.Lng})
		}
	}
	return out, nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%f,%f", c.Lat, c.Lon)
}

package location

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-lifecycle/internal/models"
)

// Address is a short human label for a point.
type Address struct {
	Name   string `json:"name"`
	Region string `json:"region"`
}

func (a Address) String() string {
	switch {
	case a.Name == "":
		return a.Region
	case a.Region == "":
		return a.Name
	}
	return a.Name + ", " + a.Region
}

type Geocoder interface {
	Reverse(ctx context.Context, c models.Coord) (Address, error)
}

// GoogleGeocoder uses the Google Geocoding API.
type GoogleGeocoder struct {
	client *maps.Client
}

func NewGoogleGeocoder(apiKey string, opts ...maps.ClientOption) (*GoogleGeocoder, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleGeocoder{client: client}, nil
}

// Reverse returns the first result's street-level name and its locality.
func (g *GoogleGeocoder) Reverse(ctx context.Context, c models.Coord) (Address, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{LatLng: &maps.LatLng{Lat: c.Lat, Lng: c.Lon}})
	if err != nil {
		return Address{}, fmt.Errorf("geocoding api error: %w", err)
	}
	if len(results) == 0 {
		return Address{}, nil
	}
	var out Address
	for _, comp := range results[0].AddressComponents {
		switch {
		case out.Name == "" && hasType(comp.Types, "route", "premise", "point_of_interest", "neighborhood", "sublocality"):
			out.Name = comp.LongName
		case out.Region == "" && hasType(comp.Types, "locality", "administrative_area_level_1"):
			out.Region = comp.LongName
		}
	}
	if out.Name == "" && out.Region == "" {
		out.Name = results[0].FormattedAddress
	}
	return out, nil
}

func hasType(types []string, want ...string) bool {
	for _, t := range types {
		for _, w := range want {
			if t == w {
				return true
			}
		}
	}
	return false
}

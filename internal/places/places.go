// Package places implements destination autocomplete on the Google Places
// text search API.
package places

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"

	"github.com/example/ride-lifecycle/internal/models"
)

var ErrValidation = errors.New("places: query is required")

// biasRadius is the search bias around the rider, in metres.
const biasRadius = 50000

type Place struct {
	Name    string  `json:"name"`
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	PlaceID string  `json:"placeId,omitempty"`
}

type Searcher interface {
	Search(ctx context.Context, query string, bias *models.Coord) ([]Place, error)
}

type Service struct {
	client *maps.Client
	region string
}

// NewService builds a Places client. Extra options are passed to the maps
// client, e.g. maps.WithBaseURL in tests.
func NewService(apiKey, region string, opts ...maps.ClientOption) (*Service, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Service{client: client, region: region}, nil
}

// Search returns places in the order the API ranks them.
func (s *Service) Search(ctx context.Context, query string, bias *models.Coord) ([]Place, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrValidation
	}
	r := &maps.TextSearchRequest{Query: query, Region: s.region}
	if bias != nil {
		r.Location = &maps.LatLng{Lat: bias.Lat, Lng: bias.Lon}
		r.Radius = biasRadius
	}
	resp, err := s.client.TextSearch(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("places api error: %w", err)
	}
	out := make([]Place, 0, len(resp.Results))
	for _, res := range resp.Results {
		out = append(out, Place{
			Name:    res.Name,
			Address: res.FormattedAddress,
			Lat:     res.Geometry.Location.Lat,
			Lon:     res.Geometry.Location.Lng,
			PlaceID: res.PlaceID,
		})
	}
	return out, nil
}

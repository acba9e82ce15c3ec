package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
)

const DefaultORSEndpoint = "https://api.openrouteservice.org"

// ORSClient talks to the OpenRouteService directions API and reads the
// GeoJSON response.
type ORSClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewORSClient(endpoint, apiKey string) *ORSClient {
	if endpoint == "" {
		endpoint = DefaultORSEndpoint
	}
	return &ORSClient{Endpoint: endpoint, APIKey: apiKey, Client: &http.Client{Timeout: 5 * time.Second}}
}

type orsResponse struct {
	Features []struct {
		Properties struct {
			Segments []struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
			} `json:"segments"`
		} `json:"properties"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *ORSClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	q := url.Values{}
	q.Set("api_key", o.APIKey)
	q.Set("start", fmt.Sprintf("%f,%f", from.Lon, from.Lat))
	q.Set("end", fmt.Sprintf("%f,%f", to.Lon, to.Lat))
	q.Set("geometries", "geojson")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.Endpoint+"/v2/directions/driving-car?"+q.Encode(), nil)
	if err != nil {
		return Route{}, err
	}
	req.Header.Set("Accept", "application/geo+json, application/json")
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, fmt.Errorf("ors request: %w", err)
	}
	defer resp.Body.Close()

	var out orsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, fmt.Errorf("ors decode (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if out.Error != nil {
			msg = out.Error.Message
		}
		return Route{}, fmt.Errorf("ors status %d: %s", resp.StatusCode, msg)
	}
	if len(out.Features) == 0 || len(out.Features[0].Properties.Segments) == 0 {
		return Route{}, ErrNoRoute
	}
	f := out.Features[0]
	seg := f.Properties.Segments[0]
	return Route{DistanceMeters: seg.Distance, DurationSeconds: seg.Duration, Path: lonLatPath(f.Geometry.Coordinates)}, nil
}

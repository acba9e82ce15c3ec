package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/ride-lifecycle/internal/models"
)

// Geo indexes the last known position of online drivers.
type Geo interface {
	Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.DriverLocation, error)
	Upsert(ctx context.Context, loc models.DriverLocation) error
	Remove(ctx context.Context, driverID string) error
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocation
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverLocation)}
}

func (g *Index) Upsert(_ context.Context, loc models.DriverLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !loc.IsOnline {
		delete(g.drivers, loc.DriverID)
		return nil
	}
	g.drivers[loc.DriverID] = loc
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; the redis index serves production traffic
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.DriverLocation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.DriverLocation
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		dist := Haversine(center.Lat, center.Lon, d.Latitude, d.Longitude)
		if radiusMeters > 0 && dist > radiusMeters {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.DriverLocation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine between two coords.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

package fleet

import (
	"context"
	"fmt"
	"sort"

	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/fare"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
)

// AvailableDriver is an online, registered driver near a pickup point.
type AvailableDriver struct {
	DriverID       string          `json:"driverId"`
	Username       string          `json:"username"`
	CarModel       string          `json:"carModel"`
	Plate          string          `json:"plate"`
	VehicleColor   string          `json:"vehicleColor"`
	Location       models.Coord    `json:"location"`
	Address        string          `json:"address"`
	DistanceMeters float64         `json:"distanceMeters"`
	Category       models.Category `json:"category"`
}

// CategoryDrivers groups the available drivers of one tier.
type CategoryDrivers struct {
	Category  models.Category   `json:"category"`
	RatePerKm float64           `json:"ratePerKm"`
	Drivers   []AvailableDriver `json:"drivers"`
}

func (c CategoryDrivers) DriverIDs() []string {
	out := make([]string, len(c.Drivers))
	for i, d := range c.Drivers {
		out[i] = d.DriverID
	}
	return out
}

// Directory answers which categories can serve a pickup right now.
type Directory struct {
	Store docstore.Store
	// Geo narrows candidates to RadiusMeters around the pickup when set.
	Geo          geo.Geo
	RadiusMeters float64
	// CellPrecision > 0 keeps only drivers in the pickup's geohash cell or
	// one of its neighbours.
	CellPrecision uint
}

// Categories returns every selectable category, in display order.
// Categories without drivers or without a known rate are left out.
func (d *Directory) Categories(ctx context.Context, pickup models.Coord) ([]CategoryDrivers, error) {
	locations, err := d.onlineLocations(ctx, pickup)
	if err != nil {
		return nil, err
	}
	if d.CellPrecision > 0 {
		cells := geo.CellAndNeighbors(pickup, d.CellPrecision)
		kept := locations[:0]
		for _, l := range locations {
			h := l.Geohash
			if h == "" {
				h = geo.Cell(l.Coord(), d.CellPrecision)
			}
			if geo.InCells(h, cells) {
				kept = append(kept, l)
			}
		}
		locations = kept
	}
	if len(locations) == 0 {
		return nil, nil
	}

	profiles, err := d.profiles(ctx)
	if err != nil {
		return nil, err
	}

	grouped := make(map[models.Category][]AvailableDriver)
	for _, l := range locations {
		p, ok := profiles[l.DriverID]
		if !ok {
			continue
		}
		c, ok := models.ParseCategory(string(p.RideCategory))
		if !ok {
			continue
		}
		grouped[c] = append(grouped[c], AvailableDriver{
			DriverID:       l.DriverID,
			Username:       p.Username,
			CarModel:       p.CarModel,
			Plate:          p.Plate,
			VehicleColor:   p.VehicleColor,
			Location:       l.Coord(),
			Address:        l.Address,
			DistanceMeters: geo.Distance(pickup, l.Coord()),
			Category:       c,
		})
	}

	var out []CategoryDrivers
	for _, c := range models.Categories {
		drivers := grouped[c]
		rate, ok := fare.RateFor(c)
		if len(drivers) == 0 || !ok {
			continue
		}
		sort.Slice(drivers, func(i, j int) bool { return drivers[i].DistanceMeters < drivers[j].DistanceMeters })
		out = append(out, CategoryDrivers{Category: c, RatePerKm: rate, Drivers: drivers})
	}
	return out, nil
}

func (d *Directory) onlineLocations(ctx context.Context, pickup models.Coord) ([]models.DriverLocation, error) {
	if d.Geo != nil {
		near, err := d.Geo.Nearby(ctx, pickup, d.RadiusMeters, 0)
		if err != nil {
			return nil, fmt.Errorf("nearby drivers: %w", err)
		}
		return near, nil
	}
	snaps, err := d.Store.List(ctx, models.CollectionLocations)
	if err != nil {
		return nil, fmt.Errorf("list driver locations: %w", err)
	}
	out := make([]models.DriverLocation, 0, len(snaps))
	for _, s := range snaps {
		var l models.DriverLocation
		if err := s.DataTo(&l); err != nil || !l.IsOnline {
			continue
		}
		if l.DriverID == "" {
			l.DriverID = s.ID
		}
		if d.RadiusMeters > 0 && geo.Distance(pickup, l.Coord()) > d.RadiusMeters {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (d *Directory) profiles(ctx context.Context) (map[string]models.DriverProfile, error) {
	snaps, err := d.Store.List(ctx, models.CollectionDriverDetails)
	if err != nil {
		return nil, fmt.Errorf("list driver details: %w", err)
	}
	out := make(map[string]models.DriverProfile, len(snaps))
	for _, s := range snaps {
		var p models.DriverProfile
		if err := s.DataTo(&p); err != nil {
			continue
		}
		out[s.ID] = p
	}
	return out, nil
}

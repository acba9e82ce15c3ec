package geo

import (
	"context"
	"testing"

	"github.com/example/ride-lifecycle/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is ~111.2km
	d := Haversine(0, 0, 1, 0)
	if d < 111000 || d > 111400 {
		t.Fatalf("unexpected distance %f", d)
	}
}

func TestIndexNearbyOrdersAndFilters(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	center := models.Coord{Lat: -1.2833, Lon: 36.8167}
	_ = idx.Upsert(ctx, models.DriverLocation{DriverID: "far", Latitude: -1.20, Longitude: 36.90, IsOnline: true})
	_ = idx.Upsert(ctx, models.DriverLocation{DriverID: "near", Latitude: -1.2840, Longitude: 36.8170, IsOnline: true})
	_ = idx.Upsert(ctx, models.DriverLocation{DriverID: "mid", Latitude: -1.2900, Longitude: 36.8200, IsOnline: true})
	_ = idx.Upsert(ctx, models.DriverLocation{DriverID: "off", Latitude: -1.2833, Longitude: 36.8167, IsOnline: false})

	got, err := idx.Nearby(ctx, center, 5000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != "near" || got[1].DriverID != "mid" {
		t.Fatalf("unexpected nearby set %+v", got)
	}

	_ = idx.Remove(ctx, "near")
	got, _ = idx.Nearby(ctx, center, 0, 1)
	if len(got) != 1 || got[0].DriverID != "mid" {
		t.Fatalf("unexpected nearby after remove %+v", got)
	}
}

func TestCells(t *testing.T) {
	c := models.Coord{Lat: -1.2833, Lon: 36.8167}
	cells := CellAndNeighbors(c, CellPrecision)
	if len(cells) != 9 {
		t.Fatalf("expected 9 cells, got %d", len(cells))
	}
	full := Cell(c, 9)
	if !InCells(full, cells) {
		t.Fatalf("%s should be inside its own cell", full)
	}
	if InCells(Cell(models.Coord{Lat: 51.5, Lon: -0.12}, 9), cells) {
		t.Fatal("London should not be near Nairobi")
	}
}

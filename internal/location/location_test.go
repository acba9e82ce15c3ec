package location

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"googlemaps.github.io/maps"

	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
)

type recordingSink struct {
	mu   sync.Mutex
	locs []models.DriverLocation
}

func (s *recordingSink) Write(_ context.Context, loc models.DriverLocation) error {
	s.mu.Lock()
	s.locs = append(s.locs, loc)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) all() []models.DriverLocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DriverLocation(nil), s.locs...)
}

type staticGeocoder struct{}

func (staticGeocoder) Reverse(context.Context, models.Coord) (Address, error) {
	return Address{Name: "Moi Avenue", Region: "Nairobi"}, nil
}

func TestPushProviderKeepsNewest(t *testing.T) {
	p := NewPushProvider()
	now := time.Now()
	p.Push("d1", Fix{Lat: 1, Lng: 1, At: now})
	p.Push("d1", Fix{Lat: 2, Lng: 2, At: now.Add(-time.Second)})
	f, err := p.For("d1").Current(context.Background())
	if err != nil || f.Lat != 1 {
		t.Fatalf("fix = %+v, %v", f, err)
	}
	if _, err := p.For("nobody").Current(context.Background()); !errors.Is(err, ErrNoFix) {
		t.Fatalf("err = %v", err)
	}
}

func TestReporterSkipsSmallMovesAndStopsCleanly(t *testing.T) {
	p := NewPushProvider()
	p.Push("d1", Fix{Lat: -1.2833, Lng: 36.8167})
	sink := &recordingSink{}
	r := &Reporter{
		DriverID: "d1",
		Provider: p.For("d1"),
		Geocoder: staticGeocoder{},
		Sink:     sink,
		Interval: 10 * time.Millisecond,
	}
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sink.all(); len(got) != 1 || got[0].Address != "Moi Avenue, Nairobi" || !got[0].IsOnline {
		t.Fatalf("initial write = %+v", got)
	}

	// a few ticks without movement write nothing
	time.Sleep(50 * time.Millisecond)
	if n := len(sink.all()); n != 1 {
		t.Fatalf("%d writes without movement", n)
	}

	p.Push("d1", Fix{Lat: -1.2900, Lng: 36.8167})
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.all()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.all(); len(got) < 2 || got[1].Latitude != -1.2900 {
		t.Fatalf("move not reported: %+v", got)
	}

	if err := r.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	got := sink.all()
	last := got[len(got)-1]
	if last.IsOnline || last.Latitude != -1.2900 {
		t.Fatalf("offline write = %+v", last)
	}
	p.Push("d1", Fix{Lat: -1.3000, Lng: 36.8167})
	time.Sleep(40 * time.Millisecond)
	if n := len(sink.all()); n != len(got) {
		t.Fatalf("writes after stop: %d -> %d", len(got), n)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStoreSinkDropsOutOfOrderTicks(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	sink := NewStoreSink(store)
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	if err := sink.Write(ctx, models.DriverLocation{DriverID: "d1", Latitude: 1, Longitude: 1, IsOnline: true, UpdatedAt: t0.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Write(ctx, models.DriverLocation{DriverID: "d1", Latitude: 2, Longitude: 2, IsOnline: true, UpdatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	snap, err := store.Get(ctx, models.CollectionLocations, "d1")
	if err != nil {
		t.Fatal(err)
	}
	var loc models.DriverLocation
	if err := snap.DataTo(&loc); err != nil {
		t.Fatal(err)
	}
	if loc.Latitude != 1 || !loc.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("older tick overwrote newer: %+v", loc)
	}
	if loc.Geohash == "" {
		t.Fatal("geohash not filled")
	}

	if err := sink.Write(ctx, models.DriverLocation{DriverID: "d1", IsOnline: false, UpdatedAt: t0.Add(2 * time.Minute)}); err != nil {
		t.Fatal(err)
	}
	snap, _ = store.Get(ctx, models.CollectionLocations, "d1")
	loc = models.DriverLocation{}
	if err := snap.DataTo(&loc); err != nil {
		t.Fatal(err)
	}
	if loc.IsOnline || loc.Latitude != 1 {
		t.Fatalf("offline write should keep position: %+v", loc)
	}
}

func TestStoreSinksSharingAStoreNeverRewind(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	server, consumer := NewStoreSink(store), NewStoreSink(store)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	online := models.DriverLocation{DriverID: "d1", Latitude: 1, Longitude: 1, IsOnline: true, UpdatedAt: t0}
	if err := server.Write(ctx, online); err != nil {
		t.Fatal(err)
	}
	if err := server.Write(ctx, models.DriverLocation{DriverID: "d1", IsOnline: false, UpdatedAt: t0.Add(10 * time.Second)}); err != nil {
		t.Fatal(err)
	}
	// a lagging writer replays the older online tick
	if err := consumer.Write(ctx, online); err != nil {
		t.Fatal(err)
	}

	snap, err := store.Get(ctx, models.CollectionLocations, "d1")
	if err != nil {
		t.Fatal(err)
	}
	var loc models.DriverLocation
	if err := snap.DataTo(&loc); err != nil {
		t.Fatal(err)
	}
	if loc.IsOnline || !loc.UpdatedAt.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("document moved backwards: %+v", loc)
	}
}

func TestStoreSinkConcurrentWritersKeepNewest(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	sinks := []*StoreSink{NewStoreSink(store), NewStoreSink(store)}
	for _, s := range sinks {
		s.Attempts = 1000
	}
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			loc := models.DriverLocation{DriverID: "d1", Latitude: float64(i), Longitude: 1, IsOnline: true, UpdatedAt: t0.Add(time.Duration(i) * time.Second)}
			if err := sinks[i%2].Write(ctx, loc); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	snap, err := store.Get(ctx, models.CollectionLocations, "d1")
	if err != nil {
		t.Fatal(err)
	}
	var loc models.DriverLocation
	if err := snap.DataTo(&loc); err != nil {
		t.Fatal(err)
	}
	if loc.Latitude != 49 || !loc.UpdatedAt.Equal(t0.Add(49*time.Second)) {
		t.Fatalf("newest tick lost: %+v", loc)
	}
}

func TestGeoSinkFollowsAvailability(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewIndex()
	sink := MultiSink{GeoSink{Geo: idx}}
	c := models.Coord{Lat: -1.2833, Lon: 36.8167}
	if err := sink.Write(ctx, models.DriverLocation{DriverID: "d1", Latitude: c.Lat, Longitude: c.Lon, IsOnline: true}); err != nil {
		t.Fatal(err)
	}
	if got, _ := idx.Nearby(ctx, c, 1000, 10); len(got) != 1 {
		t.Fatalf("nearby = %+v", got)
	}
	if err := sink.Write(ctx, models.DriverLocation{DriverID: "d1", IsOnline: false}); err != nil {
		t.Fatal(err)
	}
	if got, _ := idx.Nearby(ctx, c, 1000, 10); len(got) != 0 {
		t.Fatalf("offline driver still indexed: %+v", got)
	}
}

func TestGoogleGeocoder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/maps/api/geocode/json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"OK","results":[{"formatted_address":"Moi Ave, Nairobi, Kenya",
			"address_components":[
				{"long_name":"12","short_name":"12","types":["street_number"]},
				{"long_name":"Moi Avenue","short_name":"Moi Ave","types":["route"]},
				{"long_name":"Nairobi","short_name":"Nairobi","types":["locality","political"]}]}]}`))
	}))
	defer srv.Close()

	g, err := NewGoogleGeocoder("k", maps.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	addr, err := g.Reverse(context.Background(), models.Coord{Lat: -1.2833, Lon: 36.8167})
	if err != nil {
		t.Fatal(err)
	}
	if addr.String() != "Moi Avenue, Nairobi" {
		t.Fatalf("address = %q", addr.String())
	}
}

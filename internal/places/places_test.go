package places

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"googlemaps.github.io/maps"

	"github.com/example/ride-lifecycle/internal/models"
)

func TestSearchKeepsAPIOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/maps/api/place/textsearch/json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("query") != "Sarit Centre" {
			t.Errorf("query = %q", r.URL.Query().Get("query"))
		}
		if r.URL.Query().Get("location") == "" {
			t.Errorf("bias location not sent")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"OK","results":[
			{"name":"Sarit Centre","formatted_address":"Westlands, Nairobi","place_id":"p1","geometry":{"location":{"lat":-1.2606,"lng":36.8025}}},
			{"name":"Sarit Expo","formatted_address":"Karuna Rd, Nairobi","place_id":"p2","geometry":{"location":{"lat":-1.2611,"lng":36.8031}}}]}`))
	}))
	defer srv.Close()

	s, err := NewService("k", "ke", maps.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Search(context.Background(), " Sarit Centre ", &models.Coord{Lat: -1.28, Lon: 36.81})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].PlaceID != "p1" || got[1].PlaceID != "p2" {
		t.Fatalf("unexpected results %+v", got)
	}
	if got[0].Lat != -1.2606 || got[0].Lon != 36.8025 {
		t.Fatalf("coordinates not copied: %+v", got[0])
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	s, err := NewService("k", "ke")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Search(context.Background(), "   ", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}

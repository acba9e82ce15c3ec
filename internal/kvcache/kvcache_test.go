package kvcache

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-lifecycle/internal/models"
)

func TestMemoryTypedHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	if _, err := SelectedRate(ctx, c, "u1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if err := SaveSelectedRate(ctx, c, "u1", 85); err != nil {
		t.Fatal(err)
	}
	rate, err := SelectedRate(ctx, c, "u1")
	if err != nil || rate != 85 {
		t.Fatalf("got %v %v", rate, err)
	}
	if _, err := SelectedRate(ctx, c, "u2"); !errors.Is(err, ErrMiss) {
		t.Fatal("values must be namespaced per user")
	}

	loc := models.Coord{Lat: -1.28, Lon: 36.81}
	if err := SaveUserLocation(ctx, c, "u1", loc); err != nil {
		t.Fatal(err)
	}
	got, err := UserLocation(ctx, c, "u1")
	if err != nil || got != loc {
		t.Fatalf("got %+v %v", got, err)
	}
}

func TestSelectedRateRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	_ = c.Set(ctx, "u1", KeySelectedRate, "lots")
	if _, err := SelectedRate(ctx, c, "u1"); err == nil || errors.Is(err, ErrMiss) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

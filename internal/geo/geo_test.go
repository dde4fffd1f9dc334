package geo

import (
	"testing"

	"github.com/example/carpool/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNearbyRadiusAndOrder(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(TripPos{TripID: "close", Coord: models.Coord{Lat: 0.001, Lon: 0}})
	idx.Upsert(TripPos{TripID: "closer", Coord: models.Coord{Lat: 0.0005, Lon: 0}})
	idx.Upsert(TripPos{TripID: "far", Coord: models.Coord{Lat: 1, Lon: 1}})

	got := idx.Nearby(0, 0, 5000, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 trips inside radius, got %d", len(got))
	}
	if got[0].TripID != "closer" || got[1].TripID != "close" {
		t.Fatalf("expected nearest first, got %v then %v", got[0].TripID, got[1].TripID)
	}

	idx.Remove("closer")
	got = idx.Nearby(0, 0, 5000, 10)
	if len(got) != 1 || got[0].TripID != "close" {
		t.Fatalf("remove did not take: %+v", got)
	}
}

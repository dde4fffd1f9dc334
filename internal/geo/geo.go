package geo

import (
	"math"
	"sync"

	"github.com/example/carpool/internal/models"
)

// TripPos is a trip id with its origin coordinate, as stored in the index.
type TripPos struct {
	TripID string
	Coord  models.Coord
}

// Geo indexes trip origins so passengers can search rides leaving near them.
type Geo interface {
	Nearby(lat, lon float64, radiusM float64, limit int) []TripPos
	Upsert(p TripPos)
	Remove(tripID string)
}

type Index struct {
	mu    sync.RWMutex
	trips map[string]TripPos
}

func NewIndex() *Index {
	return &Index{trips: make(map[string]TripPos)}
}

func (g *Index) Upsert(p TripPos) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trips[p.TripID] = p
}

func (g *Index) Remove(tripID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.trips, tripID)
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(lat, lon float64, radiusM float64, limit int) []TripPos {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    TripPos
		dist float64
	}
	arr := make([]pair, 0, len(g.trips))
	for _, p := range g.trips {
		dist := Haversine(lat, lon, p.Coord.Lat, p.Coord.Lon)
		if dist > radiusM {
			continue
		}
		arr = append(arr, pair{p, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
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
	out := make([]TripPos, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].p)
	}
	return out
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
